package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"crm-board/api"
	"crm-board/config"
	"crm-board/storage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the board and dashboard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("shutdown tracer provider")
		}
	}()

	auth, err := newAuth(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	services := api.Services{
		Board:     svc.board,
		Dashboard: svc.dashboard,
		Layout:    svc.layout,
		Auth:      auth,
		Deduper:   api.NewRedisDeduper(svc.redis, cfg.DeduperTTL),
		Broker:    api.NewBroker(),
		Pool: api.PoolConfig{
			Workers:        cfg.ChangeWorkers,
			Buffer:         cfg.ChangeBuffer,
			Timeout:        cfg.ChangeTimeout,
			HandoffTimeout: cfg.ChangeHandoffTimeout,
		},
	}
	if cfg.DispatchMode == config.DispatchQueue {
		queue, err := storage.NewChangeQueue(cfg.StorageConnectionString, cfg.ChangeQueue)
		if err != nil {
			return fmt.Errorf("change queue: %w", err)
		}
		services.Dispatcher = queue
	}

	svc.watchLayout(ctx)
	go storage.SubscribeBoardUpdates(ctx, svc.redis, cfg.UpdatesTopic, func(storage.BoardUpdate) {
		services.Broker.Notify()
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	if cfg.Debug {
		pprof.Register(e)
	}

	logger := log.StandardLogger()
	api.Register(e, services, logger)

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": cfg.ListenAddr, "dispatch": cfg.DispatchMode}).Info("crm board api listening")
		errCh <- e.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.AuthTestMode {
		return api.NewAuth(nil, cfg.Auth0Audience, "")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/")
}
