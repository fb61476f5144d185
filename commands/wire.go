package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crm-board/config"
	"crm-board/domain"
	"crm-board/storage"
)

// services holds everything serve and worker share.
type services struct {
	cfg       config.Config
	redis     *redis.Client
	layout    *config.LayoutStore
	board     domain.BoardService
	dashboard domain.DashboardService
}

func newServices(cfg config.Config) (*services, error) {
	rc := redis.NewClient(cfg.RedisOptions)

	graph := storage.NewGraphQL(cfg.GraphQLURL, cfg.GraphQLToken)
	cache := storage.NewCache(graph, rc, cfg.CacheTTL, storage.NewOverlay(rc, cfg.OverlayTTL))
	journal, err := storage.NewJournal(cfg.StorageConnectionString, cfg.ChangesTable)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	layout := config.NewLayoutStore(cfg.Layout)
	notifier := storage.NewNotifier(rc, cfg.UpdatesTopic)

	return &services{
		cfg:       cfg,
		redis:     rc,
		layout:    layout,
		board:     domain.NewBoardService(cache, cache, journal, notifier, func() []string { return layout.Layout().TaskStages }),
		dashboard: domain.NewDashboardService(graph),
	}, nil
}

// watchLayout reloads the layout file until ctx is done.
func (s *services) watchLayout(ctx context.Context) {
	if s.cfg.LayoutFile == "" {
		return
	}
	if err := s.layout.Watch(ctx, s.cfg.LayoutFile, log.StandardLogger()); err != nil {
		log.WithError(err).Warn("layout hot reload disabled")
	}
}

func (s *services) Close() error {
	return s.redis.Close()
}
