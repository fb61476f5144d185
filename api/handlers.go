package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"crm-board/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, s Services, logger *log.Logger) {
	if s.Broker == nil {
		s.Broker = NewBroker()
	}
	g := e.Group("/api", RequestBodyMiddleware(dropMaxSize))

	g.GET("/board", getBoard(s.Board, s.Auth, logger))
	g.POST("/board/drops", postDrop(s.Board, s.Auth, s.Deduper, s.Dispatcher, logger))
	g.GET("/board/changes/:id", getChange(s.Board, s.Auth))
	g.GET("/board/columns/:stageId/new-task", getNewTaskRoute(s.Auth))
	g.GET("/board/stream", streamBoard(s.Board, s.Auth, s.Broker, logger))

	g.GET("/dashboard", getDashboard(s.Dashboard, s.Layout, s.Auth, logger))
	g.GET("/dashboard/totals", getTotals(s.Dashboard, s.Auth, logger))
	g.GET("/dashboard/deals-chart", getDealsChart(s.Dashboard, s.Layout, s.Auth, logger))
	g.GET("/dashboard/activities", getActivities(s.Dashboard, s.Layout, s.Auth, logger))

	e.GET("/healthz", healthz())

	if s.Dispatcher == nil {
		initChangeSender(s.Board, s.Deduper, s.Pool, logger)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// instrumented runs fn inside a request span and logs one observability
// event for the request once it completes.
func instrumented(logger *log.Logger, route, event string, fn func(c echo.Context, m *requestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, route, event)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		return fn(c, metrics)
	}
}

// authenticated resolves the calling user and records it on m. On failure
// it writes the 401 response and returns false.
func authenticated(c echo.Context, auth Authenticator, m *requestMetrics) (string, bool) {
	userID, err := auth.UserIDFromAuthHeader(authorizationHeader(c, false))
	if err != nil {
		if m != nil {
			m.SetErrorStage("auth")
		}
		_ = c.String(http.StatusUnauthorized, err.Error())
		return "", false
	}
	if m != nil {
		m.SetUser(userID)
	}
	return userID, true
}

// failure writes the response for a data source error: 502 when the
// upstream API failed, 500 otherwise.
func failure(c echo.Context, m *requestMetrics, stage string, err error) error {
	m.SetErrorStage(stage)
	c.Logger().Error(err)
	var upstream UpstreamFailure
	if errors.As(err, &upstream) {
		return c.String(http.StatusBadGateway, "upstream unavailable")
	}
	return c.String(http.StatusInternalServerError, err.Error())
}

func respond(c echo.Context, m *requestMetrics, v any) error {
	encodeStart := time.Now()
	err := c.JSON(http.StatusOK, v)
	m.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func getBoard(board BoardService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/board", "board.view", func(c echo.Context, m *requestMetrics) error {
		if _, ok := authenticated(c, auth, m); !ok {
			return nil
		}
		fetchStart := time.Now()
		b, err := board.Board(c.Request().Context())
		m.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			return failure(c, m, "board", err)
		}
		m.SetItems(b.TaskCount())
		return respond(c, m, b)
	})
}

func postDrop(board BoardService, auth Authenticator, deduper Deduper, dispatcher ChangeDispatcher, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/board/drops", "board.drop", func(c echo.Context, m *requestMetrics) error {
		userID, ok := authenticated(c, auth, m)
		if !ok {
			return nil
		}

		dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
		dec.DisallowUnknownFields()
		var req dropRequest
		if err := dec.Decode(&req); err != nil {
			m.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, dropResponse{Error: "invalid body"})
		}
		ev := req.event()
		if ev.TaskID == "" {
			m.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, dropResponse{Error: domain.ErrInvalidDrop.Error()})
		}
		if _, changed := domain.HandleDrop(ev); !changed {
			return c.NoContent(http.StatusNoContent)
		}

		if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
			m.SetErrorStage("validate")
			return c.JSON(http.StatusBadRequest, dropResponse{Error: "idempotency key too long"})
		}

		ctx := c.Request().Context()
		changeID := uuid.NewString()
		key := req.IdempotencyKey
		if key != "" && deduper != nil {
			owner, added, err := deduper.Add(ctx, userID, key, changeID)
			if err != nil {
				m.SetErrorStage("dedupe")
				c.Logger().Errorf("dedupe add failed: %v", err)
				return c.JSON(http.StatusInternalServerError, dropResponse{Error: "failed to start change"})
			}
			if !added {
				return c.JSON(http.StatusAccepted, dropResponse{ChangeID: owner, Duplicate: true})
			}
		}

		env, started, err := board.Begin(ctx, userID, changeID, nextTimestamp(), ev)
		if err != nil {
			releaseDropKey(deduper, userID, key)
			return failure(c, m, "begin", err)
		}
		if !started {
			releaseDropKey(deduper, userID, key)
			return c.NoContent(http.StatusNoContent)
		}

		if dispatcher != nil {
			if err := dispatcher.Enqueue(ctx, env); err != nil {
				m.SetErrorStage("enqueue")
				c.Logger().Errorf("enqueue change failed: %v", err)
				return abandonChange(c, board, deduper, env, key, err, "failed to enqueue change")
			}
			return c.JSON(http.StatusAccepted, dropResponse{ChangeID: env.ID})
		}

		job := changeJob{env: env, key: key}
		switch err := submitChange(ctx, job); {
		case err == nil:
		case errors.Is(err, errPoolStopped):
			executeInline(board, deduper, job, logger)
		default:
			m.SetErrorStage("handoff")
			logger.WithFields(log.Fields{"change": env.ID, "task": env.Change.TaskID}).WithError(err).Warn("change not accepted by pool")
			return abandonChange(c, board, deduper, env, key, err, "change pool busy")
		}
		return c.JSON(http.StatusAccepted, dropResponse{ChangeID: env.ID})
	})
}

// abandonChange rolls back a begun change that could not be handed off for
// execution and answers 503.
func abandonChange(c echo.Context, board BoardService, deduper Deduper, env domain.ChangeEnvelope, key string, cause error, msg string) error {
	if rerr := board.Rollback(context.WithoutCancel(c.Request().Context()), env, cause); rerr != nil {
		c.Logger().Errorf("rollback change %s: %v", env.ID, rerr)
	}
	releaseDropKey(deduper, env.UserID, key)
	return c.JSON(http.StatusServiceUnavailable, dropResponse{ChangeID: env.ID, Error: msg})
}

// executeInline runs a change on the request goroutine when no worker pool
// is running. The outcome is visible in the journal either way.
func executeInline(board BoardService, deduper Deduper, j changeJob, logger *log.Logger) {
	timeout := changeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(bg, timeout)
	defer cancel()
	if err := board.Execute(ctx, j.env); err != nil {
		releaseDropKey(deduper, j.env.UserID, j.key)
		logger.WithFields(log.Fields{"change": j.env.ID, "task": j.env.Change.TaskID}).WithError(err).Error("inline change failed")
	}
}

func releaseDropKey(deduper Deduper, userID, key string) {
	if deduper == nil || key == "" {
		return
	}
	if err := deduper.Remove(bg, userID, key); err != nil {
		log.WithFields(log.Fields{"user": userID, "key": key}).WithError(err).Error("dedupe rollback failed")
	}
}

func getChange(board BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := authenticated(c, auth, nil)
		if !ok {
			return nil
		}
		rec, err := board.Change(c.Request().Context(), userID, c.Param("id"))
		if errors.Is(err, domain.ErrChangeNotFound) {
			return c.String(http.StatusNotFound, err.Error())
		}
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, rec)
	}
}

func getNewTaskRoute(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := authenticated(c, auth, nil); !ok {
			return nil
		}
		return c.JSON(http.StatusOK, newTaskResponse{Location: domain.NewTaskRoute(c.Param("stageId"))})
	}
}

var lastTimestamp atomic.Int64

// nextTimestamp returns a strictly increasing nanosecond timestamp so
// changes started within the same clock tick stay ordered.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := lastTimestamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastTimestamp.CompareAndSwap(last, now) {
			return now
		}
	}
}
