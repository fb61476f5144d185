package api

import (
	"context"

	"crm-board/config"
	"crm-board/domain"
)

// BoardService builds the board and runs optimistic stage changes.
type BoardService interface {
	Board(ctx context.Context) (domain.Board, error)
	Begin(ctx context.Context, userID, changeID string, ts int64, ev domain.DropEvent) (domain.ChangeEnvelope, bool, error)
	Execute(ctx context.Context, env domain.ChangeEnvelope) error
	Rollback(ctx context.Context, env domain.ChangeEnvelope, cause error) error
	Change(ctx context.Context, userID, changeID string) (domain.ChangeRecord, error)
}

// DashboardService serves the dashboard widgets.
type DashboardService interface {
	Totals(ctx context.Context) (domain.TotalCounts, error)
	DealsChart(ctx context.Context, dealStages []string) ([]domain.ChartPoint, error)
	Activities(ctx context.Context, limit int) ([]domain.Activity, error)
	Overview(ctx context.Context, dealStages []string, activityLimit int) (domain.Dashboard, error)
}

// ChangeDispatcher hands a begun change to an out-of-process executor.
type ChangeDispatcher interface {
	Enqueue(ctx context.Context, env domain.ChangeEnvelope) error
}

// LayoutSource returns the current board layout.
type LayoutSource interface {
	Layout() config.Layout
}

// UpstreamFailure is implemented by errors returned when the data source
// could not be reached or rejected the request.
type UpstreamFailure interface {
	error
	UpstreamFailure()
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate drops.
type Deduper interface {
	// Add binds key to changeID unless the key is already bound. It returns
	// the change id owning the key and whether it was newly added.
	Add(ctx context.Context, userID, key, changeID string) (string, bool, error)
	// Remove deletes a previously added key, used when the change could not be started.
	Remove(ctx context.Context, userID, key string) error
}

// Services groups the dependencies of the HTTP handlers. Dispatcher and
// Deduper are optional: without a dispatcher changes run on the in-process
// worker pool.
type Services struct {
	Board      BoardService
	Dashboard  DashboardService
	Layout     LayoutSource
	Auth       Authenticator
	Deduper    Deduper
	Dispatcher ChangeDispatcher
	Broker     *Broker
	Pool       PoolConfig
}
