package domain

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DashboardSource is the data source behind the dashboard widgets.
type DashboardSource interface {
	TotalCounts(ctx context.Context) (TotalCounts, error)
	DealStages(ctx context.Context, titles []string) ([]DealStage, error)
	LatestAudits(ctx context.Context, limit int) ([]Audit, error)
	DealsByID(ctx context.Context, ids []string) ([]Deal, error)
}

// Dashboard is the whole home page in one payload.
type Dashboard struct {
	Totals     TotalCounts  `json:"totals"`
	DealsChart []ChartPoint `json:"dealsChart"`
	Activities []Activity   `json:"activities"`
}

// DashboardService shapes data source responses into dashboard widgets.
type DashboardService struct {
	src DashboardSource
}

func NewDashboardService(src DashboardSource) DashboardService {
	return DashboardService{src: src}
}

func (s DashboardService) Totals(ctx context.Context) (TotalCounts, error) {
	totals, err := s.src.TotalCounts(ctx)
	if err != nil {
		return TotalCounts{}, fmt.Errorf("total counts: %w", err)
	}
	return totals, nil
}

func (s DashboardService) DealsChart(ctx context.Context, dealStages []string) ([]ChartPoint, error) {
	stages, err := s.src.DealStages(ctx, dealStages)
	if err != nil {
		return nil, fmt.Errorf("deal stages: %w", err)
	}
	return DealsChartSeries(stages), nil
}

// Activities returns the latest deal activities. Deals are only looked up
// when the audits reference any.
func (s DashboardService) Activities(ctx context.Context, limit int) ([]Activity, error) {
	audits, err := s.src.LatestAudits(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("audits: %w", err)
	}
	var deals []Deal
	if ids := AuditTargetIDs(audits); len(ids) > 0 {
		if deals, err = s.src.DealsByID(ctx, ids); err != nil {
			return nil, fmt.Errorf("deals: %w", err)
		}
	}
	return BuildActivities(audits, deals), nil
}

// Overview loads all widgets concurrently. The first failure cancels the
// others.
func (s DashboardService) Overview(ctx context.Context, dealStages []string, activityLimit int) (Dashboard, error) {
	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.Totals, err = s.Totals(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.DealsChart, err = s.DealsChart(gctx, dealStages)
		return err
	})
	g.Go(func() (err error) {
		d.Activities, err = s.Activities(gctx, activityLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}
