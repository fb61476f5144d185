package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const maxActivityLimit = 50

func getTotals(dash DashboardService, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/dashboard/totals", "dashboard.totals", func(c echo.Context, m *requestMetrics) error {
		if _, ok := authenticated(c, auth, m); !ok {
			return nil
		}
		fetchStart := time.Now()
		totals, err := dash.Totals(c.Request().Context())
		m.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			return failure(c, m, "totals", err)
		}
		return respond(c, m, totals)
	})
}

func getDealsChart(dash DashboardService, layout LayoutSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/dashboard/deals-chart", "dashboard.deals_chart", func(c echo.Context, m *requestMetrics) error {
		if _, ok := authenticated(c, auth, m); !ok {
			return nil
		}
		fetchStart := time.Now()
		points, err := dash.DealsChart(c.Request().Context(), layout.Layout().DealStages)
		m.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			return failure(c, m, "deals_chart", err)
		}
		m.SetItems(len(points))
		return respond(c, m, dealsChartResponse{Points: points})
	})
}

func getActivities(dash DashboardService, layout LayoutSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/dashboard/activities", "dashboard.activities", func(c echo.Context, m *requestMetrics) error {
		if _, ok := authenticated(c, auth, m); !ok {
			return nil
		}
		limit, ok := activityLimit(c, layout)
		if !ok {
			m.SetErrorStage("invalid_limit")
			return c.String(http.StatusBadRequest, "invalid limit")
		}
		fetchStart := time.Now()
		activities, err := dash.Activities(c.Request().Context(), limit)
		m.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			return failure(c, m, "activities", err)
		}
		m.SetItems(len(activities))
		return respond(c, m, activitiesResponse{Activities: activities})
	})
}

func getDashboard(dash DashboardService, layout LayoutSource, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrumented(logger, "/api/dashboard", "dashboard.overview", func(c echo.Context, m *requestMetrics) error {
		if _, ok := authenticated(c, auth, m); !ok {
			return nil
		}
		limit, ok := activityLimit(c, layout)
		if !ok {
			m.SetErrorStage("invalid_limit")
			return c.String(http.StatusBadRequest, "invalid limit")
		}
		fetchStart := time.Now()
		d, err := dash.Overview(c.Request().Context(), layout.Layout().DealStages, limit)
		m.ObserveFetch(time.Since(fetchStart))
		if err != nil {
			return failure(c, m, "overview", err)
		}
		return respond(c, m, d)
	})
}

// activityLimit reads the optional limit query parameter, falling back to
// the layout default.
func activityLimit(c echo.Context, layout LayoutSource) (int, bool) {
	raw := strings.TrimSpace(c.QueryParam("limit"))
	if raw == "" {
		return layout.Layout().ActivityLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxActivityLimit {
		return 0, false
	}
	return n, true
}
