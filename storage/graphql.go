package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/machinebox/graphql"
	log "github.com/sirupsen/logrus"

	"crm-board/domain"
)

const (
	taskStagesQuery = `query TaskStages($filter: TaskStageFilter!, $sorting: [TaskStageSort!]) {
  taskStages(filter: $filter, sorting: $sorting) {
    nodes { id title createdAt }
  }
}`

	tasksQuery = `query Tasks($filter: TaskFilter!, $sorting: [TaskSort!]) {
  tasks(filter: $filter, sorting: $sorting) {
    nodes {
      id title description dueDate completed stageId
      users { id name avatarUrl }
    }
  }
}`

	updateTaskStageMutation = `mutation UpdateTaskStage($input: UpdateOneTaskInput!) {
  updateOneTask(input: $input) { id }
}`

	totalCountsQuery = `query DashboardTotalCounts {
  companies { totalCount }
  contacts { totalCount }
  deals { totalCount }
}`

	dealsChartQuery = `query DashboardDealsChart($filter: DealStageFilter!, $sorting: [DealStageSort!]) {
  dealStages(filter: $filter, sorting: $sorting) {
    nodes {
      id title
      dealsAggregate {
        groupBy { closeDateMonth closeDateYear }
        sum { value }
      }
    }
  }
}`

	latestAuditsQuery = `query LatestActivitiesAudits($filter: AuditFilter!, $sorting: [AuditSort!], $paging: OffsetPaging) {
  audits(filter: $filter, sorting: $sorting, paging: $paging) {
    nodes {
      id action targetEntity targetId createdAt
      user { id name avatarUrl }
    }
  }
}`

	dealsByIDQuery = `query LatestActivitiesDeals($filter: DealFilter!) {
  deals(filter: $filter) {
    nodes {
      id title createdAt
      stage { id title }
      company { id name avatarUrl }
    }
  }
}`
)

// UpstreamError is returned when the GraphQL API fails a request.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("graphql %s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }

// UpstreamFailure marks the error as caused by the remote API.
func (e *UpstreamError) UpstreamFailure() {}

type graphRunner interface {
	Run(ctx context.Context, req *graphql.Request, resp interface{}) error
}

// GraphQL reads and updates CRM records through the remote GraphQL API.
type GraphQL struct {
	client graphRunner
	token  string
}

// NewGraphQL creates a client for endpoint. token, when set, is sent as a
// bearer token on every request.
func NewGraphQL(endpoint, token string) *GraphQL {
	client := graphql.NewClient(endpoint, graphql.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
	client.Log = func(s string) { log.Trace(s) }
	return &GraphQL{client: client, token: token}
}

type nodes[T any] struct {
	Nodes []T `json:"nodes"`
}

type sortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

func (g *GraphQL) run(ctx context.Context, op, query string, vars map[string]any, resp any) error {
	req := graphql.NewRequest(query)
	for k, v := range vars {
		req.Var(k, v)
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if err := g.client.Run(ctx, req, resp); err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	return nil
}

// ListStages returns the task stages whose title is in titles, oldest first.
func (g *GraphQL) ListStages(ctx context.Context, titles []string) ([]domain.Stage, error) {
	var resp struct {
		TaskStages nodes[domain.Stage] `json:"taskStages"`
	}
	vars := map[string]any{
		"filter":  map[string]any{"title": map[string]any{"in": titles}},
		"sorting": []sortField{{Field: "createdAt", Direction: "ASC"}},
	}
	if err := g.run(ctx, "taskStages", taskStagesQuery, vars, &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.TaskStages.Nodes), nil
}

// ListTasks returns every task, earliest due date first.
func (g *GraphQL) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var resp struct {
		Tasks nodes[domain.Task] `json:"tasks"`
	}
	vars := map[string]any{
		"filter":  map[string]any{},
		"sorting": []sortField{{Field: "dueDate", Direction: "ASC"}},
	}
	if err := g.run(ctx, "tasks", tasksQuery, vars, &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.Tasks.Nodes), nil
}

// UpdateTaskStage sets the stage of a task. A nil stage unassigns it.
func (g *GraphQL) UpdateTaskStage(ctx context.Context, taskID string, stageID *domain.StageRef) error {
	var stage any
	if stageID != nil {
		stage = string(*stageID)
	}
	vars := map[string]any{
		"input": map[string]any{
			"id":     taskID,
			"update": map[string]any{"stageId": stage},
		},
	}
	var resp struct {
		UpdateOneTask struct {
			ID domain.ID `json:"id"`
		} `json:"updateOneTask"`
	}
	return g.run(ctx, "updateOneTask", updateTaskStageMutation, vars, &resp)
}

// TotalCounts returns the number of companies, contacts and deals.
func (g *GraphQL) TotalCounts(ctx context.Context) (domain.TotalCounts, error) {
	type count struct {
		TotalCount int `json:"totalCount"`
	}
	var resp struct {
		Companies count `json:"companies"`
		Contacts  count `json:"contacts"`
		Deals     count `json:"deals"`
	}
	if err := g.run(ctx, "totalCounts", totalCountsQuery, nil, &resp); err != nil {
		return domain.TotalCounts{}, err
	}
	return domain.TotalCounts{
		Companies: resp.Companies.TotalCount,
		Contacts:  resp.Contacts.TotalCount,
		Deals:     resp.Deals.TotalCount,
	}, nil
}

// DealStages returns the deal stages named in titles with their monthly sums.
func (g *GraphQL) DealStages(ctx context.Context, titles []string) ([]domain.DealStage, error) {
	var resp struct {
		DealStages nodes[domain.DealStage] `json:"dealStages"`
	}
	vars := map[string]any{
		"filter":  map[string]any{"title": map[string]any{"in": titles}},
		"sorting": []sortField{{Field: "title", Direction: "ASC"}},
	}
	if err := g.run(ctx, "dealStages", dealsChartQuery, vars, &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.DealStages.Nodes), nil
}

// LatestAudits returns the newest deal create and update audits.
func (g *GraphQL) LatestAudits(ctx context.Context, limit int) ([]domain.Audit, error) {
	var resp struct {
		Audits nodes[domain.Audit] `json:"audits"`
	}
	vars := map[string]any{
		"filter": map[string]any{
			"action":       map[string]any{"in": []string{domain.AuditCreate, domain.AuditUpdate}},
			"targetEntity": map[string]any{"eq": "Deal"},
		},
		"sorting": []sortField{{Field: "createdAt", Direction: "DESC"}},
		"paging":  map[string]any{"limit": limit},
	}
	if err := g.run(ctx, "audits", latestAuditsQuery, vars, &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.Audits.Nodes), nil
}

// DealsByID returns the deals with the given ids.
func (g *GraphQL) DealsByID(ctx context.Context, ids []string) ([]domain.Deal, error) {
	var resp struct {
		Deals nodes[domain.Deal] `json:"deals"`
	}
	vars := map[string]any{
		"filter": map[string]any{"id": map[string]any{"in": ids}},
	}
	if err := g.run(ctx, "deals", dealsByIDQuery, vars, &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.Deals.Nodes), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
