package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"

	"crm-board/domain"
)

type graphRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphServer struct {
	t    *testing.T
	srv  *httptest.Server
	mu   sync.Mutex
	reqs []graphRequest
	auth []string
}

func newGraphServer(t *testing.T, respond func(req graphRequest) string) *graphServer {
	t.Helper()
	gs := &graphServer{t: t}
	gs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req graphRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gs.mu.Lock()
		gs.reqs = append(gs.reqs, req)
		gs.auth = append(gs.auth, r.Header.Get("Authorization"))
		gs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respond(req))
	}))
	t.Cleanup(gs.srv.Close)
	return gs
}

func (gs *graphServer) last() graphRequest {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if len(gs.reqs) == 0 {
		gs.t.Fatalf("no request received")
	}
	return gs.reqs[len(gs.reqs)-1]
}

func TestGraphQLListStages(t *testing.T) {
	gs := newGraphServer(t, func(graphRequest) string {
		return `{"data":{"taskStages":{"nodes":[
			{"id":"1","title":"TODO","createdAt":"2024-01-01T00:00:00Z"},
			{"id":2,"title":"DONE","createdAt":"2024-01-02T00:00:00Z"}]}}}`
	})
	client := NewGraphQL(gs.srv.URL, "secret")

	stages, err := client.ListStages(context.Background(), []string{"TODO", "DONE"})
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	if len(stages) != 2 || stages[0].Title != "TODO" || stages[1].ID != "2" {
		t.Fatalf("unexpected stages: %#v", stages)
	}

	req := gs.last()
	if !strings.Contains(req.Query, "taskStages") {
		t.Fatalf("unexpected query: %s", req.Query)
	}
	filter, _ := req.Variables["filter"].(map[string]any)
	title, _ := filter["title"].(map[string]any)
	if in, _ := title["in"].([]any); len(in) != 2 || in[0] != "TODO" {
		t.Fatalf("unexpected title filter: %#v", req.Variables["filter"])
	}
	sorting, _ := req.Variables["sorting"].([]any)
	if len(sorting) != 1 || sorting[0].(map[string]any)["field"] != "createdAt" || sorting[0].(map[string]any)["direction"] != "ASC" {
		t.Fatalf("unexpected sorting: %#v", req.Variables["sorting"])
	}
	if gs.auth[0] != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", gs.auth[0])
	}
}

func TestGraphQLListTasks(t *testing.T) {
	gs := newGraphServer(t, func(graphRequest) string {
		return `{"data":{"tasks":{"nodes":[
			{"id":"1","title":"a","stageId":"7","dueDate":"2024-03-01T10:00:00Z","users":[{"id":"u","name":"Ann"}]},
			{"id":"2","title":"b","stageId":null,"dueDate":null}]}}}`
	})
	client := NewGraphQL(gs.srv.URL, "")

	tasks, err := client.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if tasks[0].StageID == nil || *tasks[0].StageID != "7" || tasks[0].DueDate == nil || len(tasks[0].Users) != 1 {
		t.Fatalf("unexpected first task: %#v", tasks[0])
	}
	if !tasks[1].Unassigned() || tasks[1].DueDate != nil {
		t.Fatalf("unexpected second task: %#v", tasks[1])
	}
	if _, paged := gs.last().Variables["paging"]; paged {
		t.Fatalf("tasks must be requested without paging")
	}
	if gs.auth[0] != "" {
		t.Fatalf("expected no auth header, got %q", gs.auth[0])
	}
}

func TestGraphQLUpdateTaskStageSendsNull(t *testing.T) {
	gs := newGraphServer(t, func(graphRequest) string {
		return `{"data":{"updateOneTask":{"id":"t1"}}}`
	})
	client := NewGraphQL(gs.srv.URL, "")

	if err := client.UpdateTaskStage(context.Background(), "t1", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	input, _ := gs.last().Variables["input"].(map[string]any)
	update, _ := input["update"].(map[string]any)
	if input["id"] != "t1" {
		t.Fatalf("unexpected id: %#v", input)
	}
	if v, ok := update["stageId"]; !ok || v != nil {
		t.Fatalf("expected explicit null stageId, got %#v", update)
	}

	if err := client.UpdateTaskStage(context.Background(), "t1", domain.NewStageRef("s2")); err != nil {
		t.Fatalf("update: %v", err)
	}
	input, _ = gs.last().Variables["input"].(map[string]any)
	if input["update"].(map[string]any)["stageId"] != "s2" {
		t.Fatalf("unexpected update: %#v", input)
	}
}

func TestGraphQLErrorsAreUpstreamErrors(t *testing.T) {
	gs := newGraphServer(t, func(graphRequest) string {
		return `{"data":null,"errors":[{"message":"Task not found"}]}`
	})
	client := NewGraphQL(gs.srv.URL, "")

	err := client.UpdateTaskStage(context.Background(), "missing", domain.NewStageRef("s1"))
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if upstream.Op != "updateOneTask" || !strings.Contains(err.Error(), "Task not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphQLDashboardQueries(t *testing.T) {
	gs := newGraphServer(t, func(req graphRequest) string {
		switch {
		case strings.Contains(req.Query, "DashboardTotalCounts"):
			return `{"data":{"companies":{"totalCount":3},"contacts":{"totalCount":5},"deals":{"totalCount":8}}}`
		case strings.Contains(req.Query, "LatestActivitiesAudits"):
			return `{"data":{"audits":{"nodes":[{"id":"a1","action":"CREATE","targetEntity":"Deal","targetId":12,"createdAt":"2024-01-01T00:00:00Z","user":{"id":"u1","name":"Ann"}}]}}}`
		case strings.Contains(req.Query, "LatestActivitiesDeals"):
			return `{"data":{"deals":{"nodes":[{"id":"12","title":"Deal","createdAt":"2024-01-01T00:00:00Z","stage":{"id":"s","title":"NEW"},"company":{"id":"c","name":"Acme"}}]}}}`
		default:
			return `{"data":{"dealStages":{"nodes":[{"id":"1","title":"WON","dealsAggregate":[]}]}}}`
		}
	})
	client := NewGraphQL(gs.srv.URL, "")
	ctx := context.Background()

	totals, err := client.TotalCounts(ctx)
	if err != nil || totals != (domain.TotalCounts{Companies: 3, Contacts: 5, Deals: 8}) {
		t.Fatalf("unexpected totals: %#v err=%v", totals, err)
	}

	audits, err := client.LatestAudits(ctx, 5)
	if err != nil || len(audits) != 1 || audits[0].TargetID != "12" {
		t.Fatalf("unexpected audits: %#v err=%v", audits, err)
	}
	if paging, _ := gs.last().Variables["paging"].(map[string]any); paging["limit"] != float64(5) {
		t.Fatalf("unexpected paging: %#v", gs.last().Variables["paging"])
	}

	deals, err := client.DealsByID(ctx, []string{"12"})
	if err != nil || len(deals) != 1 || deals[0].Company.Name != "Acme" {
		t.Fatalf("unexpected deals: %#v err=%v", deals, err)
	}

	stages, err := client.DealStages(ctx, []string{"WON", "LOST"})
	if err != nil || len(stages) != 1 || stages[0].Title != "WON" {
		t.Fatalf("unexpected deal stages: %#v err=%v", stages, err)
	}
}
