package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"crm-board/domain"
)

// recorded is what one instrumented request left behind.
type recorded struct {
	entry *log.Entry
	span  tracetest.SpanStub
}

// record installs an in-memory tracer, runs fn with a null logger and
// returns the last log entry and the single span it produced.
func record(t *testing.T, fn func(logger *log.Logger)) recorded {
	t.Helper()

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	logger, hook := test.NewNullLogger()
	fn(logger)

	got := spans.GetSpans()
	if len(got) != 1 {
		t.Fatalf("want one span, got %d", len(got))
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("no log entry written")
	}
	return recorded{entry: entry, span: got[0]}
}

func (r recorded) attrs(t *testing.T) map[string]any {
	t.Helper()
	attrs, ok := r.entry.Data["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes field has type %T", r.entry.Data["attributes"])
	}
	return attrs
}

func (r recorded) spanEvent(t *testing.T) map[string]any {
	t.Helper()
	for _, ev := range r.span.Events {
		if ev.Name == observabilityEvent {
			return kvMap(ev.Attributes)
		}
	}
	t.Fatalf("span has no %s event: %+v", observabilityEvent, r.span.Events)
	return nil
}

func kvMap(kvs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestBoardRequestEvent(t *testing.T) {
	r := record(t, func(logger *log.Logger) {
		m, _ := newRequestMetrics(context.Background(), logger, "/api/board", "board.view")
		m.start = time.Now().Add(-40 * time.Millisecond)
		m.SetUser("u-7")
		m.ObserveFetch(12 * time.Millisecond)
		m.ObserveEncode(2 * time.Millisecond)
		m.SetItems(4)
		m.Log(http.StatusOK, nil)
	})

	if r.entry.Message != observabilityEvent || r.entry.Level != log.InfoLevel {
		t.Fatalf("got %q at %v", r.entry.Message, r.entry.Level)
	}
	header := map[string]any{
		"event.name":      r.entry.Data["event.name"],
		"event.domain":    r.entry.Data["event.domain"],
		"severity_text":   r.entry.Data["severity_text"],
		"severity_number": r.entry.Data["severity_number"],
	}
	wantHeader := map[string]any{
		"event.name":      "board.view",
		"event.domain":    requestEventDomain,
		"severity_text":   "INFO",
		"severity_number": 9,
	}
	if diff := cmp.Diff(wantHeader, header); diff != "" {
		t.Fatalf("event header (-want +got):\n%s", diff)
	}
	if id, _ := r.entry.Data["trace_id"].(string); id == "" {
		t.Fatal("trace_id missing from log entry")
	}

	attrs := r.attrs(t)
	if attrs["http.route"] != "/api/board" || attrs["enduser.id"] != "u-7" || attrs["crm.request.items"] != 4 {
		t.Fatalf("request attributes: %#v", attrs)
	}
	if ms, _ := attrs["crm.request.total_ms"].(float64); ms < 40 {
		t.Fatalf("total_ms = %v, want >= 40", attrs["crm.request.total_ms"])
	}
	if ms, _ := attrs["crm.request.fetch_ms"].(float64); ms != 12 {
		t.Fatalf("fetch_ms = %v, want 12", attrs["crm.request.fetch_ms"])
	}

	if r.span.Name != requestSpanName || r.span.Status.Code != codes.Ok {
		t.Fatalf("span %q status %v", r.span.Name, r.span.Status.Code)
	}
	if got := kvMap(r.span.Attributes)["http.status_code"]; got != int64(http.StatusOK) {
		t.Fatalf("span http.status_code = %#v", got)
	}
	ev := r.spanEvent(t)
	if ev["event.name"] != "board.view" || ev["severity_number"] != int64(9) {
		t.Fatalf("span event attributes: %#v", ev)
	}
}

func TestFailedRequestMarksSpan(t *testing.T) {
	cause := errors.New("graphql unavailable")
	r := record(t, func(logger *log.Logger) {
		m, _ := newRequestMetrics(context.Background(), logger, "/api/dashboard", "dashboard.overview")
		m.SetErrorStage("fetch")
		m.Log(http.StatusBadGateway, cause)
	})

	if r.entry.Level != log.ErrorLevel {
		t.Fatalf("level = %v, want error", r.entry.Level)
	}
	if r.span.Status.Code != codes.Error || r.span.Status.Description != cause.Error() {
		t.Fatalf("span status: %+v", r.span.Status)
	}
	ev := r.spanEvent(t)
	want := map[string]any{
		"severity_text":           "ERROR",
		"crm.request.error_stage": "fetch",
		"error.message":           cause.Error(),
	}
	for k, v := range want {
		if ev[k] != v {
			t.Fatalf("span event %s = %#v, want %#v", k, ev[k], v)
		}
	}
}

func TestUnauthorizedBoardRequestLogsWarning(t *testing.T) {
	r := record(t, func(logger *log.Logger) {
		board := &stubBoard{boardFn: func(context.Context) (domain.Board, error) {
			return domain.BuildBoard(nil, nil), nil
		}}
		c := echo.New().NewContext(newRequest(http.MethodGet, "/api/board", ""), httptest.NewRecorder())
		if err := getBoard(board, denyAuth{}, logger)(c); err != nil {
			t.Fatalf("getBoard: %v", err)
		}
	})

	if r.entry.Level != log.WarnLevel || r.entry.Data["severity_text"] != "WARN" {
		t.Fatalf("got %v / %v", r.entry.Level, r.entry.Data["severity_text"])
	}
	attrs := r.attrs(t)
	if attrs["http.status_code"] != http.StatusUnauthorized || attrs["crm.request.error_stage"] != "auth" {
		t.Fatalf("attributes: %#v", attrs)
	}
}

func TestSeverityMapping(t *testing.T) {
	type sev struct {
		Text   string
		Number int
		Level  log.Level
	}
	cases := map[string]struct {
		status int
		err    error
		want   sev
	}{
		"200":           {status: http.StatusOK, want: sev{"INFO", 9, log.InfoLevel}},
		"202":           {status: http.StatusAccepted, want: sev{"INFO", 9, log.InfoLevel}},
		"204":           {status: http.StatusNoContent, want: sev{"INFO", 9, log.InfoLevel}},
		"404":           {status: http.StatusNotFound, want: sev{"WARN", 13, log.WarnLevel}},
		"503":           {status: http.StatusServiceUnavailable, want: sev{"ERROR", 17, log.ErrorLevel}},
		"error no code": {err: errors.New("x"), want: sev{"ERROR", 17, log.ErrorLevel}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			text, number := severityForStatus(tc.status, tc.err)
			got := sev{text, number, levelForSeverity(number)}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("severity (-want +got):\n%s", diff)
			}
		})
	}
}
