package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestEventDomain = "crm.board"
	requestSpanName    = "crm.http.request"
	tracerName         = "crm-board/api"
	observabilityEvent = "observability.event"
)

// requestMetrics times one request and reports it as a single
// observability event, logged and attached to the request span.
type requestMetrics struct {
	logger         *log.Logger
	route          string
	event          string
	start          time.Time
	span           trace.Span
	userID         string
	fetchDuration  time.Duration
	encodeDuration time.Duration
	items          int
	itemsSet       bool
	errorStage     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, event string) (*requestMetrics, context.Context) {
	m := &requestMetrics{
		logger: logger,
		route:  route,
		event:  event,
		start:  time.Now(),
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	m.span = span
	return m, spanCtx
}

func (m *requestMetrics) SetUser(userID string) {
	m.userID = userID
}

func (m *requestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

// SetItems records how many tasks, points or activities were returned.
func (m *requestMetrics) SetItems(count int) {
	if count < 0 {
		count = 0
	}
	m.items = count
	m.itemsSet = true
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) attributes(status int, err error) map[string]any {
	attrs := map[string]any{
		"http.route":           m.route,
		"http.status_code":     status,
		"crm.request.total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.fetchDuration > 0 {
		attrs["crm.request.fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		attrs["crm.request.encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.itemsSet {
		attrs["crm.request.items"] = m.items
	}
	if m.userID != "" {
		attrs["enduser.id"] = m.userID
	}
	if m.errorStage != "" {
		attrs["crm.request.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}
	return attrs
}

// Log ends the request span and emits the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status, err)
	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		kvs := toKeyValues(attrs)
		m.span.SetAttributes(kvs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", m.event),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
			attribute.Int("severity_number", severityNumber),
		}, kvs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      m.event,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), observabilityEvent)
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(number int) log.Level {
	switch {
	case number >= 17:
		return log.ErrorLevel
	case number >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
