package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"todo-api/domain"
)

const (
	tracerName         = "todo-api/api"
	todosEventDomain   = "todo-api"
	todosEventName     = "todos.request"
	observabilityEvent = "observability.event"
	attrPrefix         = "todo."
)

// Collector holds the prometheus series exported on /metrics.
type Collector struct {
	operations   *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	events       *prometheus.CounterVec
}

// NewCollector registers the todo metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_operations_total",
			Help: "Todo API operations by outcome.",
		}, []string{"operation", "outcome"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todo_store_latency_seconds",
			Help:    "Time spent in the todo service per operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todo_events_published_total",
			Help: "Change events handed to the event queue by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.operations, c.storeLatency, c.events)
	return c
}

// RecordOperation counts a finished request.
func (c *Collector) RecordOperation(operation string, status int) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(operation, outcomeForStatus(status)).Inc()
}

// ObserveStore records how long the service call of an operation took.
func (c *Collector) ObserveStore(operation string, d time.Duration) {
	if c == nil || d <= 0 {
		return
	}
	c.storeLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordEvent counts a publish attempt.
func (c *Collector) RecordEvent(outcome string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(outcome).Inc()
}

func outcomeForStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusBadRequest:
		return "invalid_input"
	case status == http.StatusUnauthorized:
		return "unauthenticated"
	case status == http.StatusForbidden:
		return "forbidden"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return strconv.Itoa(status)
	}
}

// requestMetrics follows one API request through auth and storage and emits
// a single span plus an observability log entry when it finishes.
type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	operation     string
	route         string
	requestID     string
	start         time.Time
	authDuration  time.Duration
	storeDuration time.Duration
	todosReturned int
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, operation, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "todos."+operation,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger:        logger,
		span:          span,
		operation:     operation,
		route:         route,
		start:         time.Now(),
		todosReturned: -1,
	}, ctx
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) ObserveStore(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.storeDuration = duration
}

func (m *requestMetrics) SetTodosReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.todosReturned = count
}

func (m *requestMetrics) SetRequestID(id string) {
	m.requestID = id
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) attributes(status int, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.String(attrPrefix+"operation", m.operation),
		attribute.Float64(attrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.requestID != "" {
		attrs = append(attrs, attribute.String("http.request_id", m.requestID))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"store_ms", durationToMillis(m.storeDuration)))
	}
	if m.todosReturned >= 0 {
		attrs = append(attrs, attribute.Int(attrPrefix+"todos_returned", m.todosReturned))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	return attrs
}

// Log ends the span and writes the request summary.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status, err)
	severityText, severityNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", todosEventName),
		attribute.String("event.domain", todosEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	switch {
	case status >= http.StatusInternalServerError || (status == 0 && err != nil):
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
			m.span.RecordError(err)
		}
		m.span.SetStatus(codes.Error, desc)
	case status < http.StatusBadRequest:
		m.span.SetStatus(codes.Ok, "")
	}
	spanCtx := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      todosEventName,
		"event.domain":    todosEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrMap,
	}
	if spanCtx.HasTraceID() {
		fields["trace_id"] = spanCtx.TraceID().String()
	}
	if spanCtx.HasSpanID() {
		fields["span_id"] = spanCtx.SpanID().String()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), observabilityEvent)
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status == 0 && err != nil:
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

// errorStage names the layer an error came from for the request log.
func errorStage(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "auth"
	case errors.Is(err, domain.ErrInvalidInput):
		return "validate"
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrNotFound):
		return "authorize"
	default:
		return "storage"
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
