package tracing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/shared/id"
)

// Propagation headers.
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

const spanBuffer = 1000

// TraceID represents a unique trace identifier
type TraceID string

// SpanID represents a unique span identifier
type SpanID string

// Span represents a single operation in a trace
type Span struct {
	TraceID    TraceID
	SpanID     SpanID
	ParentID   SpanID
	Name       string
	StartTime  time.Time
	Duration   time.Duration
	Tags       map[string]string
	Error      error
	StatusCode int
}

// Tracer collects finished spans and logs them.
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span
	dropped atomic.Int64

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a tracer and starts its collector. Call Close to stop it.
func New(service string, logger *zap.Logger) *Tracer {
	t := &Tracer{
		service: service,
		logger:  logger.Named("trace"),
		spans:   make(chan *Span, spanBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.collect()
	return t
}

// Close stops the collector after logging the spans already submitted.
func (t *Tracer) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		<-t.stopped
	})
}

// StartSpan creates a span. It joins the trace carried by ctx, or starts a
// new one.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := TraceIDFrom(ctx)
	if traceID == "" {
		traceID = TraceID(id.Default().GenerateWithPrefix("trace"))
	}

	span := &Span{
		TraceID:   traceID,
		SpanID:    SpanID(id.Default().GenerateWithPrefix("span")),
		ParentID:  SpanIDFrom(ctx),
		Name:      name,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}

	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// Finish marks the span as complete
func (s *Span) Finish() {
	s.Duration = time.Since(s.StartTime)
}

// SetTag adds a tag to the span
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error in the span
func (s *Span) SetError(err error) {
	s.Error = err
}

// SetStatus sets the HTTP status code
func (s *Span) SetStatus(code int) {
	s.StatusCode = code
}

// Submit hands a finished span to the collector. It never blocks.
func (t *Tracer) Submit(span *Span) {
	select {
	case <-t.done:
		t.dropped.Add(1)
		return
	default:
	}
	select {
	case t.spans <- span:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns how many spans were not logged.
func (t *Tracer) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Tracer) collect() {
	defer close(t.stopped)
	for {
		select {
		case span := <-t.spans:
			t.log(span)
		case <-t.done:
			for {
				select {
				case span := <-t.spans:
					t.log(span)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracer) log(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.String("service", t.service),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	if span.StatusCode != 0 {
		fields = append(fields, zap.Int("status", span.StatusCode))
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String(k, v))
	}

	if span.Error != nil {
		fields = append(fields, zap.Error(span.Error))
	}

	if span.StatusCode >= 500 || (span.StatusCode == 0 && span.Error != nil) {
		t.logger.Warn("Span failed", fields...)
		return
	}
	t.logger.Debug("Span completed", fields...)
}

// Inject writes the trace context of ctx as headers through set.
func Inject(ctx context.Context, set func(key, value string)) {
	if traceID := TraceIDFrom(ctx); traceID != "" {
		set(HeaderTraceID, string(traceID))
	}
	if spanID := SpanIDFrom(ctx); spanID != "" {
		set(HeaderSpanID, string(spanID))
	}
}

// Extract returns a context carrying the trace ids found through get.
func Extract(ctx context.Context, get func(key string) string) context.Context {
	if traceID := get(HeaderTraceID); traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, TraceID(traceID))
	}
	if spanID := get(HeaderSpanID); spanID != "" {
		ctx = context.WithValue(ctx, spanIDKey, SpanID(spanID))
	}
	return ctx
}

// Context keys for trace propagation
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDFrom retrieves the trace ID from context
func TraceIDFrom(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	return traceID
}

// SpanIDFrom retrieves the span ID from context
func SpanIDFrom(ctx context.Context) SpanID {
	spanID, _ := ctx.Value(spanIDKey).(SpanID)
	return spanID
}
