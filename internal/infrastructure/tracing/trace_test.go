package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedTracer(t *testing.T) (*Tracer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	tracer := New("deskd", zap.New(core))
	t.Cleanup(tracer.Close)
	return tracer, logs
}

func TestStartSpanJoinsTrace(t *testing.T) {
	tracer, _ := newObservedTracer(t)

	root, ctx := tracer.StartSpan(context.Background(), "suspend")
	child, childCtx := tracer.StartSpan(ctx, "display_suspend")

	assert.True(t, strings.HasPrefix(string(root.TraceID), "trace_"))
	assert.Empty(t, root.ParentID)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.NotEqual(t, root.SpanID, child.SpanID)
	assert.Equal(t, child.SpanID, SpanIDFrom(childCtx))
}

func TestInjectExtractRoundTrip(t *testing.T) {
	tracer, _ := newObservedTracer(t)
	span, ctx := tracer.StartSpan(context.Background(), "create")

	headers := http.Header{}
	Inject(ctx, headers.Set)
	assert.Equal(t, string(span.TraceID), headers.Get(HeaderTraceID))

	got := Extract(context.Background(), headers.Get)
	assert.Equal(t, span.TraceID, TraceIDFrom(got))
	assert.Equal(t, span.SpanID, SpanIDFrom(got))

	empty := http.Header{}
	Inject(context.Background(), empty.Set)
	assert.Empty(t, empty)
}

func TestCloseFlushesSubmittedSpans(t *testing.T) {
	tracer, logs := newObservedTracer(t)

	span, _ := tracer.StartSpan(context.Background(), "destroy")
	span.Finish()
	tracer.Submit(span)
	tracer.Close()

	require.Equal(t, 1, logs.FilterMessage("Span completed").Len())

	// Submitting after Close is dropped, not a panic.
	tracer.Submit(span)
	assert.Equal(t, int64(1), tracer.Dropped())
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer, logs := newObservedTracer(t)

	var seen TraceID
	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	router.POST("/sessions/:id/suspend", func(c *gin.Context) {
		seen = TraceIDFrom(c.Request.Context())
		_ = c.Error(errors.New("checkpoint failed"))
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/alice/suspend", nil)
	req.Header.Set(HeaderTraceID, "trace_upstream")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	tracer.Close()

	assert.Equal(t, TraceID("trace_upstream"), seen)
	assert.Equal(t, "trace_upstream", w.Header().Get(HeaderTraceID))
	assert.NotEmpty(t, w.Header().Get(HeaderSpanID))

	failed := logs.FilterMessage("Span failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, "POST /sessions/:id/suspend", fields["operation"])
	assert.Equal(t, "alice", fields["session_id"])
	assert.Equal(t, "500", fields["http.status"])
}
