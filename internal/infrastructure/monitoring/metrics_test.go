package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOperation("suspend", "ok", time.Second)
	m.RecordOperation("suspend", "checkpoint_failure", time.Second)
	m.RecordOperation("create", "ok", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("suspend", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("suspend", "checkpoint_failure")))

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.Operations["suspend"])
	assert.Equal(t, 1, snap.OperationFailures["suspend"])
	assert.Zero(t, snap.OperationFailures["create"])
}

func TestSnapshotIsCopy(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordOperation("create", "ok", 0)

	snap := m.Snapshot()
	snap.Operations["create"] = 99
	assert.Equal(t, 1, m.Snapshot().Operations["create"])
}

func TestSessionsAndReclaim(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetSessions(map[string]int{"active": 3, "suspended": 1})
	m.RecordReclaim("idle", "destroy", "ok")
	m.RecordReclaim("idle", "destroy", "error")
	m.RecordSweep(4096)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Sessions.WithLabelValues("active")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.SuspendedStorage))
	assert.Equal(t, int64(1), m.Snapshot().ReclaimedSessions)
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/sessions/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/sess_1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/sessions/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, int64(1), m.Snapshot().TotalErrors)
}

func TestTimer(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	d := NewTimer(m, "destroy").Stop("ok")
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("destroy", "ok")))

	assert.NotPanics(t, func() { NewTimer(nil, "destroy").Stop("ok") })
}
