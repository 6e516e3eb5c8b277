package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/deskd/internal/domain/session"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

type streamFixture struct {
	server  *httptest.Server
	handler *Handler
	bus     *session.Bus
	metrics *monitoring.Metrics
}

func newStreamFixture(t *testing.T, origins []string) *streamFixture {
	gin.SetMode(gin.TestMode)
	f := &streamFixture{
		bus:     session.NewBus(16),
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
	}
	f.handler = NewHandler(f.bus, f.metrics, origins, zaptest.NewLogger(t))

	router := gin.New()
	router.GET("/events", f.handler.HandleConnection)
	f.server = httptest.NewServer(router)
	t.Cleanup(func() {
		f.handler.Close()
		f.server.Close()
	})
	return f
}

func (f *streamFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := read(t, conn)
	require.Equal(t, "system", welcome.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamsEvents(t *testing.T) {
	f := newStreamFixture(t, nil)
	conn := f.dial(t, "")

	f.bus.Publish(session.Event{SessionID: "alice", From: types.StatusActive, To: types.StatusSuspended, Reason: "user"})

	msg := read(t, conn)
	assert.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "alice", msg.Event.SessionID)
	assert.Equal(t, types.StatusSuspended, msg.Event.To)
	assert.NotZero(t, msg.Timestamp)
}

func TestFiltersBySession(t *testing.T) {
	f := newStreamFixture(t, nil)
	conn := f.dial(t, "?session_id=bob")

	f.bus.Publish(session.Event{SessionID: "alice", To: types.StatusActive})
	f.bus.Publish(session.Event{SessionID: "bob", To: types.StatusActive})

	msg := read(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "bob", msg.Event.SessionID)
}

func TestPingPong(t *testing.T) {
	f := newStreamFixture(t, nil)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "ping"}))

	assert.Equal(t, "pong", read(t, conn).Type)
}

func TestConnectionGauge(t *testing.T) {
	f := newStreamFixture(t, nil)
	conn := f.dial(t, "")

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.WSConnections))

	conn.Close()
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(f.metrics.WSConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseEndsStreams(t *testing.T) {
	f := newStreamFixture(t, nil)
	conn := f.dial(t, "")

	f.handler.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestRejectsUnlistedOrigin(t *testing.T) {
	f := newStreamFixture(t, []string{"https://desk.example.com"})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://desk.example.com"}})
	require.NoError(t, err)
	conn.Close()
}
