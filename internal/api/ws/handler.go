package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/domain/session"
	"github.com/GriffinCanCode/deskd/internal/infrastructure/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Event     *session.Event `json:"event,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Handler manages WebSocket connections
type Handler struct {
	bus      *session.Bus
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates an event stream handler. An empty origins list or a
// "*" entry accepts any origin. Metrics may be nil.
func NewHandler(bus *session.Bus, metrics *monitoring.Metrics, origins []string, logger *zap.Logger) *Handler {
	return &Handler{
		bus:     bus,
		metrics: metrics,
		logger:  logger.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(origins),
		},
		done: make(chan struct{}),
	}
}

// Close ends every open stream.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// HandleConnection upgrades the request and streams events until the client
// goes away or the handler is closed.
func (h *Handler) HandleConnection(c *gin.Context) {
	filter := c.Query("session_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	pings := make(chan struct{}, 1)
	gone := make(chan struct{})
	go h.readLoop(conn, pings, gone)

	if err := h.send(conn, serverMessage{Type: "system", Message: "connected"}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && ev.SessionID != filter {
				continue
			}
			if err := h.send(conn, serverMessage{Type: "event", Event: &ev}); err != nil {
				h.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-pings:
			if err := h.send(conn, serverMessage{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop owns all reads on conn. Writes stay on the connection goroutine.
func (h *Handler) readLoop(conn *websocket.Conn, pings chan<- struct{}, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "ping":
			select {
			case pings <- struct{}{}:
			default:
			}
		default:
			h.logger.Debug("Ignoring client message", zap.String("type", msg.Type))
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg serverMessage) error {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func checkOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
