// Package realtime serves dashboard sessions over WebSocket. Each connection
// owns one portfolio session: actions arrive on the read pump and are handled
// one at a time, and the write pump pushes the re-rendered page after every
// change.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/dashboard"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/portfolio"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

// Message types sent to the browser.
const (
	TypePage    = "page"
	TypeError   = "error"
	TypeSession = "session"
)

// Message is one server-to-client frame.
type Message struct {
	Type    string          `json:"type"`
	Page    *dashboard.Page `json:"page,omitempty"`
	Message string          `json:"message,omitempty"`
	// Token is sent whenever the session token changes so the browser can
	// restore the session after a reconnect.
	Token *string `json:"token,omitempty"`
}

// Session is what a connection drives.
type Session interface {
	Start(ctx context.Context, token string)
	Handle(ctx context.Context, act portfolio.Action) error
	Changed() <-chan struct{}
	Page() dashboard.Page
	Token() string
	Close()
}

// Factory creates the session for a new connection.
type Factory func() Session

// Handler upgrades requests and runs one session per connection.
type Handler struct {
	newSession Factory
	logger     *zap.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records sessions and actions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithOriginCheck restricts which origins may connect.
func WithOriginCheck(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// NewHandler creates a socket handler.
func NewHandler(newSession Factory, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		newSession: newSession,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles GET /api/v1/ws. A token query parameter restores a
// previous session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &connection{
		id:      uuid.New().String(),
		conn:    conn,
		session: h.newSession(),
		errs:    make(chan string, 8),
		done:    make(chan struct{}),
		logger:  h.logger,
		metrics: h.metrics,
	}
	c.logger = c.logger.With(zap.String("conn_id", c.id))

	if h.metrics != nil {
		h.metrics.ActiveSessions.Inc()
		defer h.metrics.ActiveSessions.Dec()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.session.Start(ctx, r.URL.Query().Get("token"))
	c.logger.Info("dashboard session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx)

	close(c.done)
	<-writerDone
	c.session.Close()
	conn.Close()
	c.logger.Info("dashboard session closed")
}

type connection struct {
	id      string
	conn    *websocket.Conn
	session Session
	errs    chan string
	done    chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// readPump handles actions in arrival order until the socket closes.
func (c *connection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var act portfolio.Action
		if err := json.Unmarshal(data, &act); err != nil {
			c.reportError("invalid message")
			continue
		}

		err = c.session.Handle(ctx, act)
		c.metrics.ObserveAction(act.Name, err)
		if err != nil {
			c.logger.Debug("action failed", zap.String("action", act.Name), zap.Error(err))
			c.reportError(err.Error())
		}
	}
}

func (c *connection) reportError(msg string) {
	select {
	case c.errs <- msg:
	default:
		c.logger.Warn("dropping error frame, client is slow", zap.String("message", msg))
	}
}

// writePump is the only writer on the socket.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	lastToken := ""
	push := func() error {
		if tok := c.session.Token(); tok != lastToken {
			lastToken = tok
			if err := c.write(Message{Type: TypeSession, Token: &tok}); err != nil {
				return err
			}
		}
		page := c.session.Page()
		return c.write(Message{Type: TypePage, Page: &page})
	}

	if err := push(); err != nil {
		return
	}
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.session.Changed():
			if err := push(); err != nil {
				return
			}
		case msg := <-c.errs:
			if err := c.write(Message{Type: TypeError, Message: msg}); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) write(m Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(m); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
		// Unblock the reader so the connection tears down.
		c.conn.Close()
		return err
	}
	return nil
}
