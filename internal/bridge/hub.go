package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultBacklog      = 32
	defaultWriteTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeLocked(v any, timeout time.Duration) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

func (c *client) write(v any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(v, timeout)
}

// Hub fans directives out to the websocket connections of each session.
// Directives sent while no shell is connected are kept in a bounded backlog
// and flushed, in order, to the next connection.
type Hub struct {
	Backlog      int
	WriteTimeout time.Duration
	Logger       zerolog.Logger

	mu      sync.RWMutex
	conns   map[string]map[*client]struct{}
	backlog map[string][]Directive
}

// NewHub returns an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		Backlog:      defaultBacklog,
		WriteTimeout: defaultWriteTimeout,
		Logger:       logger,
		conns:        make(map[string]map[*client]struct{}),
		backlog:      make(map[string][]Directive),
	}
}

func (h *Hub) writeTimeout() time.Duration {
	if h.WriteTimeout <= 0 {
		return defaultWriteTimeout
	}
	return h.WriteTimeout
}

// attach registers conn for sessionID and flushes the backlog to it.
func (h *Hub) attach(sessionID string, conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn}

	h.mu.Lock()
	if h.conns[sessionID] == nil {
		h.conns[sessionID] = make(map[*client]struct{})
	}
	h.conns[sessionID][c] = struct{}{}
	pending := h.backlog[sessionID]
	delete(h.backlog, sessionID)
	// hold the client lock across the flush so later sends queue behind it
	c.mu.Lock()
	h.mu.Unlock()
	defer c.mu.Unlock()

	h.Logger.Debug().Str("session_id", sessionID).Int("backlog", len(pending)).Msg("stream_attached")
	for _, d := range pending {
		if err := c.writeLocked(d, h.writeTimeout()); err != nil {
			return c, err
		}
	}
	return c, nil
}

// detach removes c from sessionID.
func (h *Hub) detach(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, sessionID)
		}
	}
	h.Logger.Debug().Str("session_id", sessionID).Msg("stream_detached")
}

// Send delivers d to every connection of sessionID and returns how many
// received it. With no connection d is queued.
func (h *Hub) Send(sessionID string, d Directive) int {
	if d.Time.IsZero() {
		d.Time = time.Now().UTC()
	}

	h.mu.Lock()
	set := h.conns[sessionID]
	if len(set) == 0 {
		queue := append(h.backlog[sessionID], d)
		if limit := h.backlogSize(); len(queue) > limit {
			h.Logger.Warn().Str("session_id", sessionID).Int("dropped", len(queue)-limit).Msg("stream_backlog_overflow")
			queue = queue[len(queue)-limit:]
		}
		h.backlog[sessionID] = queue
		h.mu.Unlock()
		return 0
	}
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.write(d, h.writeTimeout()); err != nil {
			h.Logger.Warn().Err(err).Str("session_id", sessionID).Str("type", string(d.Type)).Msg("stream_write_failed")
			h.detach(sessionID, c)
			_ = c.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) backlogSize() int {
	if h.Backlog <= 0 {
		return defaultBacklog
	}
	return h.Backlog
}

// Connections returns the number of open streams for sessionID.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Close drops the backlog and closes every stream of sessionID.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	set := h.conns[sessionID]
	delete(h.conns, sessionID)
	delete(h.backlog, sessionID)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	for c := range set {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.mu.Unlock()
	}
}
