// Package notify delivers escrow notifications to connected users over
// WebSocket and keeps a short per-user feed for clients that reconnect.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/metrics"
)

// ErrDropped is returned when a notification could not be queued for live
// delivery. It is still recorded in the recipient's feed.
var ErrDropped = errors.New("notification dropped: hub busy or stopped")

var (
	errHubClosed = errors.New("hub stopped")
	errHubFull   = errors.New("too many connections")
)

const (
	// MaxConnections bounds concurrent websocket connections.
	MaxConnections = 10000
	queueSize      = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers must come from our own host; non-browser clients send no Origin.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int64 `json:"peak"`
	Accepted  int64 `json:"accepted"`
	Delivered int64 `json:"delivered"`
	Evicted   int64 `json:"evicted"`
}

// Hub routes each notification to its recipient's open connections.
// Connections that cannot keep up are evicted rather than waited on.
type Hub struct {
	logger   *slog.Logger
	maxConns int
	queue    chan *escrow.Notification
	done     chan struct{} // closed when Run returns
	feeds    *feeds

	mu     sync.Mutex
	users  map[string]map[*subscriber]struct{}
	conns  int
	closed bool

	peak, accepted, delivered, evicted atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		maxConns: MaxConnections,
		queue:    make(chan *escrow.Notification, queueSize),
		done:     make(chan struct{}),
		feeds:    newFeeds(),
		users:    make(map[string]map[*subscriber]struct{}),
	}
}

// Run delivers queued notifications until ctx ends, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("notification hub started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("notification hub stopped")
			return
		case n := <-h.queue:
			h.route(n)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for user, subs := range h.users {
		for s := range subs {
			close(s.send)
		}
		delete(h.users, user)
	}
	h.conns = 0
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) add(s *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return errHubClosed
	case h.conns >= h.maxConns:
		return errHubFull
	}

	subs := h.users[s.userID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.users[s.userID] = subs
	}
	subs[s] = struct{}{}
	h.conns++
	h.accepted.Add(1)
	if int64(h.conns) > h.peak.Load() {
		h.peak.Store(int64(h.conns))
	}
	metrics.ActiveWebSocketClients.Set(float64(h.conns))
	return nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(s)
}

// detach must be called with h.mu held.
func (h *Hub) detach(s *subscriber) bool {
	subs, ok := h.users[s.userID]
	if !ok {
		return false
	}
	if _, ok := subs[s]; !ok {
		return false
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.users, s.userID)
	}
	close(s.send)
	h.conns--
	metrics.ActiveWebSocketClients.Set(float64(h.conns))
	return true
}

func (h *Hub) route(n *escrow.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("notification encode failed", "type", n.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.users[n.RecipientID] {
		if !s.wants(n) {
			continue
		}
		select {
		case s.send <- payload:
			h.delivered.Add(1)
		default:
			if h.detach(s) {
				h.evicted.Add(1)
				h.logger.Warn("evicting slow websocket client", "user", s.userID)
			}
		}
	}
}

// Notify records n in the recipient's feed and queues it for live
// delivery. It never blocks.
func (h *Hub) Notify(_ context.Context, n escrow.Notification) error {
	h.feeds.add(n)

	result := "queued"
	defer func() { metrics.NotificationsTotal.WithLabelValues(string(n.Type), result).Inc() }()

	select {
	case <-h.done:
		result = "dropped"
		return ErrDropped
	default:
	}
	select {
	case h.queue <- &n:
		return nil
	default:
		result = "dropped"
		h.logger.Warn("notification queue full, live delivery dropped", "type", n.Type, "user", n.RecipientID)
		return ErrDropped
	}
}

// Feed returns up to limit of the user's recent notifications, newest
// first. A non-positive limit returns the whole feed.
func (h *Hub) Feed(userID string, limit int) []escrow.Notification {
	return h.feeds.recent(userID, limit)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	connected := h.conns
	h.mu.Unlock()
	return Stats{
		Connected: connected,
		Peak:      h.peak.Load(),
		Accepted:  h.accepted.Load(),
		Delivered: h.delivered.Load(),
		Evicted:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and subscribes it to userID's
// notifications.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().Connected >= h.maxConns {
		http.Error(w, errHubFull.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{hub: h, ws: ws, userID: userID, send: make(chan []byte, sendBuffer)}
	if err := h.add(s); err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	go s.writeLoop()
	go s.readLoop()
}

var _ escrow.Notifier = (*Hub)(nil)
