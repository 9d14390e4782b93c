package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/tradeescrow/internal/escrow"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var expectedCloses = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Subscription narrows what a connection receives. A user only ever
// receives their own notifications; an empty subscription means all of them.
type Subscription struct {
	Types     []escrow.NotificationType `json:"types"`
	EscrowIDs []string                  `json:"escrowIds"`
}

func (s Subscription) matches(n *escrow.Notification) bool {
	return (len(s.Types) == 0 || contains(s.Types, n.Type)) &&
		(len(s.EscrowIDs) == 0 || contains(s.EscrowIDs, n.EscrowID))
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// subscriber is one websocket connection of one user. send is closed by
// the hub, never by the subscriber.
type subscriber struct {
	hub    *Hub
	ws     *websocket.Conn
	userID string
	send   chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (s *subscriber) wants(n *escrow.Notification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub.matches(n)
}

// readLoop applies subscription updates until the peer goes away.
func (s *subscriber) readLoop() {
	defer func() {
		s.hub.remove(s)
		_ = s.ws.Close()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedCloses...) {
				s.hub.logger.Debug("websocket read ended", "user", s.userID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
	}
}

// writeLoop drains send and keeps the connection alive with pings.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.logger.Warn("websocket write failed", "user", s.userID, "error", err)
				return
			}
		case <-ping.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
