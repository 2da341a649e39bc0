package notification

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"application-lifecycle/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxReadMessage = 512
	sendBuffer     = 16
)

// Hub fans status events out to websocket subscribers of a session.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logger.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithFields(map[string]interface{}{"component": "ws-hub"}),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Serve upgrades the request and streams events for sessionID until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(sessionID, sub)

	go h.writePump(sub)
	h.readPump(sub)

	h.unregister(sessionID, sub)
	return nil
}

// Publish sends payload to every subscriber of sessionID and returns how
// many received it. Subscribers that cannot keep up are dropped.
func (h *Hub) Publish(sessionID string, payload interface{}) int {
	msg, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to encode websocket event", map[string]interface{}{"error": err.Error()})
		return 0
	}

	// Channels are only closed under the write lock, so sending while
	// holding the read lock is safe.
	var slow []*subscriber
	delivered := 0
	h.mu.RLock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.send <- msg:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("Dropping slow websocket subscriber", map[string]interface{}{"sessionId": sessionID})
		h.unregister(sessionID, sub)
	}
	return delivered
}

// Subscribers returns the number of open connections for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sid, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, sid)
	}
}

func (h *Hub) register(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) unregister(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			sub.close()
		}
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// readPump only services control frames; clients do not send events.
func (h *Hub) readPump(sub *subscriber) {
	defer sub.conn.Close()
	sub.conn.SetReadLimit(maxReadMessage)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
