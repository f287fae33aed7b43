package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/nicktill/tinymc/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// subscriber is one stream connection. Its writer goroutine is the only one
// writing to conn and exits when send is closed.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams accepted batches to WebSocket subscribers. A subscriber that
// falls WSSendBuffer events behind is disconnected.
type Hub struct {
	log logr.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates a hub with no subscribers.
func NewHub(log logr.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is done, then ends every subscription and refuses new
// ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.dropLocked(sub)
	}
}

// Publish queues ev for every subscriber without blocking.
func (h *Hub) Publish(ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.send <- msg:
		default:
			h.log.Info("stream subscriber too slow, disconnecting", "remote", sub.conn.RemoteAddr().String())
			h.dropLocked(sub)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events until either side goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, config.WSSendBuffer)}
	if !h.add(sub) {
		conn.Close()
		return
	}
	defer h.remove(sub)

	go h.writeEvents(sub)
	h.readUntilClosed(sub)
}

func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	h.log.V(1).Info("stream subscriber connected", "total", len(h.subs))
	return true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
	h.log.V(1).Info("stream subscriber disconnected", "total", len(h.subs))
}

// dropLocked closes sub's queue, which makes its writer say goodbye and close
// the connection.
func (h *Hub) dropLocked(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.send)
}

// writeEvents delivers queued events and pings the peer between them.
func (h *Hub) writeEvents(sub *subscriber) {
	ping := time.NewTicker(config.WSPingInterval)
	defer func() {
		ping.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Error(err, "stream write failed")
				return
			}
		case <-ping.C:
			sub.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClosed consumes control frames so pongs extend the read deadline.
// Subscribers have nothing to say; any data frame larger than WSReadLimit ends
// the subscription.
func (h *Hub) readUntilClosed(sub *subscriber) {
	sub.conn.SetReadLimit(config.WSReadLimit)
	sub.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Error(err, "stream read failed")
			}
			return
		}
	}
}
