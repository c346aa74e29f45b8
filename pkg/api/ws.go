package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nodelab/pkg/model"
)

const wsWriteWait = 5 * time.Second

// WSHub fans node change events out to UI subscribers.
type WSHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[*wsSub]struct{}
	log      *slog.Logger
}

type wsSub struct {
	conn *websocket.Conn
	send chan model.Event
}

func NewWSHub(log *slog.Logger) *WSHub {
	if log == nil {
		log = slog.Default()
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*wsSub]struct{}{},
		log:  log.With("component", "events"),
	}
}

// HandleEvents upgrades the request and streams events until the client goes away.
func (h *WSHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	sub := &wsSub{conn: c, send: make(chan model.Event, 64)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.log.Info("event subscriber connected", "remote", r.RemoteAddr)
	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// Publish queues ev for every subscriber. A subscriber whose queue is full is dropped.
func (h *WSHub) Publish(ev model.Event) {
	h.mu.RLock()
	var slow []*wsSub
	for sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range slow {
		h.log.Warn("dropping slow event subscriber")
		h.remove(sub)
	}
}

// Subscribers is the number of connected clients.
func (h *WSHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects all subscribers.
func (h *WSHub) Close() {
	h.mu.RLock()
	subs := make([]*wsSub, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		h.remove(sub)
	}
}

func (h *WSHub) writeLoop(sub *wsSub) {
	for ev := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := sub.conn.WriteJSON(ev); err != nil {
			h.remove(sub)
			_ = sub.conn.Close()
			return
		}
	}
	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	_ = sub.conn.Close()
}

// readLoop discards client frames; it exists to notice disconnects.
func (h *WSHub) readLoop(sub *wsSub) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *WSHub) remove(sub *wsSub) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.send)
	}
	h.mu.Unlock()
	if ok {
		h.log.Info("event subscriber disconnected")
	}
}
