package offgate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// pageEvent is the one-way message shape pushed to connected pages.
type pageEvent struct {
	Type         string            `json:"type"`
	OrderID      uint64            `json:"orderId,omitempty"`
	Notification *PushNotification `json:"notification,omitempty"`
}

// hub tracks the open pages subscribed to gateway events, the stand-in for
// the worker's controlled clients. Broadcast is best-effort: a page whose
// socket errors is dropped and reconnects on its own.
type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{conns: map[*websocket.Conn]struct{}{}}
}

func (h *hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("events socket accept failed")
		return
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	log.Info().Int("pages", n).Msg("page connected")

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.Close(websocket.StatusNormalClosure, "")
	}()

	// The channel is one-way; reads only notice the page going away.
	for {
		if _, _, err := c.Read(r.Context()); err != nil {
			return
		}
	}
}

func (h *hub) broadcast(ev pageEvent) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wsjson.Write(ctx, c, ev)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("type", ev.Type).Msg("page broadcast failed")
			h.mu.Lock()
			delete(h.conns, c)
			h.mu.Unlock()
			c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "shutting down")
	}
}
