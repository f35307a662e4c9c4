// Package ws streams bus messages to browser consoles over a websocket.
package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"autoall/internal/logbus"
)

const writeWait = 5 * time.Second

type Handler struct {
	bus          *logbus.Bus
	allowOrigins []string
	upgrader     websocket.Upgrader
}

func NewHandler(bus *logbus.Bus, allowOrigins []string) *Handler {
	h := &Handler{
		bus:          bus,
		allowOrigins: allowOrigins,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// ServeHTTP replays the bus backlog and then forwards live messages.
// ?types=snapshot,toast restricts both to the listed message types.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accept := parseTypes(r.URL.Query().Get("types"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, msg := range h.bus.Snapshot() {
		if !accept(msg.Type) {
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	ch, cancel := h.bus.Subscribe(256)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !accept(msg.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func parseTypes(raw string) func(string) bool {
	set := make(map[string]struct{})
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(string) bool { return true }
	}
	return func(t string) bool {
		_, ok := set[t]
		return ok
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
