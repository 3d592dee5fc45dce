package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LocationWSHandler handles /v1/locations/ws: a lightweight subscription
// protocol (connection_init / subscribe / next / complete) over WebSocket
// for the same company-scoped event feed the SSE endpoint serves.
func (s *Server) LocationWSHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		ch   chan SSEEvent
		done chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for _, sb := range subs {
			close(sb.done)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// gorilla conns allow one concurrent writer
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.ID == "" || subs[msg.ID].ch != nil {
				continue
			}
			ch := s.Broker.Subscribe(pr.Company)
			done := make(chan struct{})
			subs[msg.ID] = sub{ch: ch, done: done}
			// replay the latest known positions first
			for _, loc := range s.Cache.Snapshot(pr.Company) {
				b, _ := json.Marshal(map[string]any{"type": "location.snapshot", "data": loc})
				_ = write(wsMessage{Type: "next", ID: msg.ID, Payload: b})
			}
			go func(id string, ch chan SSEEvent, done chan struct{}) {
				defer s.Broker.Unsubscribe(pr.Company, ch)
				for {
					select {
					case <-done:
						return
					case evt, ok := <-ch:
						if !ok {
							return
						}
						b, _ := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
						if err := write(wsMessage{Type: "next", ID: id, Payload: b}); err != nil {
							return
						}
					}
				}
			}(msg.ID, ch, done)
		case "complete":
			if sb, ok := subs[msg.ID]; ok {
				close(sb.done)
				delete(subs, msg.ID)
			}
		}
	}
}
