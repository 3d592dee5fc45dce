package api

import (
    "encoding/json"
    "fmt"
    "net/http"
    "time"
)

// LocationStreamHandler handles GET /v1/locations/stream: SSE feed of live
// position and attendance events for the caller's company. The first
// frames replay the cached latest position per driver so new dashboards
// render without waiting for movement.
func (s *Server) LocationStreamHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")

    ch := s.Broker.Subscribe(pr.Company)
    defer s.Broker.Unsubscribe(pr.Company, ch)

    // initial snapshot
    for _, loc := range s.Cache.Snapshot(pr.Company) {
        b, _ := json.Marshal(loc)
        fmt.Fprintf(w, "event: location.snapshot\n")
        fmt.Fprintf(w, "data: %s\n\n", string(b))
    }
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
    flusher.Flush()

    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}
