package api

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    s, err := NewServer()
    if err != nil { t.Fatalf("NewServer: %v", err) }
    return s
}

func TestHealthReady(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    if rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    rr = httptest.NewRecorder()
    s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
    if rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }
}

func TestLocationIngest(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"driverId":"drv1","latitude":"37.774900","longitude":"-122.419400","speedKph":12.5}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/locations", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    s.LocationsHandler(rr, req)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: got %d body=%s", rr.Code, rr.Body.String()) }

    // malformed body
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/locations", bytes.NewReader([]byte(`{`)))
    s.LocationsHandler(rr, req)
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad json: got %d", rr.Code) }

    // out-of-range coordinate
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/locations", bytes.NewReader([]byte(`{"driverId":"drv1","latitude":"95","longitude":"0"}`)))
    s.LocationsHandler(rr, req)
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad coord: got %d", rr.Code) }

    // latest positions (admin default)
    rr = httptest.NewRecorder()
    s.LocationsLatestHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/locations/latest", nil))
    if rr.Code != 200 { t.Fatalf("latest: got %d", rr.Code) }
    var res struct{ Items []map[string]any `json:"items"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode latest: %v", err) }
    if len(res.Items) != 1 { t.Fatalf("latest items: got %d, want 1", len(res.Items)) }
}

func TestRecentTrailDriverScoping(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"driverId":"drv1","latitude":"1","longitude":"2"}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/locations", bytes.NewReader(body))
    s.LocationsHandler(rr, req)
    if rr.Code != http.StatusAccepted { t.Fatalf("ingest: %d", rr.Code) }

    // driver reading someone else's trail is rejected
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/locations/recent?driverId=drv1", nil)
    req.Header.Set("X-Role", "driver")
    req.Header.Set("X-Driver-Id", "drv2")
    s.LocationsRecentHandler(rr, req)
    if rr.Code != 403 { t.Fatalf("cross-driver trail: got %d, want 403", rr.Code) }

    // own trail is fine
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/locations/recent", nil)
    req.Header.Set("X-Role", "driver")
    req.Header.Set("X-Driver-Id", "drv1")
    s.LocationsRecentHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("own trail: got %d", rr.Code) }
}

func TestGeofenceCRUDWritesAudit(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"name":"Depot A","latitude":"37.774900","longitude":"-122.419400","radiusMeters":150}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/geofences", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    s.GeofencesHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("create: got %d body=%s", rr.Code, rr.Body.String()) }
    var gf struct{ ID string `json:"id"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &gf); err != nil { t.Fatalf("decode: %v", err) }

    // missing radius is rejected
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/geofences", bytes.NewReader([]byte(`{"name":"x","latitude":"1","longitude":"2"}`)))
    s.GeofencesHandler(rr, req)
    if rr.Code != 400 { t.Fatalf("missing radius: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPatch, "/v1/geofences/"+gf.ID, bytes.NewReader([]byte(`{"radiusMeters":300}`)))
    s.GeofenceByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("patch: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodDelete, "/v1/geofences/"+gf.ID, nil)
    s.GeofenceByIDHandler(rr, req)
    if rr.Code != 204 { t.Fatalf("delete: got %d", rr.Code) }

    // each mutation lands in the audit chain
    rr = httptest.NewRecorder()
    s.AuditLogsCountHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/audit-logs/count?entity=geofence", nil))
    if rr.Code != 200 { t.Fatalf("count: got %d", rr.Code) }
    var cnt struct{ Total int `json:"total"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &cnt); err != nil { t.Fatalf("decode count: %v", err) }
    if cnt.Total != 3 { t.Fatalf("audit count: got %d, want 3", cnt.Total) }
}

func TestClockInClockOutFlow(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"driverId":"drv9","depotName":"Yard","latitude":"1","longitude":"2"}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/timesheets/clock-in", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    s.ClockInHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("clock-in: got %d body=%s", rr.Code, rr.Body.String()) }
    var ts struct{ ID string `json:"id"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &ts); err != nil { t.Fatalf("decode: %v", err) }

    // duplicate clock-in conflicts
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/timesheets/clock-in", bytes.NewReader(body))
    s.ClockInHandler(rr, req)
    if rr.Code != http.StatusConflict { t.Fatalf("second clock-in: got %d, want 409", rr.Code) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/timesheets/"+ts.ID+"/clock-out", bytes.NewReader([]byte(`{"latitude":"1","longitude":"2"}`)))
    s.TimesheetByIDHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("clock-out: got %d body=%s", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/timesheets/"+ts.ID+"/clock-out", bytes.NewReader([]byte(`{}`)))
    s.TimesheetByIDHandler(rr, req)
    if rr.Code != http.StatusConflict { t.Fatalf("re-clock-out: got %d, want 409", rr.Code) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/timesheets/missing/clock-out", nil)
    s.TimesheetByIDHandler(rr, req)
    if rr.Code != 404 { t.Fatalf("unknown id: got %d, want 404", rr.Code) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/timesheets?status=COMPLETED", nil)
    s.TimesheetsHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("list: got %d", rr.Code) }
    var lst struct{ Items []map[string]any `json:"items"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &lst); err != nil { t.Fatalf("decode list: %v", err) }
    if len(lst.Items) != 1 { t.Fatalf("completed list: got %d, want 1", len(lst.Items)) }
}

func TestEndOfShiftSweepEndpoint(t *testing.T) {
    s := newTestServer(t)
    for _, d := range []string{"a", "b"} {
        rr := httptest.NewRecorder()
        req := httptest.NewRequest(http.MethodPost, "/v1/timesheets/clock-in", bytes.NewReader([]byte(`{"driverId":"`+d+`","latitude":"1","longitude":"2"}`)))
        s.ClockInHandler(rr, req)
        if rr.Code != 201 { t.Fatalf("clock-in %s: %d", d, rr.Code) }
    }
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/timesheets/end-of-shift", nil)
    s.EndOfShiftHandler(rr, req)
    if rr.Code != 200 { t.Fatalf("sweep: got %d", rr.Code) }
    var res struct{ Closed int `json:"closed"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if res.Closed != 2 { t.Fatalf("closed: got %d, want 2", res.Closed) }

    // drivers cannot run the sweep
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/timesheets/end-of-shift", nil)
    req.Header.Set("X-Role", "driver")
    s.EndOfShiftHandler(rr, req)
    if rr.Code != 403 { t.Fatalf("driver sweep: got %d, want 403", rr.Code) }
}

func TestAuditVerifyEndpoint(t *testing.T) {
    s := newTestServer(t)
    // seed a couple of entries through a mutation
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/geofences", bytes.NewReader([]byte(`{"name":"Z","latitude":"1","longitude":"2","radiusMeters":50}`)))
    s.GeofencesHandler(rr, req)
    if rr.Code != 201 { t.Fatalf("seed: %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.AuditVerifyHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/audit-logs/verify", nil))
    if rr.Code != 200 { t.Fatalf("verify: got %d", rr.Code) }
    var res struct {
        Valid        bool `json:"valid"`
        TotalEntries int  `json:"totalEntries"`
    }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if !res.Valid || res.TotalEntries != 1 { t.Fatalf("verify result: %+v", res) }

    // verify is admin-only
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/audit-logs/verify", nil)
    req.Header.Set("X-Role", "dispatcher")
    s.AuditVerifyHandler(rr, req)
    if rr.Code != 403 { t.Fatalf("dispatcher verify: got %d, want 403", rr.Code) }
}

func TestAuditLogsListFilters(t *testing.T) {
    s := newTestServer(t)
    for i := 0; i < 3; i++ {
        rr := httptest.NewRecorder()
        req := httptest.NewRequest(http.MethodPost, "/v1/geofences", bytes.NewReader([]byte(`{"name":"g","latitude":"1","longitude":"2","radiusMeters":10}`)))
        s.GeofencesHandler(rr, req)
        if rr.Code != 201 { t.Fatalf("seed %d: %d", i, rr.Code) }
    }
    rr := httptest.NewRecorder()
    s.AuditLogsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/audit-logs?action=GEOFENCE_CREATED&limit=2", nil))
    if rr.Code != 200 { t.Fatalf("list: got %d", rr.Code) }
    var res struct{ Items []map[string]any `json:"items"` }
    if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil { t.Fatalf("decode: %v", err) }
    if len(res.Items) != 2 { t.Fatalf("limited list: got %d, want 2", len(res.Items)) }
}

func TestStagnationAlertsEndpointIsDispatchOnly(t *testing.T) {
    s := newTestServer(t)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/v1/stagnation-alerts", nil)
    req.Header.Set("X-Role", "driver")
    s.StagnationAlertsHandler(rr, req)
    if rr.Code != 403 { t.Fatalf("driver list: got %d, want 403", rr.Code) }

    rr = httptest.NewRecorder()
    s.StagnationAlertsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/stagnation-alerts", nil))
    if rr.Code != 200 { t.Fatalf("admin list: got %d", rr.Code) }
}

func TestSubscriptionsAdmin(t *testing.T) {
    s := newTestServer(t)
    body := []byte(`{"url":"https://example.invalid/hook","events":["timesheet.clock_in"],"secret":"shh"}`)
    rr := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    s.SubscriptionsHandler(rr, req)
    if rr.Code != http.StatusCreated { t.Fatalf("create sub: got %d body=%s", rr.Code, rr.Body.String()) }

    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader([]byte(`{"events":["x"]}`)))
    s.SubscriptionsHandler(rr, req)
    if rr.Code != 400 { t.Fatalf("missing url: got %d", rr.Code) }

    rr = httptest.NewRecorder()
    s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
    if rr.Code != 200 { t.Fatalf("list subs: got %d", rr.Code) }

    // non-admin is rejected
    rr = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)
    req.Header.Set("X-Role", "dispatcher")
    s.SubscriptionsHandler(rr, req)
    if rr.Code != 403 { t.Fatalf("dispatcher subs: got %d, want 403", rr.Code) }
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
    hdr  http.Header
    buf  bytes.Buffer
    code int
}

func (r *sseRecorder) Header() http.Header { if r.hdr == nil { r.hdr = http.Header{} }; return r.hdr }
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush() {}

func TestLocationStreamSSE(t *testing.T) {
    s := newTestServer(t)
    sseReq := httptest.NewRequest(http.MethodGet, "/v1/locations/stream", nil)
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    sseReq = sseReq.WithContext(ctx)

    rec := &sseRecorder{}
    done := make(chan struct{})
    go func() {
        s.LocationStreamHandler(rec, sseReq)
        close(done)
    }()

    // Give the handler time to subscribe
    time.Sleep(50 * time.Millisecond)
    s.Broker.Publish("c_demo", SSEEvent{Type: "location.updated", Data: map[string]any{"driverId": "drv1"}})

    deadline := time.Now().Add(500 * time.Millisecond)
    for time.Now().Before(deadline) {
        if bytes.Contains(rec.buf.Bytes(), []byte("event: location.updated")) {
            break
        }
        time.Sleep(10 * time.Millisecond)
    }
    if !bytes.Contains(rec.buf.Bytes(), []byte("event: location.updated")) {
        t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
    }
    cancel()
    select {
    case <-done:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("handler did not exit after cancel")
    }
}
