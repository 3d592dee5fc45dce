package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "fleetledger/internal/audit"
    "fleetledger/internal/ingest"
    "fleetledger/internal/model"
    "fleetledger/internal/store"
)

// LocationsHandler handles POST /v1/locations (driver position ingest).
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    pr := s.getPrincipal(r)
    var in ingest.SampleInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if in.CompanyID == "" { in.CompanyID = pr.Company }
    if in.DriverID == "" { in.DriverID = pr.DriverID }
    if !s.limits.allow(in.CompanyID) {
        writeProblem(w, http.StatusTooManyRequests, "Rate limited", "location ingest quota exceeded", r.URL.Path)
        return
    }
    sample, err := s.Ingest.RecordLocation(r.Context(), in)
    if err != nil {
        if errors.Is(err, ingest.ErrValidation) {
            writeProblem(w, http.StatusBadRequest, "Invalid location sample", err.Error(), r.URL.Path)
            return
        }
        writeProblem(w, http.StatusInternalServerError, "Record location failed", err.Error(), r.URL.Path)
        return
    }
    loc := LatestLocation{
        Company:    sample.CompanyID,
        DriverID:   sample.DriverID,
        Latitude:   sample.Latitude,
        Longitude:  sample.Longitude,
        SpeedKph:   sample.SpeedKph,
        TS:         sample.Timestamp.Format(time.RFC3339),
        IsStagnant: sample.IsStagnant,
    }
    s.Cache.Upsert(loc)
    s.Broker.Publish(sample.CompanyID, SSEEvent{Type: "location.updated", Data: map[string]any{
        "driverId": sample.DriverID, "latitude": sample.Latitude, "longitude": sample.Longitude,
        "speedKph": sample.SpeedKph, "ts": loc.TS,
    }})
    writeJSON(w, http.StatusAccepted, sample)
}

// LocationsLatestHandler handles GET /v1/locations/latest
func (s *Server) LocationsLatestHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    items, err := s.Store.LatestDriverLocations(r.Context(), pr.Company)
    if err != nil { writeProblem(w, 500, "List locations failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// LocationsRecentHandler handles GET /v1/locations/recent?driverId=...&limit=...
func (s *Server) LocationsRecentHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    driverID := r.URL.Query().Get("driverId")
    if driverID == "" { driverID = pr.DriverID }
    if driverID == "" { writeProblem(w, 400, "Missing driverId", "", r.URL.Path); return }
    if pr.Role == "driver" && pr.DriverID != driverID {
        writeProblem(w, 403, "Forbidden", "drivers may only read their own trail", r.URL.Path)
        return
    }
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, err := s.Store.RecentLocations(r.Context(), pr.Company, driverID, limit)
    if err != nil { writeProblem(w, 500, "List locations failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// TimesheetsHandler handles GET /v1/timesheets and POST /v1/timesheets/clock-in.
func (s *Server) TimesheetsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/timesheets" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    f := model.TimesheetFilter{
        DriverID: r.URL.Query().Get("driverId"),
        Status:   r.URL.Query().Get("status"),
        Cursor:   r.URL.Query().Get("cursor"),
        Limit:    100,
    }
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &f.Limit) }
    if v := r.URL.Query().Get("from"); v != "" { t, _ := time.Parse(time.RFC3339, v); f.From = t }
    if v := r.URL.Query().Get("to"); v != "" { t, _ := time.Parse(time.RFC3339, v); f.To = t }
    if pr.Role == "driver" { f.DriverID = pr.DriverID }
    items, next, err := s.Store.ListTimesheets(r.Context(), pr.Company, f)
    if err != nil { writeProblem(w, 500, "List timesheets failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// ClockInHandler handles POST /v1/timesheets/clock-in (manual override).
func (s *Server) ClockInHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    var req struct {
        DriverID  string `json:"driverId"`
        DepotID   string `json:"depotId"`
        DepotName string `json:"depotName"`
        Latitude  string `json:"latitude"`
        Longitude string `json:"longitude"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if req.DriverID == "" { req.DriverID = pr.DriverID }
    if req.DriverID == "" { writeProblem(w, 400, "Missing driverId", "", r.URL.Path); return }
    if pr.Role == "driver" && pr.DriverID != req.DriverID {
        writeProblem(w, 403, "Forbidden", "drivers may only clock themselves in", r.URL.Path)
        return
    }
    ts, err := s.Machine.ClockIn(r.Context(), pr.Company, req.DriverID, req.DepotID, req.DepotName, req.Latitude, req.Longitude, userOf(pr))
    if err != nil {
        if errors.Is(err, store.ErrAlreadyClockedIn) {
            writeProblem(w, http.StatusConflict, "Already clocked in", err.Error(), r.URL.Path)
            return
        }
        writeProblem(w, http.StatusInternalServerError, "Clock-in failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusCreated, ts)
}

// TimesheetByIDHandler handles GET /v1/timesheets/{id} and POST /v1/timesheets/{id}/clock-out.
func (s *Server) TimesheetByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/timesheets/")
    if rest == r.URL.Path || rest == "" { writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path); return }
    parts := strings.Split(rest, "/")
    id := parts[0]
    pr := s.getPrincipal(r)

    if len(parts) > 1 && parts[1] == "clock-out" {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        var req struct {
            Latitude  string `json:"latitude"`
            Longitude string `json:"longitude"`
        }
        if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&req) }
        if pr.Role == "driver" {
            cur, err := s.Store.GetTimesheet(r.Context(), pr.Company, id)
            if err != nil { writeProblem(w, 404, "Timesheet not found", err.Error(), r.URL.Path); return }
            if cur.DriverID != pr.DriverID {
                writeProblem(w, 403, "Forbidden", "drivers may only clock themselves out", r.URL.Path)
                return
            }
        }
        ts, err := s.Machine.ClockOut(r.Context(), pr.Company, id, req.Latitude, req.Longitude, userOf(pr))
        if err != nil {
            switch {
            case errors.Is(err, store.ErrNotFound):
                writeProblem(w, 404, "Timesheet not found", err.Error(), r.URL.Path)
            case errors.Is(err, store.ErrAlreadyCompleted):
                writeProblem(w, http.StatusConflict, "Already completed", err.Error(), r.URL.Path)
            default:
                writeProblem(w, 500, "Clock-out failed", err.Error(), r.URL.Path)
            }
            return
        }
        writeJSON(w, 200, ts)
        return
    }

    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    ts, err := s.Store.GetTimesheet(r.Context(), pr.Company, id)
    if err != nil {
        writeProblem(w, http.StatusNotFound, "Timesheet not found", err.Error(), r.URL.Path)
        return
    }
    if pr.Role == "driver" && ts.DriverID != pr.DriverID {
        writeProblem(w, 403, "Forbidden", "not your timesheet", r.URL.Path)
        return
    }
    writeJSON(w, 200, ts)
}

// EndOfShiftHandler handles POST /v1/timesheets/end-of-shift: closes every
// ACTIVE timesheet for the company (drivers who finished outside any zone).
func (s *Server) EndOfShiftHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    n, err := s.Machine.EndOfShiftSweep(r.Context(), pr.Company, userOf(pr))
    if err != nil { writeProblem(w, 500, "End-of-shift sweep failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]int{"closed": n})
}

// StagnationAlertsHandler handles GET /v1/stagnation-alerts
func (s *Server) StagnationAlertsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/stagnation-alerts" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListStagnationAlerts(r.Context(), pr.Company, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List alerts failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// StagnationAlertByIDHandler handles POST /v1/stagnation-alerts/{id}/resolve
func (s *Server) StagnationAlertByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/stagnation-alerts/") || !strings.HasSuffix(r.URL.Path, "/resolve") {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/stagnation-alerts/"), "/resolve")
    a, err := s.Detector.Resolve(r.Context(), pr.Company, id, userOf(pr))
    if err != nil {
        if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Alert not found", err.Error(), r.URL.Path); return }
        writeProblem(w, 500, "Resolve alert failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, 200, a)
}

// AuditLogsHandler handles GET /v1/audit-logs (newest first, paginated).
func (s *Server) AuditLogsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/audit-logs" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    f := model.AuditFilter{
        Entity: r.URL.Query().Get("entity"),
        Action: r.URL.Query().Get("action"),
        Limit:  100,
    }
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &f.Limit) }
    if v := r.URL.Query().Get("offset"); v != "" { fmt.Sscanf(v, "%d", &f.Offset) }
    items, err := s.Store.ListAuditEntries(r.Context(), pr.Company, f)
    if err != nil { writeProblem(w, 500, "List audit logs failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// AuditLogsCountHandler handles GET /v1/audit-logs/count
func (s *Server) AuditLogsCountHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    n, err := s.Store.CountAuditEntries(r.Context(), pr.Company, r.URL.Query().Get("entity"), r.URL.Query().Get("action"))
    if err != nil { writeProblem(w, 500, "Count audit logs failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]int{"total": n})
}

// AuditVerifyHandler handles POST /v1/audit-logs/verify: re-walks the
// company's hash chain and reports the first tampered entry, if any.
func (s *Server) AuditVerifyHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost && r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    res, err := s.Ledger.VerifyIntegrity(r.Context(), pr.Company)
    if err != nil { writeProblem(w, 500, "Verify failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, res)
}

// Geofences
func (s *Server) GeofencesHandler(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    switch r.Method {
    case http.MethodGet:
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListGeofences(r.Context(), pr.Company, cursor, limit)
        if err != nil { writeProblem(w, 500, "List geofences failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    case http.MethodPost:
        if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.GeofenceInput
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if err := validateGeofenceInput(in, true); err != nil { writeProblem(w, 400, "Invalid geofence", err.Error(), r.URL.Path); return }
        gf, err := s.Store.CreateGeofence(r.Context(), pr.Company, in)
        if err != nil { writeProblem(w, 500, "Create geofence failed", err.Error(), r.URL.Path); return }
        s.recordGeofence(r.Context(), pr, audit.ActionGeofenceCreated, gf)
        writeJSON(w, 201, gf)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func (s *Server) GeofenceByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/geofences/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/geofences/")
    pr := s.getPrincipal(r)
    if !pr.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodGet:
        gf, err := s.Store.GetGeofence(r.Context(), pr.Company, id)
        if err != nil { writeProblem(w, 404, "Not Found", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, gf)
    case http.MethodPatch:
        var in model.GeofenceInput
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil { writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path); return }
        if err := validateGeofenceInput(in, false); err != nil { writeProblem(w, 400, "Invalid geofence", err.Error(), r.URL.Path); return }
        gf, err := s.Store.PatchGeofence(r.Context(), pr.Company, id, in)
        if err != nil {
            if errors.Is(err, store.ErrNotFound) { writeProblem(w, 404, "Not Found", err.Error(), r.URL.Path); return }
            writeProblem(w, 500, "Update geofence failed", err.Error(), r.URL.Path)
            return
        }
        s.recordGeofence(r.Context(), pr, audit.ActionGeofenceUpdated, gf)
        writeJSON(w, 200, gf)
    case http.MethodDelete:
        gf, err := s.Store.GetGeofence(r.Context(), pr.Company, id)
        if err != nil { writeProblem(w, 404, "Not Found", err.Error(), r.URL.Path); return }
        if err := s.Store.DeleteGeofence(r.Context(), pr.Company, id); err != nil {
            writeProblem(w, 500, "Delete geofence failed", err.Error(), r.URL.Path)
            return
        }
        s.recordGeofence(r.Context(), pr, audit.ActionGeofenceDeleted, gf)
        w.WriteHeader(204)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.CompanyID == "" { req.CompanyID = p.Company }
        if req.URL == "" || len(req.Events) == 0 { writeProblem(w, 400, "Missing url or events", "", r.URL.Path); return }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil { writeProblem(w, 500, "Create subscription failed", err.Error(), r.URL.Path); return }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), p.Company, cursor, limit)
        if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// Subscription delete (admin)
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), p.Company, id); err != nil { writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path); return }
    w.WriteHeader(204)
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Company, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), p.Company, id); err != nil { writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
