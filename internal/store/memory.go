package store

import (
    "context"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"

    "fleetledger/internal/model"
)

// Memory is a mutex-guarded in-memory store used when no DATABASE_URL is
// set and throughout the test suite.
type Memory struct {
    mu        sync.Mutex
    locs      map[string][]model.LocationSample // company|driver -> samples, oldest first
    drivers   map[string][]string               // company -> driver keys seen
    gfs       map[string]model.Geofence         // geofenceId -> geofence
    gfsCo     map[string][]string               // company -> geofence ids
    sheets    map[string]model.Timesheet        // timesheetId -> timesheet
    sheetsCo  map[string][]string               // company -> timesheet ids, insertion order
    alerts    map[string]model.StagnationAlert  // alertId -> alert
    alertsCo  map[string][]string               // company -> alert ids
    audit     map[string][]model.AuditLogEntry  // company -> chain, insertion order
    subs      map[string][]model.Subscription   // company -> subscriptions
    deliveries map[string]*memDelivery          // id -> delivery state
    deliveriesCo map[string][]string            // company -> delivery ids
}

func NewMemory() *Memory {
    return &Memory{
        locs: map[string][]model.LocationSample{},
        drivers: map[string][]string{},
        gfs: map[string]model.Geofence{},
        gfsCo: map[string][]string{},
        sheets: map[string]model.Timesheet{},
        sheetsCo: map[string][]string{},
        alerts: map[string]model.StagnationAlert{},
        alertsCo: map[string][]string{},
        audit: map[string][]model.AuditLogEntry{},
        subs: map[string][]model.Subscription{},
        deliveries: map[string]*memDelivery{},
        deliveriesCo: map[string][]string{},
    }
}

type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func locKey(companyID, driverID string) string { return companyID + "|" + driverID }

// Locations

func (m *Memory) InsertLocation(ctx context.Context, s model.LocationSample) (model.LocationSample, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if s.ID == "" { s.ID = uuid.New().String() }
    k := locKey(s.CompanyID, s.DriverID)
    if _, seen := m.locs[k]; !seen { m.drivers[s.CompanyID] = append(m.drivers[s.CompanyID], k) }
    lst := append(m.locs[k], s)
    // keep per-driver samples ordered by timestamp; late reports slot in place
    sort.SliceStable(lst, func(i, j int) bool { return lst[i].Timestamp.Before(lst[j].Timestamp) })
    m.locs[k] = lst
    return s, nil
}

func (m *Memory) RecentLocations(ctx context.Context, companyID, driverID string, limit int) ([]model.LocationSample, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    lst := m.locs[locKey(companyID, driverID)]
    if limit <= 0 || limit > len(lst) { limit = len(lst) }
    out := make([]model.LocationSample, 0, limit)
    for i := len(lst) - 1; i >= 0 && len(out) < limit; i-- {
        out = append(out, lst[i])
    }
    return out, nil
}

func (m *Memory) LatestDriverLocations(ctx context.Context, companyID string) ([]model.LocationSample, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.LocationSample{}
    for _, k := range m.drivers[companyID] {
        lst := m.locs[k]
        if len(lst) > 0 { out = append(out, lst[len(lst)-1]) }
    }
    return out, nil
}

func (m *Memory) MarkLocationStagnant(ctx context.Context, companyID, sampleID string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, k := range m.drivers[companyID] {
        lst := m.locs[k]
        for i := range lst {
            if lst[i].ID == sampleID { lst[i].IsStagnant = true; return nil }
        }
    }
    return ErrNotFound
}

// Geofences

func (m *Memory) CreateGeofence(ctx context.Context, companyID string, in model.GeofenceInput) (model.Geofence, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    gf := model.Geofence{ID: uuid.New().String(), CompanyID: companyID, Name: in.Name, Latitude: in.Latitude, Longitude: in.Longitude, RadiusMeters: in.RadiusMeters, Active: true}
    if in.Active != nil { gf.Active = *in.Active }
    m.gfs[gf.ID] = gf
    m.gfsCo[companyID] = append(m.gfsCo[companyID], gf.ID)
    return gf, nil
}

func (m *Memory) GetGeofence(ctx context.Context, companyID, id string) (model.Geofence, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    gf, ok := m.gfs[id]
    if !ok || gf.CompanyID != companyID { return model.Geofence{}, ErrNotFound }
    return gf, nil
}

func (m *Memory) ListGeofences(ctx context.Context, companyID, cursor string, limit int) ([]model.Geofence, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.gfsCo[companyID]
    start := 0
    if cursor != "" {
        for i, id := range ids { if id == cursor { start = i + 1; break } }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Geofence{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        out = append(out, m.gfs[ids[i]])
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) ActiveGeofences(ctx context.Context, companyID string) ([]model.Geofence, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Geofence{}
    for _, id := range m.gfsCo[companyID] {
        if gf := m.gfs[id]; gf.Active { out = append(out, gf) }
    }
    return out, nil
}

func (m *Memory) PatchGeofence(ctx context.Context, companyID, id string, in model.GeofenceInput) (model.Geofence, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    gf, ok := m.gfs[id]
    if !ok || gf.CompanyID != companyID { return model.Geofence{}, ErrNotFound }
    if in.Name != "" { gf.Name = in.Name }
    if in.Latitude != "" { gf.Latitude = in.Latitude }
    if in.Longitude != "" { gf.Longitude = in.Longitude }
    if in.RadiusMeters != 0 { gf.RadiusMeters = in.RadiusMeters }
    if in.Active != nil { gf.Active = *in.Active }
    m.gfs[id] = gf
    return gf, nil
}

func (m *Memory) DeleteGeofence(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    gf, ok := m.gfs[id]
    if !ok || gf.CompanyID != companyID { return ErrNotFound }
    delete(m.gfs, id)
    ids := m.gfsCo[companyID]
    out := make([]string, 0, len(ids))
    for _, v := range ids { if v != id { out = append(out, v) } }
    m.gfsCo[companyID] = out
    return nil
}

// Timesheets

func (m *Memory) CreateTimesheet(ctx context.Context, ts model.Timesheet) (model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    // single-ACTIVE guard, checked under the same lock as the insert
    for _, id := range m.sheetsCo[ts.CompanyID] {
        cur := m.sheets[id]
        if cur.DriverID == ts.DriverID && cur.Status == model.TimesheetActive {
            return model.Timesheet{}, ErrAlreadyClockedIn
        }
    }
    if ts.ID == "" { ts.ID = uuid.New().String() }
    ts.Status = model.TimesheetActive
    m.sheets[ts.ID] = ts
    m.sheetsCo[ts.CompanyID] = append(m.sheetsCo[ts.CompanyID], ts.ID)
    return ts, nil
}

func (m *Memory) GetTimesheet(ctx context.Context, companyID, id string) (model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ts, ok := m.sheets[id]
    if !ok || ts.CompanyID != companyID { return model.Timesheet{}, ErrNotFound }
    return ts, nil
}

func (m *Memory) ActiveTimesheet(ctx context.Context, companyID, driverID string) (model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, id := range m.sheetsCo[companyID] {
        ts := m.sheets[id]
        if ts.DriverID == driverID && ts.Status == model.TimesheetActive { return ts, nil }
    }
    return model.Timesheet{}, ErrNotFound
}

func (m *Memory) ActiveTimesheetForDepot(ctx context.Context, companyID, driverID, depotID string) (model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, id := range m.sheetsCo[companyID] {
        ts := m.sheets[id]
        if ts.DriverID == driverID && ts.DepotID == depotID && ts.Status == model.TimesheetActive { return ts, nil }
    }
    return model.Timesheet{}, ErrNotFound
}

func (m *Memory) CompleteTimesheet(ctx context.Context, companyID, id string, departure time.Time, lat, lon string, totalMinutes int) (model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ts, ok := m.sheets[id]
    if !ok || ts.CompanyID != companyID { return model.Timesheet{}, ErrNotFound }
    if ts.Status == model.TimesheetCompleted { return model.Timesheet{}, ErrAlreadyCompleted }
    dep := departure
    ts.DepartureTime = &dep
    ts.DepartureLatitude = lat
    ts.DepartureLongitude = lon
    tm := totalMinutes
    ts.TotalMinutes = &tm
    ts.Status = model.TimesheetCompleted
    m.sheets[id] = ts
    return ts, nil
}

func (m *Memory) ListTimesheets(ctx context.Context, companyID string, f model.TimesheetFilter) ([]model.Timesheet, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.sheetsCo[companyID]
    start := 0
    if f.Cursor != "" {
        for i, id := range ids { if id == f.Cursor { start = i + 1; break } }
    }
    limit := f.Limit
    if limit <= 0 { limit = 100 }
    out := []model.Timesheet{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        ts := m.sheets[ids[i]]
        if f.DriverID != "" && ts.DriverID != f.DriverID { continue }
        if f.Status != "" && !strings.EqualFold(ts.Status, f.Status) { continue }
        if !f.From.IsZero() && ts.ArrivalTime.Before(f.From) { continue }
        if !f.To.IsZero() && ts.ArrivalTime.After(f.To) { continue }
        out = append(out, ts)
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) ListActiveTimesheets(ctx context.Context, companyID string) ([]model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Timesheet{}
    for _, id := range m.sheetsCo[companyID] {
        if ts := m.sheets[id]; ts.Status == model.TimesheetActive { out = append(out, ts) }
    }
    return out, nil
}

func (m *Memory) LastCompletedTimesheet(ctx context.Context, companyID, driverID string) (model.Timesheet, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var found model.Timesheet
    ok := false
    for _, id := range m.sheetsCo[companyID] {
        ts := m.sheets[id]
        if ts.DriverID != driverID || ts.Status != model.TimesheetCompleted || ts.DepartureTime == nil { continue }
        if !ok || ts.DepartureTime.After(*found.DepartureTime) { found = ts; ok = true }
    }
    if !ok { return model.Timesheet{}, ErrNotFound }
    return found, nil
}

// Stagnation alerts

func (m *Memory) CreateStagnationAlert(ctx context.Context, a model.StagnationAlert) (model.StagnationAlert, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if a.ID == "" { a.ID = uuid.New().String() }
    a.Status = model.AlertActive
    m.alerts[a.ID] = a
    m.alertsCo[a.CompanyID] = append(m.alertsCo[a.CompanyID], a.ID)
    return a, nil
}

func (m *Memory) ActiveStagnationAlert(ctx context.Context, companyID, driverID string) (model.StagnationAlert, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, id := range m.alertsCo[companyID] {
        a := m.alerts[id]
        if a.DriverID == driverID && a.Status == model.AlertActive { return a, nil }
    }
    return model.StagnationAlert{}, ErrNotFound
}

func (m *Memory) ResolveStagnationAlert(ctx context.Context, companyID, id string, at time.Time) (model.StagnationAlert, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    a, ok := m.alerts[id]
    if !ok || a.CompanyID != companyID { return model.StagnationAlert{}, ErrNotFound }
    if a.Status != model.AlertResolved {
        a.Status = model.AlertResolved
        t := at
        a.ResolvedAt = &t
        m.alerts[id] = a
    }
    return a, nil
}

func (m *Memory) ListStagnationAlerts(ctx context.Context, companyID, status, cursor string, limit int) ([]model.StagnationAlert, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.alertsCo[companyID]
    start := 0
    if cursor != "" {
        for i, id := range ids { if id == cursor { start = i + 1; break } }
    }
    if limit <= 0 { limit = 100 }
    out := []model.StagnationAlert{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        a := m.alerts[ids[i]]
        if status != "" && !strings.EqualFold(a.Status, status) { continue }
        out = append(out, a)
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

// Audit chain

func (m *Memory) LastAuditEntry(ctx context.Context, companyID string) (model.AuditLogEntry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    chain := m.audit[companyID]
    if len(chain) == 0 { return model.AuditLogEntry{}, ErrNotFound }
    return chain[len(chain)-1], nil
}

func (m *Memory) InsertAuditEntry(ctx context.Context, e model.AuditLogEntry) (model.AuditLogEntry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if e.ID == "" { e.ID = uuid.New().String() }
    e.Seq = int64(len(m.audit[e.CompanyID]) + 1)
    m.audit[e.CompanyID] = append(m.audit[e.CompanyID], e)
    return e, nil
}

func (m *Memory) ListAuditEntries(ctx context.Context, companyID string, f model.AuditFilter) ([]model.AuditLogEntry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    limit := f.Limit
    if limit <= 0 { limit = 100 }
    out := []model.AuditLogEntry{}
    skipped := 0
    chain := m.audit[companyID]
    // newest first for the manager view
    for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
        e := chain[i]
        if f.Entity != "" && e.Entity != f.Entity { continue }
        if f.Action != "" && e.Action != f.Action { continue }
        if skipped < f.Offset { skipped++; continue }
        out = append(out, e)
    }
    return out, nil
}

func (m *Memory) CountAuditEntries(ctx context.Context, companyID, entity, action string) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    n := 0
    for _, e := range m.audit[companyID] {
        if entity != "" && e.Entity != entity { continue }
        if action != "" && e.Action != action { continue }
        n++
    }
    return n, nil
}

func (m *Memory) WalkAuditChain(ctx context.Context, companyID string, limit int) ([]model.AuditLogEntry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    chain := m.audit[companyID]
    if limit > 0 && limit < len(chain) { chain = chain[:limit] }
    return append([]model.AuditLogEntry(nil), chain...), nil
}

// TamperAuditEntry mutates a stored entry in place. It exists for integrity
// tests only; production code never updates audit rows.
func (m *Memory) TamperAuditEntry(companyID string, seq int64, mutate func(*model.AuditLogEntry)) bool {
    m.mu.Lock(); defer m.mu.Unlock()
    chain := m.audit[companyID]
    for i := range chain {
        if chain[i].Seq == seq { mutate(&chain[i]); return true }
    }
    return false
}

// Webhook subscriptions & deliveries

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), CompanyID: req.CompanyID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.CompanyID] = append(m.subs[req.CompanyID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, companyID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[companyID] {
        for _, e := range s.Events { if e == eventType { out = append(out, s); break } }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    list := m.subs[companyID]
    start := 0
    if cursor != "" {
        for i := range list { if list[i].ID == cursor { start = i + 1; break } }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(list) { end = len(list) }
    items := append([]model.Subscription(nil), list[start:end]...)
    next := ""
    if end < len(list) { next = list[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    arr := m.subs[companyID]
    out := make([]model.Subscription, 0, len(arr))
    for _, s := range arr { if s.ID != id { out = append(out, s) } }
    m.subs[companyID] = out
    return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, companyID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, CompanyID: companyID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.deliveriesCo[companyID] = append(m.deliveriesCo[companyID], id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, ids := range m.deliveriesCo {
        for _, id := range ids {
            d := m.deliveries[id]
            if d == nil { continue }
            if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
                out = append(out, d.WebhookDelivery)
                if limit > 0 && len(out) >= limit { return out, nil }
            }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if d := m.deliveries[id]; d != nil {
        d.Status = "failed"
        d.LastError = lastError
        d.ResponseCode = responseCode
        d.LatencyMs = latencyMs
    }
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.deliveriesCo[companyID] {
        d := m.deliveries[id]
        if d == nil { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            out = append(out, item)
        }
    }
    return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, companyID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil && d.CompanyID == companyID {
        d.Status = "pending"
        d.NextAttemptAt = time.Now()
    }
    return nil
}
