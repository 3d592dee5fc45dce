// Package stagnation inspects a driver's recent location trail for
// prolonged immobility.
package stagnation

import (
    "context"
    "encoding/json"
    "time"

    "fleetledger/internal/audit"
    "fleetledger/internal/metrics"
    "fleetledger/internal/model"
    "fleetledger/internal/store"
    "fleetledger/internal/webhooks"
)

// Detector raises one ACTIVE alert per driver when the trail shows no
// displacement and zero speed across the whole window. The window is
// sample-count based; with the default 5-minute reporting cadence seven
// samples cover roughly half an hour.
type Detector struct {
    Store  store.Store
    Ledger *audit.Ledger
    Pub    *webhooks.Publisher
    // Window is the number of recent samples inspected (default 7).
    Window int
    // IntervalMinutes is the assumed reporting cadence, used only for the
    // reported duration when sample timestamps are missing context.
    IntervalMinutes int
    Now             func() time.Time
}

func NewDetector(s store.Store, l *audit.Ledger, pub *webhooks.Publisher, window, intervalMinutes int) *Detector {
    if window <= 1 { window = 7 }
    if intervalMinutes <= 0 { intervalMinutes = 5 }
    return &Detector{Store: s, Ledger: l, Pub: pub, Window: window, IntervalMinutes: intervalMinutes, Now: time.Now}
}

// Check evaluates the driver's trail after a new sample. It is idempotent:
// once the newest sample of a stagnant run is marked, re-evaluation of the
// same run creates no second alert.
func (d *Detector) Check(ctx context.Context, companyID, driverID string) (*model.StagnationAlert, error) {
    samples, err := d.Store.RecentLocations(ctx, companyID, driverID, d.Window)
    if err != nil { return nil, err }
    if len(samples) < d.Window-1 { return nil, nil }

    newest := samples[0]
    oldest := samples[len(samples)-1]
    // coordinates are compared as the stored decimal strings: "identical"
    // means the device reported the exact same fix, not merely a nearby one
    if newest.Latitude != oldest.Latitude || newest.Longitude != oldest.Longitude { return nil, nil }
    if newest.SpeedKph != 0 { return nil, nil }
    if newest.IsStagnant { return nil, nil }
    if _, err := d.Store.ActiveStagnationAlert(ctx, companyID, driverID); err == nil {
        // already flagged for this run; keep the newest sample marked so the
        // next report short-circuits
        _ = d.Store.MarkLocationStagnant(ctx, companyID, newest.ID)
        return nil, nil
    } else if err != store.ErrNotFound {
        return nil, err
    }

    now := d.Now().UTC()
    alert := model.StagnationAlert{
        CompanyID:                 companyID,
        DriverID:                  driverID,
        Latitude:                  newest.Latitude,
        Longitude:                 newest.Longitude,
        StagnationStartTime:       oldest.Timestamp,
        StagnationDurationMinutes: int(now.Sub(oldest.Timestamp).Minutes()),
        Status:                    model.AlertActive,
    }
    created, err := d.Store.CreateStagnationAlert(ctx, alert)
    if err != nil { return nil, err }
    if err := d.Store.MarkLocationStagnant(ctx, companyID, newest.ID); err != nil && err != store.ErrNotFound {
        return nil, err
    }
    metrics.StagnationAlerts.WithLabelValues("raised").Inc()
    d.recordAlert(ctx, created, audit.ActionStagnationRaised)
    if d.Pub != nil { d.Pub.Emit(ctx, companyID, webhooks.EventStagnationRaised, created) }
    return &created, nil
}

// Resolve marks an alert RESOLVED. Triggered by a manager or a scheduled
// sweep once movement resumes; the detector itself never resolves.
func (d *Detector) Resolve(ctx context.Context, companyID, alertID, userID string) (model.StagnationAlert, error) {
    a, err := d.Store.ResolveStagnationAlert(ctx, companyID, alertID, d.Now().UTC())
    if err != nil { return model.StagnationAlert{}, err }
    metrics.StagnationAlerts.WithLabelValues("resolved").Inc()
    b, _ := json.Marshal(map[string]string{"driverId": a.DriverID})
    d.Ledger.Record(ctx, audit.Entry{
        CompanyID: companyID,
        UserID:    userID,
        Action:    audit.ActionStagnationResolved,
        Entity:    audit.EntityStagnationAlert,
        EntityID:  a.ID,
        Details:   string(b),
    })
    if d.Pub != nil { d.Pub.Emit(ctx, companyID, webhooks.EventStagnationResolved, a) }
    return a, nil
}

func (d *Detector) recordAlert(ctx context.Context, a model.StagnationAlert, action string) {
    det := map[string]any{
        "driverId":        a.DriverID,
        "latitude":        a.Latitude,
        "longitude":       a.Longitude,
        "durationMinutes": a.StagnationDurationMinutes,
    }
    b, _ := json.Marshal(det)
    d.Ledger.Record(ctx, audit.Entry{
        CompanyID: a.CompanyID,
        Action:    action,
        Entity:    audit.EntityStagnationAlert,
        EntityID:  a.ID,
        Details:   string(b),
    })
}
