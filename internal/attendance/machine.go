// Package attendance drives timesheets between ACTIVE and COMPLETED from
// geofence transitions and manual clock actions.
package attendance

import (
    "context"
    "encoding/json"
    "math"
    "time"

    "fleetledger/internal/audit"
    "fleetledger/internal/metrics"
    "fleetledger/internal/model"
    "fleetledger/internal/store"
    "fleetledger/internal/webhooks"
)

// Machine owns all Timesheet writes. The single-ACTIVE-per-driver invariant
// is enforced by the store's conditional insert, not by a read-then-write
// here, so concurrent duplicate GPS reports cannot race it open.
type Machine struct {
    Store  store.Store
    Ledger *audit.Ledger
    Pub    *webhooks.Publisher
    // Cooldown suppresses an automatic re-clock-in at a depot the driver
    // clocked out of less than Cooldown ago. Zero disables it.
    Cooldown time.Duration
    Now      func() time.Time
}

func NewMachine(s store.Store, l *audit.Ledger, pub *webhooks.Publisher, cooldown time.Duration) *Machine {
    return &Machine{Store: s, Ledger: l, Pub: pub, Cooldown: cooldown, Now: time.Now}
}

type clockDetails struct {
    DriverID     string `json:"driverId"`
    DepotID      string `json:"depotId,omitempty"`
    DepotName    string `json:"depotName,omitempty"`
    Trigger      string `json:"trigger"`
    TotalMinutes *int   `json:"totalMinutes,omitempty"`
}

// ClockIn opens a timesheet. It fails with store.ErrAlreadyClockedIn when
// the driver already has an ACTIVE timesheet anywhere.
func (a *Machine) ClockIn(ctx context.Context, companyID, driverID, depotID, depotName, lat, lon, userID string) (model.Timesheet, error) {
    ts := model.Timesheet{
        CompanyID:        companyID,
        DriverID:         driverID,
        DepotID:          depotID,
        DepotName:        depotName,
        ArrivalTime:      a.Now().UTC(),
        ArrivalLatitude:  lat,
        ArrivalLongitude: lon,
        Status:           model.TimesheetActive,
    }
    created, err := a.Store.CreateTimesheet(ctx, ts)
    if err != nil { return model.Timesheet{}, err }
    trigger := "manual"
    if userID == "" { trigger = "geofence" }
    metrics.ClockTransitions.WithLabelValues("clock_in", trigger).Inc()
    a.record(ctx, companyID, userID, audit.ActionClockIn, created.ID, clockDetails{DriverID: driverID, DepotID: depotID, DepotName: depotName, Trigger: trigger})
    if a.Pub != nil { a.Pub.Emit(ctx, companyID, webhooks.EventClockIn, created) }
    return created, nil
}

// ClockOut completes a timesheet and computes its total minutes.
func (a *Machine) ClockOut(ctx context.Context, companyID, timesheetID, lat, lon, userID string) (model.Timesheet, error) {
    ts, err := a.Store.GetTimesheet(ctx, companyID, timesheetID)
    if err != nil { return model.Timesheet{}, err }
    if ts.Status == model.TimesheetCompleted { return model.Timesheet{}, store.ErrAlreadyCompleted }
    departure := a.Now().UTC()
    total := int(math.Round(departure.Sub(ts.ArrivalTime).Seconds() / 60))
    done, err := a.Store.CompleteTimesheet(ctx, companyID, timesheetID, departure, lat, lon, total)
    if err != nil { return model.Timesheet{}, err }
    trigger := "manual"
    if userID == "" { trigger = "geofence" }
    metrics.ClockTransitions.WithLabelValues("clock_out", trigger).Inc()
    a.record(ctx, companyID, userID, audit.ActionClockOut, done.ID, clockDetails{DriverID: done.DriverID, DepotID: done.DepotID, DepotName: done.DepotName, Trigger: trigger, TotalMinutes: done.TotalMinutes})
    if a.Pub != nil { a.Pub.Emit(ctx, companyID, webhooks.EventClockOut, done) }
    return done, nil
}

// HandleEnter applies an ENTER transition. A driver already active at any
// depot is a silent no-op: passing through nested or adjacent zones must
// not stack timesheets.
func (a *Machine) HandleEnter(ctx context.Context, driverID string, sample model.LocationSample, gf model.Geofence) error {
    if a.Cooldown > 0 {
        last, err := a.Store.LastCompletedTimesheet(ctx, sample.CompanyID, driverID)
        if err == nil && last.DepotID == gf.ID && last.DepartureTime != nil &&
            a.Now().Sub(*last.DepartureTime) < a.Cooldown {
            return nil
        }
        if err != nil && err != store.ErrNotFound { return err }
    }
    _, err := a.ClockIn(ctx, sample.CompanyID, driverID, gf.ID, gf.Name, sample.Latitude, sample.Longitude, "")
    if err == store.ErrAlreadyClockedIn { return nil }
    return err
}

// HandleExit applies an EXIT transition against the depot's active
// timesheet; no-op when none is active for that depot.
func (a *Machine) HandleExit(ctx context.Context, driverID string, sample model.LocationSample, gf model.Geofence) error {
    ts, err := a.Store.ActiveTimesheetForDepot(ctx, sample.CompanyID, driverID, gf.ID)
    if err == store.ErrNotFound { return nil }
    if err != nil { return err }
    _, err = a.ClockOut(ctx, sample.CompanyID, ts.ID, sample.Latitude, sample.Longitude, "")
    if err == store.ErrAlreadyCompleted { return nil }
    return err
}

// EndOfShiftSweep clocks out every ACTIVE timesheet for the company. It is
// the expected path for drivers who finish outside any defined zone.
func (a *Machine) EndOfShiftSweep(ctx context.Context, companyID, userID string) (int, error) {
    active, err := a.Store.ListActiveTimesheets(ctx, companyID)
    if err != nil { return 0, err }
    n := 0
    for _, ts := range active {
        if _, err := a.ClockOut(ctx, companyID, ts.ID, "", "", userID); err != nil {
            if err == store.ErrAlreadyCompleted { continue }
            return n, err
        }
        n++
    }
    return n, nil
}

func (a *Machine) record(ctx context.Context, companyID, userID, action, entityID string, det clockDetails) {
    b, _ := json.Marshal(det)
    a.Ledger.Record(ctx, audit.Entry{
        CompanyID: companyID,
        UserID:    userID,
        Action:    action,
        Entity:    audit.EntityTimesheet,
        EntityID:  entityID,
        Details:   string(b),
    })
}
