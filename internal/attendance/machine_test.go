package attendance

import (
    "context"
    "testing"
    "time"

    "fleetledger/internal/audit"
    "fleetledger/internal/model"
    "fleetledger/internal/store"
)

func newTestMachine(m *store.Memory, cooldown time.Duration) *Machine {
    return NewMachine(m, audit.NewLedger(m, 0), nil, cooldown)
}

func TestClockInOutRoundTrip(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 0)
    ctx := context.Background()
    arrive := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
    mach.Now = func() time.Time { return arrive }

    ts, err := mach.ClockIn(ctx, "c1", "d1", "g1", "Depot A", "37.774900", "-122.419400", "mgr1")
    if err != nil { t.Fatalf("clock-in: %v", err) }
    if ts.Status != model.TimesheetActive { t.Fatalf("status: %s", ts.Status) }

    mach.Now = func() time.Time { return arrive.Add(95 * time.Minute) }
    done, err := mach.ClockOut(ctx, "c1", ts.ID, "37.775000", "-122.419000", "mgr1")
    if err != nil { t.Fatalf("clock-out: %v", err) }
    if done.Status != model.TimesheetCompleted { t.Fatalf("status: %s", done.Status) }
    if done.TotalMinutes == nil || *done.TotalMinutes != 95 {
        t.Fatalf("totalMinutes: %v", done.TotalMinutes)
    }
    if done.DepartureTime == nil || !done.DepartureTime.Equal(arrive.Add(95*time.Minute)) {
        t.Fatalf("departureTime: %v", done.DepartureTime)
    }

    // both transitions audited
    n, err := m.CountAuditEntries(ctx, "c1", audit.EntityTimesheet, "")
    if err != nil { t.Fatalf("count: %v", err) }
    if n != 2 { t.Fatalf("audit entries: got %d, want 2", n) }
}

func TestClockInRejectsSecondActive(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 0)
    ctx := context.Background()
    if _, err := mach.ClockIn(ctx, "c1", "d1", "g1", "A", "1", "1", "u"); err != nil { t.Fatalf("first: %v", err) }
    if _, err := mach.ClockIn(ctx, "c1", "d1", "g2", "B", "1", "1", "u"); err != store.ErrAlreadyClockedIn {
        t.Fatalf("second: got %v", err)
    }
}

func TestClockOutTwice(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 0)
    ctx := context.Background()
    ts, _ := mach.ClockIn(ctx, "c1", "d1", "g1", "A", "1", "1", "u")
    if _, err := mach.ClockOut(ctx, "c1", ts.ID, "", "", "u"); err != nil { t.Fatalf("first: %v", err) }
    if _, err := mach.ClockOut(ctx, "c1", ts.ID, "", "", "u"); err != store.ErrAlreadyCompleted {
        t.Fatalf("second: got %v", err)
    }
    if _, err := mach.ClockOut(ctx, "c1", "no-such-id", "", "", "u"); err != store.ErrNotFound {
        t.Fatalf("missing: got %v", err)
    }
}

func TestHandleEnterIsIdempotentAcrossZones(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 0)
    ctx := context.Background()
    sample := model.LocationSample{CompanyID: "c1", DriverID: "d1", Latitude: "37.774900", Longitude: "-122.419400", Timestamp: time.Now().UTC()}
    a := model.Geofence{ID: "ga", CompanyID: "c1", Name: "A"}
    b := model.Geofence{ID: "gb", CompanyID: "c1", Name: "B"}

    if err := mach.HandleEnter(ctx, "d1", sample, a); err != nil { t.Fatalf("enter a: %v", err) }
    // entering an overlapping second zone while active must not stack
    if err := mach.HandleEnter(ctx, "d1", sample, b); err != nil { t.Fatalf("enter b: %v", err) }
    active, err := m.ListActiveTimesheets(ctx, "c1")
    if err != nil { t.Fatalf("list: %v", err) }
    if len(active) != 1 { t.Fatalf("active timesheets: got %d, want 1", len(active)) }
    if active[0].DepotID != "ga" { t.Fatalf("depot: %s", active[0].DepotID) }
}

func TestHandleExitClosesOnlyMatchingDepot(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 0)
    ctx := context.Background()
    sample := model.LocationSample{CompanyID: "c1", DriverID: "d1", Latitude: "37.8", Longitude: "-122.4", Timestamp: time.Now().UTC()}
    a := model.Geofence{ID: "ga", CompanyID: "c1", Name: "A"}
    b := model.Geofence{ID: "gb", CompanyID: "c1", Name: "B"}

    if err := mach.HandleEnter(ctx, "d1", sample, a); err != nil { t.Fatalf("enter: %v", err) }
    // exit of a zone the driver never clocked into is a no-op
    if err := mach.HandleExit(ctx, "d1", sample, b); err != nil { t.Fatalf("exit b: %v", err) }
    if active, _ := m.ListActiveTimesheets(ctx, "c1"); len(active) != 1 {
        t.Fatalf("timesheet closed by unrelated exit")
    }
    if err := mach.HandleExit(ctx, "d1", sample, a); err != nil { t.Fatalf("exit a: %v", err) }
    if active, _ := m.ListActiveTimesheets(ctx, "c1"); len(active) != 0 {
        t.Fatalf("timesheet still open after exit")
    }
    // repeated exit is a no-op
    if err := mach.HandleExit(ctx, "d1", sample, a); err != nil { t.Fatalf("repeat exit: %v", err) }
}

func TestHandleEnterCooldown(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 10*time.Minute)
    ctx := context.Background()
    now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
    mach.Now = func() time.Time { return now }
    sample := model.LocationSample{CompanyID: "c1", DriverID: "d1", Latitude: "1", Longitude: "1", Timestamp: now}
    gf := model.Geofence{ID: "ga", CompanyID: "c1", Name: "A"}

    if err := mach.HandleEnter(ctx, "d1", sample, gf); err != nil { t.Fatalf("enter: %v", err) }
    now = now.Add(30 * time.Minute)
    if err := mach.HandleExit(ctx, "d1", sample, gf); err != nil { t.Fatalf("exit: %v", err) }

    // re-enter within the cooldown window: suppressed
    now = now.Add(2 * time.Minute)
    if err := mach.HandleEnter(ctx, "d1", sample, gf); err != nil { t.Fatalf("re-enter: %v", err) }
    if active, _ := m.ListActiveTimesheets(ctx, "c1"); len(active) != 0 {
        t.Fatal("cooldown not applied")
    }

    // re-enter after the window: new timesheet
    now = now.Add(15 * time.Minute)
    if err := mach.HandleEnter(ctx, "d1", sample, gf); err != nil { t.Fatalf("late re-enter: %v", err) }
    if active, _ := m.ListActiveTimesheets(ctx, "c1"); len(active) != 1 {
        t.Fatal("re-clock-in after cooldown failed")
    }
}

func TestEndOfShiftSweep(t *testing.T) {
    m := store.NewMemory()
    mach := newTestMachine(m, 0)
    ctx := context.Background()
    for _, d := range []string{"d1", "d2", "d3"} {
        if _, err := mach.ClockIn(ctx, "c1", d, "g1", "A", "1", "1", ""); err != nil { t.Fatalf("clock-in %s: %v", d, err) }
    }
    n, err := mach.EndOfShiftSweep(ctx, "c1", "mgr1")
    if err != nil { t.Fatalf("sweep: %v", err) }
    if n != 3 { t.Fatalf("closed: got %d", n) }
    if active, _ := m.ListActiveTimesheets(ctx, "c1"); len(active) != 0 {
        t.Fatalf("still active: %d", len(active))
    }
    // second sweep is a no-op
    n, err = mach.EndOfShiftSweep(ctx, "c1", "mgr1")
    if err != nil || n != 0 { t.Fatalf("second sweep: n=%d err=%v", n, err) }
}
