package geofence

import (
    "context"
    "testing"
    "time"

    "fleetledger/internal/model"
    "fleetledger/internal/store"
)

func seedFence(t *testing.T, s store.Store, name, lat, lon string, radius int) model.Geofence {
    t.Helper()
    gf, err := s.CreateGeofence(context.Background(), "c1", model.GeofenceInput{Name: name, Latitude: lat, Longitude: lon, RadiusMeters: radius})
    if err != nil { t.Fatalf("seed geofence: %v", err) }
    return gf
}

func sampleAt(lat, lon string) model.LocationSample {
    return model.LocationSample{CompanyID: "c1", DriverID: "d1", Latitude: lat, Longitude: lon, Timestamp: time.Now().UTC()}
}

func TestEvaluateEnterAndExit(t *testing.T) {
    s := store.NewMemory()
    m := NewMatcher(s)
    ctx := context.Background()
    gf := seedFence(t, s, "Depot A", "37.774900", "-122.419400", 150)

    // inside, no timesheet -> ENTER
    evts, err := m.Evaluate(ctx, "c1", "d1", sampleAt("37.775000", "-122.419300"))
    if err != nil { t.Fatalf("evaluate: %v", err) }
    if len(evts) != 1 || evts[0].Type != model.EventEnter || evts[0].Geofence.ID != gf.ID {
        t.Fatalf("got %+v", evts)
    }

    // simulate the clock-in the machine would perform
    if _, err := s.CreateTimesheet(ctx, model.Timesheet{CompanyID: "c1", DriverID: "d1", DepotID: gf.ID, ArrivalTime: time.Now().UTC()}); err != nil {
        t.Fatalf("timesheet: %v", err)
    }

    // still inside, has timesheet -> nothing (idempotent)
    evts, err = m.Evaluate(ctx, "c1", "d1", sampleAt("37.774950", "-122.419350"))
    if err != nil { t.Fatalf("evaluate: %v", err) }
    if len(evts) != 0 { t.Fatalf("repeat inside should be silent, got %+v", evts) }

    // far away, has timesheet -> EXIT
    evts, err = m.Evaluate(ctx, "c1", "d1", sampleAt("37.790000", "-122.400000"))
    if err != nil { t.Fatalf("evaluate: %v", err) }
    if len(evts) != 1 || evts[0].Type != model.EventExit {
        t.Fatalf("got %+v", evts)
    }
}

func TestEvaluateOutsideNoTimesheetIsSilent(t *testing.T) {
    s := store.NewMemory()
    m := NewMatcher(s)
    seedFence(t, s, "Depot A", "37.774900", "-122.419400", 100)
    evts, err := m.Evaluate(context.Background(), "c1", "d1", sampleAt("37.800000", "-122.300000"))
    if err != nil { t.Fatalf("evaluate: %v", err) }
    if len(evts) != 0 { t.Fatalf("got %+v", evts) }
}

func TestEvaluateIgnoresInactiveAndBrokenFences(t *testing.T) {
    s := store.NewMemory()
    m := NewMatcher(s)
    ctx := context.Background()
    inactive := false
    if _, err := s.CreateGeofence(ctx, "c1", model.GeofenceInput{Name: "Off", Latitude: "37.774900", Longitude: "-122.419400", RadiusMeters: 500, Active: &inactive}); err != nil {
        t.Fatalf("create: %v", err)
    }
    seedFence(t, s, "Broken", "not-a-number", "-122.419400", 500)
    evts, err := m.Evaluate(ctx, "c1", "d1", sampleAt("37.774900", "-122.419400"))
    if err != nil { t.Fatalf("evaluate: %v", err) }
    if len(evts) != 0 { t.Fatalf("inactive/broken fences matched: %+v", evts) }
}

func TestEvaluateOverlappingZones(t *testing.T) {
    s := store.NewMemory()
    m := NewMatcher(s)
    // two zones covering the same point
    a := seedFence(t, s, "A", "37.774900", "-122.419400", 300)
    b := seedFence(t, s, "B", "37.775100", "-122.419100", 300)
    evts, err := m.Evaluate(context.Background(), "c1", "d1", sampleAt("37.774950", "-122.419300"))
    if err != nil { t.Fatalf("evaluate: %v", err) }
    if len(evts) != 2 { t.Fatalf("want one ENTER per zone, got %+v", evts) }
    seen := map[string]bool{}
    for _, e := range evts {
        if e.Type != model.EventEnter { t.Fatalf("got %s", e.Type) }
        seen[e.Geofence.ID] = true
    }
    if !seen[a.ID] || !seen[b.ID] { t.Fatalf("missing zone events: %+v", seen) }
}
