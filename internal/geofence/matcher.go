// Package geofence matches location samples against a company's active
// zones and emits enter/exit transitions.
package geofence

import (
    "context"

    "fleetledger/internal/geo"
    "fleetledger/internal/metrics"
    "fleetledger/internal/model"
    "fleetledger/internal/store"
)

// Matcher compares a sample's membership in each active geofence against
// the driver's current timesheet state. It is a pure comparison against
// current store state; re-evaluating an unchanged sample emits nothing.
type Matcher struct {
    Store store.Store
}

func NewMatcher(s store.Store) *Matcher {
    return &Matcher{Store: s}
}

// Evaluate returns one event per geofence whose membership disagrees with
// the timesheet state for that depot. A driver inside several overlapping
// zones yields one ENTER per newly-matched zone; the attendance machine,
// not the matcher, collapses those to a single active timesheet.
func (m *Matcher) Evaluate(ctx context.Context, companyID, driverID string, sample model.LocationSample) ([]model.GeofenceEvent, error) {
    fences, err := m.Store.ActiveGeofences(ctx, companyID)
    if err != nil { return nil, err }
    events := []model.GeofenceEvent{}
    for _, gf := range fences {
        dist, err := geo.DistanceBetween(sample.Latitude, sample.Longitude, gf.Latitude, gf.Longitude)
        if err != nil {
            // a geofence with broken coordinates never matches
            continue
        }
        inside := dist <= float64(gf.RadiusMeters)
        _, err = m.Store.ActiveTimesheetForDepot(ctx, companyID, driverID, gf.ID)
        hasSheet := err == nil
        if err != nil && err != store.ErrNotFound { return nil, err }
        switch {
        case inside && !hasSheet:
            events = append(events, model.GeofenceEvent{Type: model.EventEnter, Geofence: gf})
            metrics.GeofenceEvents.WithLabelValues(model.EventEnter).Inc()
        case !inside && hasSheet:
            events = append(events, model.GeofenceEvent{Type: model.EventExit, Geofence: gf})
            metrics.GeofenceEvents.WithLabelValues(model.EventExit).Inc()
        }
    }
    return events, nil
}
