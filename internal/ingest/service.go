// Package ingest accepts device location reports and fans them out to the
// geofence matcher and the stagnation detector.
package ingest

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "fleetledger/internal/attendance"
    "fleetledger/internal/geo"
    "fleetledger/internal/geofence"
    "fleetledger/internal/metrics"
    "fleetledger/internal/model"
    "fleetledger/internal/stagnation"
    "fleetledger/internal/store"
)

// ErrValidation wraps malformed-input failures so the API layer can map
// them to 400 responses.
var ErrValidation = errors.New("invalid location sample")

// Service persists samples and drives the downstream evaluations in a
// fixed order: store, then geofence matching, then stagnation. Late and
// duplicate samples are accepted as-is; dedup is the matcher's and the
// detector's concern.
type Service struct {
    Store    store.Store
    Matcher  *geofence.Matcher
    Machine  *attendance.Machine
    Detector *stagnation.Detector
}

func NewService(s store.Store, m *geofence.Matcher, am *attendance.Machine, d *stagnation.Detector) *Service {
    return &Service{Store: s, Matcher: m, Machine: am, Detector: d}
}

// SampleInput is the ingest boundary payload.
type SampleInput struct {
    CompanyID string    `json:"companyId"`
    DriverID  string    `json:"driverId"`
    Latitude  string    `json:"latitude"`
    Longitude string    `json:"longitude"`
    SpeedKph  float64   `json:"speedKph"`
    Timestamp time.Time `json:"timestamp"`
}

func (in SampleInput) validate() error {
    if in.CompanyID == "" || in.DriverID == "" {
        return fmt.Errorf("%w: companyId and driverId required", ErrValidation)
    }
    if _, err := geo.ParseCoord(in.Latitude, 90); err != nil {
        return fmt.Errorf("%w: %v", ErrValidation, err)
    }
    if _, err := geo.ParseCoord(in.Longitude, 180); err != nil {
        return fmt.Errorf("%w: %v", ErrValidation, err)
    }
    if in.SpeedKph < 0 {
        return fmt.Errorf("%w: speed must be >= 0", ErrValidation)
    }
    return nil
}

// RecordLocation persists the sample and runs the matcher and detector.
// Evaluation errors are logged, not returned: a stored sample is accepted
// even when a downstream transition fails.
func (s *Service) RecordLocation(ctx context.Context, in SampleInput) (model.LocationSample, error) {
    if err := in.validate(); err != nil { return model.LocationSample{}, err }
    ts := in.Timestamp
    if ts.IsZero() { ts = time.Now().UTC() }
    sample, err := s.Store.InsertLocation(ctx, model.LocationSample{
        CompanyID: in.CompanyID,
        DriverID:  in.DriverID,
        Latitude:  in.Latitude,
        Longitude: in.Longitude,
        SpeedKph:  in.SpeedKph,
        Timestamp: ts.UTC(),
    })
    if err != nil { return model.LocationSample{}, err }
    metrics.LocationsIngested.Inc()

    events, err := s.Matcher.Evaluate(ctx, sample.CompanyID, sample.DriverID, sample)
    if err != nil {
        log.Printf("geofence evaluate failed: driver=%s: %v", sample.DriverID, err)
    }
    for _, ev := range events {
        switch ev.Type {
        case model.EventEnter:
            if err := s.Machine.HandleEnter(ctx, sample.DriverID, sample, ev.Geofence); err != nil {
                log.Printf("enter transition failed: driver=%s depot=%s: %v", sample.DriverID, ev.Geofence.ID, err)
            }
        case model.EventExit:
            if err := s.Machine.HandleExit(ctx, sample.DriverID, sample, ev.Geofence); err != nil {
                log.Printf("exit transition failed: driver=%s depot=%s: %v", sample.DriverID, ev.Geofence.ID, err)
            }
        }
    }

    if _, err := s.Detector.Check(ctx, sample.CompanyID, sample.DriverID); err != nil {
        log.Printf("stagnation check failed: driver=%s: %v", sample.DriverID, err)
    }
    return sample, nil
}
