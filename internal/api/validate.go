package api

import (
	"context"
	"fmt"

	"fleetledger/internal/audit"
	"fleetledger/internal/geo"
	"fleetledger/internal/model"
)

func validateGeofenceInput(in model.GeofenceInput, create bool) error {
	if create {
		if in.Name == "" {
			return fmt.Errorf("name required")
		}
		if in.Latitude == "" || in.Longitude == "" {
			return fmt.Errorf("latitude and longitude required")
		}
		if in.RadiusMeters <= 0 {
			return fmt.Errorf("radiusMeters must be > 0")
		}
	}
	if in.Latitude != "" {
		if _, err := geo.ParseCoord(in.Latitude, 90); err != nil {
			return err
		}
	}
	if in.Longitude != "" {
		if _, err := geo.ParseCoord(in.Longitude, 180); err != nil {
			return err
		}
	}
	if !create && in.RadiusMeters < 0 {
		return fmt.Errorf("radiusMeters must be > 0")
	}
	return nil
}

// userOf picks the acting user for audit attribution.
func userOf(p Principal) string {
	if p.DriverID != "" {
		return p.DriverID
	}
	return p.Role
}

func (s *Server) recordGeofence(ctx context.Context, p Principal, action string, gf model.Geofence) {
	s.Ledger.Record(ctx, audit.Entry{
		CompanyID: p.Company,
		UserID:    userOf(p),
		Action:    action,
		Entity:    audit.EntityGeofence,
		EntityID:  gf.ID,
		Details:   fmt.Sprintf(`{"name":%q,"radiusMeters":%d}`, gf.Name, gf.RadiusMeters),
	})
}
