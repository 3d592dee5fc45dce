package model

import "time"

// Timesheet status values.
const (
    TimesheetActive    = "ACTIVE"
    TimesheetCompleted = "COMPLETED"
)

// Stagnation alert status values.
const (
    AlertActive   = "ACTIVE"
    AlertResolved = "RESOLVED"
)

// GenesisHash is the previousHash sentinel for the first audit entry of a company.
const GenesisHash = "GENESIS"

// LocationSample is one device GPS report. Coordinates are kept as the
// fixed-precision decimal strings the device sent; they are parsed to
// float64 only for distance computation.
type LocationSample struct {
    ID         string    `json:"id"`
    CompanyID  string    `json:"companyId"`
    DriverID   string    `json:"driverId"`
    Latitude   string    `json:"latitude"`
    Longitude  string    `json:"longitude"`
    SpeedKph   float64   `json:"speedKph"`
    Timestamp  time.Time `json:"timestamp"`
    IsStagnant bool      `json:"isStagnant,omitempty"`
}

// Geofence is a circular depot zone. Created by the manager UI; the core
// only reads it during matching.
type Geofence struct {
    ID           string `json:"id"`
    CompanyID    string `json:"companyId"`
    Name         string `json:"name"`
    Latitude     string `json:"latitude"`
    Longitude    string `json:"longitude"`
    RadiusMeters int    `json:"radiusMeters"`
    Active       bool   `json:"active"`
}

// GeofenceInput is the create/patch payload for a geofence.
type GeofenceInput struct {
    Name         string `json:"name,omitempty"`
    Latitude     string `json:"latitude,omitempty"`
    Longitude    string `json:"longitude,omitempty"`
    RadiusMeters int    `json:"radiusMeters,omitempty"`
    Active       *bool  `json:"active,omitempty"`
}

// Timesheet records one continuous attendance interval at a depot.
// At most one ACTIVE timesheet may exist per (companyId, driverId).
type Timesheet struct {
    ID                 string     `json:"id"`
    CompanyID          string     `json:"companyId"`
    DriverID           string     `json:"driverId"`
    DepotID            string     `json:"depotId"`
    DepotName          string     `json:"depotName"`
    ArrivalTime        time.Time  `json:"arrivalTime"`
    ArrivalLatitude    string     `json:"arrivalLatitude"`
    ArrivalLongitude   string     `json:"arrivalLongitude"`
    DepartureTime      *time.Time `json:"departureTime,omitempty"`
    DepartureLatitude  string     `json:"departureLatitude,omitempty"`
    DepartureLongitude string     `json:"departureLongitude,omitempty"`
    TotalMinutes       *int       `json:"totalMinutes,omitempty"`
    Status             string     `json:"status"`
}

// TimesheetFilter narrows ListTimesheets.
type TimesheetFilter struct {
    DriverID string
    Status   string
    From     time.Time
    To       time.Time
    Cursor   string
    Limit    int
}

// StagnationAlert flags prolonged immobility of a driver.
type StagnationAlert struct {
    ID                        string     `json:"id"`
    CompanyID                 string     `json:"companyId"`
    DriverID                  string     `json:"driverId"`
    Latitude                  string     `json:"latitude"`
    Longitude                 string     `json:"longitude"`
    StagnationStartTime       time.Time  `json:"stagnationStartTime"`
    StagnationDurationMinutes int        `json:"stagnationDurationMinutes"`
    Status                    string     `json:"status"`
    ResolvedAt                *time.Time `json:"resolvedAt,omitempty"`
}

// AuditLogEntry is one link in a company's hash chain. Entries are
// append-only; previousHash of entry n equals currentHash of entry n-1.
type AuditLogEntry struct {
    ID           string    `json:"id"`
    Seq          int64     `json:"seq"`
    CompanyID    string    `json:"companyId"`
    UserID       string    `json:"userId,omitempty"`
    Action       string    `json:"action"`
    Entity       string    `json:"entity"`
    EntityID     string    `json:"entityId,omitempty"`
    Details      string    `json:"details"`
    IPAddress    string    `json:"ipAddress,omitempty"`
    UserAgent    string    `json:"userAgent,omitempty"`
    PreviousHash string    `json:"previousHash"`
    CurrentHash  string    `json:"currentHash"`
    CreatedAt    time.Time `json:"createdAt"`
}

// AuditFilter narrows ListAuditEntries.
type AuditFilter struct {
    Entity string
    Action string
    Limit  int
    Offset int
}

// VerifyResult is the report produced by a full chain walk.
type VerifyResult struct {
    Valid              bool     `json:"valid"`
    TotalEntries       int      `json:"totalEntries"`
    FirstTamperedEntry *int64   `json:"firstTamperedEntry,omitempty"`
    Errors             []string `json:"errors"`
}

// Geofence event types emitted by the matcher.
const (
    EventEnter = "ENTER"
    EventExit  = "EXIT"
)

// GeofenceEvent is an enter/exit transition for one geofence.
type GeofenceEvent struct {
    Type     string   `json:"type"`
    Geofence Geofence `json:"geofence"`
}

// Subscription registers a webhook endpoint for company events.
type Subscription struct {
    ID        string   `json:"id"`
    CompanyID string   `json:"companyId"`
    URL       string   `json:"url"`
    Events    []string `json:"events"`
    Secret    string   `json:"secret,omitempty"`
}

// SubscriptionRequest is the create payload for a subscription.
type SubscriptionRequest struct {
    CompanyID string   `json:"companyId"`
    URL       string   `json:"url"`
    Events    []string `json:"events"`
    Secret    string   `json:"secret"`
}
