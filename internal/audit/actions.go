package audit

// Actions recorded by the core. External collaborators (user management,
// settings, defect workflows) append their own action names through the
// same ledger.
const (
    ActionClockIn             = "CLOCK_IN"
    ActionClockOut            = "CLOCK_OUT"
    ActionStagnationRaised    = "STAGNATION_ALERT_RAISED"
    ActionStagnationResolved  = "STAGNATION_ALERT_RESOLVED"
    ActionGeofenceCreated     = "GEOFENCE_CREATED"
    ActionGeofenceUpdated     = "GEOFENCE_UPDATED"
    ActionGeofenceDeleted     = "GEOFENCE_DELETED"
)

// Entities referenced by core entries.
const (
    EntityTimesheet       = "timesheet"
    EntityStagnationAlert = "stagnation_alert"
    EntityGeofence        = "geofence"
)
