package store

import (
    "context"
    "errors"
    "time"

    "fleetledger/internal/model"
)

// Store is the persistence interface shared by the API server and the
// domain services. All reads and writes are scoped by companyID; the
// database is the only serialization point between workers.
type Store interface {
    // Location samples
    InsertLocation(ctx context.Context, s model.LocationSample) (model.LocationSample, error)
    RecentLocations(ctx context.Context, companyID, driverID string, limit int) ([]model.LocationSample, error)
    LatestDriverLocations(ctx context.Context, companyID string) ([]model.LocationSample, error)
    MarkLocationStagnant(ctx context.Context, companyID, sampleID string) error

    // Geofences
    CreateGeofence(ctx context.Context, companyID string, in model.GeofenceInput) (model.Geofence, error)
    GetGeofence(ctx context.Context, companyID, id string) (model.Geofence, error)
    ListGeofences(ctx context.Context, companyID, cursor string, limit int) ([]model.Geofence, string, error)
    ActiveGeofences(ctx context.Context, companyID string) ([]model.Geofence, error)
    PatchGeofence(ctx context.Context, companyID, id string, in model.GeofenceInput) (model.Geofence, error)
    DeleteGeofence(ctx context.Context, companyID, id string) error

    // Timesheets. CreateTimesheet must reject a second ACTIVE timesheet for
    // the same (companyId, driverId) atomically, even under concurrent
    // duplicate GPS reports.
    CreateTimesheet(ctx context.Context, ts model.Timesheet) (model.Timesheet, error)
    GetTimesheet(ctx context.Context, companyID, id string) (model.Timesheet, error)
    ActiveTimesheet(ctx context.Context, companyID, driverID string) (model.Timesheet, error)
    ActiveTimesheetForDepot(ctx context.Context, companyID, driverID, depotID string) (model.Timesheet, error)
    CompleteTimesheet(ctx context.Context, companyID, id string, departure time.Time, lat, lon string, totalMinutes int) (model.Timesheet, error)
    ListTimesheets(ctx context.Context, companyID string, f model.TimesheetFilter) ([]model.Timesheet, string, error)
    ListActiveTimesheets(ctx context.Context, companyID string) ([]model.Timesheet, error)
    LastCompletedTimesheet(ctx context.Context, companyID, driverID string) (model.Timesheet, error)

    // Stagnation alerts
    CreateStagnationAlert(ctx context.Context, a model.StagnationAlert) (model.StagnationAlert, error)
    ActiveStagnationAlert(ctx context.Context, companyID, driverID string) (model.StagnationAlert, error)
    ResolveStagnationAlert(ctx context.Context, companyID, id string, at time.Time) (model.StagnationAlert, error)
    ListStagnationAlerts(ctx context.Context, companyID, status, cursor string, limit int) ([]model.StagnationAlert, string, error)

    // Audit chain. InsertAuditEntry assigns the per-company sequence;
    // WalkAuditChain returns entries in insertion order.
    LastAuditEntry(ctx context.Context, companyID string) (model.AuditLogEntry, error)
    InsertAuditEntry(ctx context.Context, e model.AuditLogEntry) (model.AuditLogEntry, error)
    ListAuditEntries(ctx context.Context, companyID string, f model.AuditFilter) ([]model.AuditLogEntry, error)
    CountAuditEntries(ctx context.Context, companyID, entity, action string) (int, error)
    WalkAuditChain(ctx context.Context, companyID string, limit int) ([]model.AuditLogEntry, error)

    // Webhook subscriptions & deliveries
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, companyID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, companyID, id string) error
    EnqueueWebhook(ctx context.Context, companyID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, companyID, id string) error
}

var (
    ErrNotFound         = errors.New("not found")
    ErrAlreadyClockedIn = errors.New("driver already has an active timesheet")
    ErrAlreadyCompleted = errors.New("timesheet already completed")
)

// WebhookDelivery is one pending or attempted outbound delivery.
type WebhookDelivery struct {
    ID             string
    CompanyID      string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}
