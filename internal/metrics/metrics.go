package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // LocationsIngested counts accepted location samples
    LocationsIngested = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "locations_ingested_total", Help: "Location samples accepted."},
    )
    // GeofenceEvents counts matcher transitions by type (ENTER/EXIT)
    GeofenceEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "geofence_events_total", Help: "Geofence transitions emitted by the matcher."},
        []string{"type"},
    )
    // ClockTransitions counts timesheet transitions by kind and trigger
    ClockTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "clock_transitions_total", Help: "Timesheet clock transitions."},
        []string{"kind", "trigger"},
    )
    // StagnationAlerts counts raised/resolved stagnation alerts
    StagnationAlerts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "stagnation_alerts_total", Help: "Stagnation alerts by outcome."},
        []string{"outcome"},
    )
    // AuditAppends counts successful audit chain appends
    AuditAppends = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "audit_appends_total", Help: "Audit entries appended."},
    )
    // AuditAppendFailures counts swallowed audit append errors
    AuditAppendFailures = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "audit_append_failures_total", Help: "Audit append failures (logged, not propagated)."},
    )
    // AuditVerifyRuns counts integrity verification walks
    AuditVerifyRuns = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "audit_verify_runs_total", Help: "Audit chain verification runs."},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(LocationsIngested)
        Registry.MustRegister(GeofenceEvents)
        Registry.MustRegister(ClockTransitions)
        Registry.MustRegister(StagnationAlerts)
        Registry.MustRegister(AuditAppends)
        Registry.MustRegister(AuditAppendFailures)
        Registry.MustRegister(AuditVerifyRuns)
        Registry.MustRegister(WebhookDeliveries)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
