package main

import (
    "log"
    "net/http"
    "os"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "fleetledger/internal/api"
    "fleetledger/internal/metrics"
)

func main() {
    srvDeps, err := api.NewServer()
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }
    metrics.RegisterDefault()

    mux := http.NewServeMux()

    // Location ingest and live feeds
    mux.HandleFunc("/v1/locations", srvDeps.LocationsHandler)
    mux.HandleFunc("/v1/locations/latest", srvDeps.LocationsLatestHandler)
    mux.HandleFunc("/v1/locations/recent", srvDeps.LocationsRecentHandler)
    mux.HandleFunc("/v1/locations/stream", srvDeps.LocationStreamHandler)
    mux.HandleFunc("/v1/locations/ws", srvDeps.LocationWSHandler)

    // Timesheets
    mux.HandleFunc("/v1/timesheets", srvDeps.TimesheetsHandler)
    mux.HandleFunc("/v1/timesheets/clock-in", srvDeps.ClockInHandler)
    mux.HandleFunc("/v1/timesheets/end-of-shift", srvDeps.EndOfShiftHandler)
    mux.HandleFunc("/v1/timesheets/", srvDeps.TimesheetByIDHandler) // includes /{id}/clock-out

    // Stagnation alerts
    mux.HandleFunc("/v1/stagnation-alerts", srvDeps.StagnationAlertsHandler)
    mux.HandleFunc("/v1/stagnation-alerts/", srvDeps.StagnationAlertByIDHandler)

    // Audit ledger
    mux.HandleFunc("/v1/audit-logs", srvDeps.AuditLogsHandler)
    mux.HandleFunc("/v1/audit-logs/count", srvDeps.AuditLogsCountHandler)
    mux.HandleFunc("/v1/audit-logs/verify", srvDeps.AuditVerifyHandler)

    // Geofences
    mux.HandleFunc("/v1/geofences", srvDeps.GeofencesHandler)
    mux.HandleFunc("/v1/geofences/", srvDeps.GeofenceByIDHandler)

    // Webhook subscriptions
    mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

    // Admin
    mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryRetryHandler)
    mux.HandleFunc("/v1/admin/debug", srvDeps.DebugJSON)

    // Health and metrics
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    // Docs
    mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
    mux.HandleFunc("/openapi.json", srvDeps.SpecJSONHandler)
    mux.HandleFunc("/docs", srvDeps.DocsHandler)
    mux.HandleFunc("/console", srvDeps.SwaggerHandler)

    addr := ":8080"
    if v := os.Getenv("PORT"); v != "" {
        addr = ":" + v
    }

    srv := &http.Server{
        Addr:              addr,
        Handler:           logMiddleware(metricsMiddleware(mux)),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("API listening on %s", addr)
    // Start webhook worker
    if srvDeps.Pub != nil {
        worker := srvDeps.NewWebhookWorker()
        worker.Start()
    }
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
    })
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (sr *statusRecorder) WriteHeader(code int) {
    sr.status = code
    sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (sr *statusRecorder) Flush() {
    if f, ok := sr.ResponseWriter.(http.Flusher); ok {
        f.Flush()
    }
}

func metricsMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        // WebSocket upgrades need the raw ResponseWriter (Hijacker)
        if r.Header.Get("Upgrade") != "" {
            next.ServeHTTP(w, r)
            return
        }
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        start := time.Now()
        next.ServeHTTP(rec, r)
        labels := prometheus.Labels{"method": r.Method, "path": r.URL.Path, "status": strconv.Itoa(rec.status)}
        metrics.HTTPRequests.With(labels).Inc()
        metrics.HTTPDuration.With(labels).Observe(time.Since(start).Seconds())
    })
}
