package api

import (
    "fmt"
    "net/http"
    "os"
    "strings"
    "time"

    "fleetledger/internal/attendance"
    "fleetledger/internal/audit"
    "fleetledger/internal/auth"
    "fleetledger/internal/geofence"
    "fleetledger/internal/ingest"
    "fleetledger/internal/stagnation"
    "fleetledger/internal/store"
    "fleetledger/internal/webhooks"
)

type Server struct {
    Store    store.Store
    Ledger   *audit.Ledger
    Machine  *attendance.Machine
    Detector *stagnation.Detector
    Ingest   *ingest.Service
    Pub      *webhooks.Publisher
    Auth     *auth.Verifier
    Broker   EventBroker
    Cache    *LocationCache
    limits   *rateLimits
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
    dsn := os.Getenv("DATABASE_URL")
    var s store.Store
    if strings.TrimSpace(dsn) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(dsn)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }
    // Broker selection
    var broker EventBroker
    if os.Getenv("REDIS_URL") != "" {
        if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }

    verifyMax := 0
    if v := os.Getenv("AUDIT_VERIFY_MAX"); v != "" { fmt.Sscanf(v, "%d", &verifyMax) }
    ledger := audit.NewLedger(s, verifyMax)
    pub := webhooks.NewPublisher(s)

    cooldown := time.Duration(0)
    if v := os.Getenv("CLOCKIN_COOLDOWN_SEC"); v != "" {
        var sec int
        fmt.Sscanf(v, "%d", &sec)
        cooldown = time.Duration(sec) * time.Second
    }
    machine := attendance.NewMachine(s, ledger, pub, cooldown)

    window := 0
    interval := 0
    if v := os.Getenv("STAGNATION_WINDOW"); v != "" { fmt.Sscanf(v, "%d", &window) }
    if v := os.Getenv("STAGNATION_INTERVAL_MIN"); v != "" { fmt.Sscanf(v, "%d", &interval) }
    detector := stagnation.NewDetector(s, ledger, pub, window, interval)

    ing := ingest.NewService(s, geofence.NewMatcher(s), machine, detector)

    return &Server{
        Store:    s,
        Ledger:   ledger,
        Machine:  machine,
        Detector: detector,
        Ingest:   ing,
        Pub:      pub,
        Auth:     auth.NewVerifierFromEnv(),
        Broker:   broker,
        Cache:    NewLocationCache(),
        limits:   newRateLimitsFromEnv(),
    }, nil
}

func (s *Server) companyOf(r *http.Request) string {
    return s.getPrincipal(r).Company
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}
