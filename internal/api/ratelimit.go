package api

import (
    "fmt"
    "os"
    "sync"

    "golang.org/x/time/rate"
)

// rateLimits hands out one token bucket per company for the ingest path.
// RATE_RPS and RATE_BURST come from the environment; rps <= 0 disables
// limiting entirely.
type rateLimits struct {
    mu    sync.Mutex
    m     map[string]*rate.Limiter
    rps   float64
    burst int
}

func newRateLimitsFromEnv() *rateLimits {
    rl := &rateLimits{m: map[string]*rate.Limiter{}, rps: 50, burst: 100}
    if v := os.Getenv("RATE_RPS"); v != "" { fmt.Sscanf(v, "%f", &rl.rps) }
    if v := os.Getenv("RATE_BURST"); v != "" { fmt.Sscanf(v, "%d", &rl.burst) }
    return rl
}

func (rl *rateLimits) allow(companyID string) bool {
    if rl.rps <= 0 { return true }
    rl.mu.Lock()
    lim := rl.m[companyID]
    if lim == nil {
        lim = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
        rl.m[companyID] = lim
    }
    rl.mu.Unlock()
    return lim.Allow()
}
