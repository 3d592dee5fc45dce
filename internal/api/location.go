package api

import (
	"sync"
)

// LatestLocation holds the latest known position for a driver.
type LatestLocation struct {
	Company    string  `json:"companyId"`
	DriverID   string  `json:"driverId"`
	Latitude   string  `json:"latitude"`
	Longitude  string  `json:"longitude"`
	SpeedKph   float64 `json:"speedKph"`
	TS         string  `json:"ts"`
	IsStagnant bool    `json:"isStagnant"`
}

// LocationCache stores latest driver positions per company/driver so that
// stream subscribers get an immediate snapshot without a DB round trip.
type LocationCache struct {
	mu sync.Mutex
	// key: company|driverId
	m map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) key(company, driverID string) string {
	return company + "|" + driverID
}

// Upsert stores or updates the latest position for a driver.
func (c *LocationCache) Upsert(loc LatestLocation) {
	if loc.Company == "" || loc.DriverID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(loc.Company, loc.DriverID)] = loc
}

// Snapshot returns the latest positions for every driver of a company.
func (c *LocationCache) Snapshot(company string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	prefix := company + "|"
	for k, v := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
