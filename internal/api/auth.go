// Package api implements HTTP handlers and helpers for the fleet ledger service.
package api

import (
    "net/http"
    "strings"
)

type Principal struct {
	Company  string
	Role     string // admin, dispatcher, driver
	DriverID string
}

// getPrincipal extracts company and role from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil {
            return Principal{Company: pr.Company, Role: pr.Role, DriverID: pr.DriverID}
        }
    }
    company := r.Header.Get("X-Company-Id")
    role := r.Header.Get("X-Role")
    driverID := r.Header.Get("X-Driver-Id")
    if company == "" {
        company = "c_demo"
    }
    if role == "" {
        role = "admin"
    }
    return Principal{Company: company, Role: role, DriverID: driverID}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanDispatch reports whether the principal may manage fleet resources.
func (p Principal) CanDispatch() bool { return p.Role == "admin" || p.Role == "dispatcher" }
