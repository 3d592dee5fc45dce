// Package audit maintains the per-company hash-chained log of privileged
// actions and verifies chain integrity.
package audit

import (
    "context"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "fmt"
    "log"
    "sync"
    "time"

    "fleetledger/internal/metrics"
    "fleetledger/internal/model"
    "fleetledger/internal/store"
)

// Entry captures one privileged action for appending.
type Entry struct {
    CompanyID string
    UserID    string
    Action    string
    Entity    string
    EntityID  string
    Details   string
    IPAddress string
    UserAgent string
}

// Ledger appends hash-linked entries and walks chains for verification.
// Appends for the same company are serialized through a per-company mutex
// around the read-last-hash / compute / insert sequence; two concurrent
// appends must never chain off the same previousHash.
type Ledger struct {
    Store     store.Store
    VerifyMax int

    mu    sync.Mutex
    locks map[string]*sync.Mutex
}

func NewLedger(s store.Store, verifyMax int) *Ledger {
    if verifyMax <= 0 { verifyMax = 10000 }
    return &Ledger{Store: s, VerifyMax: verifyMax, locks: map[string]*sync.Mutex{}}
}

func (l *Ledger) companyLock(companyID string) *sync.Mutex {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.locks[companyID] == nil { l.locks[companyID] = &sync.Mutex{} }
    return l.locks[companyID]
}

// canonicalEntry is the exact byte layout that gets hashed. All fields are
// plain values (no maps) so json.Marshal output is deterministic.
type canonicalEntry struct {
    CompanyID    string `json:"companyId"`
    UserID       string `json:"userId"`
    Action       string `json:"action"`
    Entity       string `json:"entity"`
    EntityID     string `json:"entityId"`
    Details      string `json:"details"`
    Timestamp    string `json:"timestamp"`
    PreviousHash string `json:"previousHash"`
}

func hashEntry(e model.AuditLogEntry) string {
    c := canonicalEntry{
        CompanyID:    e.CompanyID,
        UserID:       e.UserID,
        Action:       e.Action,
        Entity:       e.Entity,
        EntityID:     e.EntityID,
        Details:      e.Details,
        Timestamp:    e.CreatedAt.UTC().Format(time.RFC3339),
        PreviousHash: e.PreviousHash,
    }
    b, _ := json.Marshal(c)
    sum := sha256.Sum256(b)
    return hex.EncodeToString(sum[:])
}

// Append writes one entry to the company's chain and returns it.
func (l *Ledger) Append(ctx context.Context, in Entry) (model.AuditLogEntry, error) {
    lk := l.companyLock(in.CompanyID)
    lk.Lock()
    defer lk.Unlock()

    prev := model.GenesisHash
    last, err := l.Store.LastAuditEntry(ctx, in.CompanyID)
    if err == nil {
        prev = last.CurrentHash
    } else if err != store.ErrNotFound {
        return model.AuditLogEntry{}, err
    }

    e := model.AuditLogEntry{
        CompanyID:    in.CompanyID,
        UserID:       in.UserID,
        Action:       in.Action,
        Entity:       in.Entity,
        EntityID:     in.EntityID,
        Details:      in.Details,
        IPAddress:    in.IPAddress,
        UserAgent:    in.UserAgent,
        PreviousHash: prev,
        CreatedAt:    time.Now().UTC().Truncate(time.Second),
    }
    e.CurrentHash = hashEntry(e)
    return l.Store.InsertAuditEntry(ctx, e)
}

// Record is Append for callers whose primary operation must not fail on a
// logging error: failures are logged and counted, never returned.
func (l *Ledger) Record(ctx context.Context, in Entry) {
    if _, err := l.Append(ctx, in); err != nil {
        metrics.AuditAppendFailures.Inc()
        log.Printf("audit append failed: company=%s action=%s: %v", in.CompanyID, in.Action, err)
        return
    }
    metrics.AuditAppends.Inc()
}

// VerifyIntegrity walks the company's chain in insertion order, checking
// both the previousHash linkage and each entry's recomputed currentHash.
// An empty chain is valid. Rows from other companies never enter the walk.
func (l *Ledger) VerifyIntegrity(ctx context.Context, companyID string) (model.VerifyResult, error) {
    chain, err := l.Store.WalkAuditChain(ctx, companyID, l.VerifyMax)
    if err != nil { return model.VerifyResult{}, err }
    res := model.VerifyResult{Valid: true, TotalEntries: len(chain), Errors: []string{}}
    prev := model.GenesisHash
    for i := range chain {
        e := chain[i]
        if e.PreviousHash != prev {
            res.Errors = append(res.Errors, fmt.Sprintf("entry %d: previousHash mismatch (have %s, want %s)", e.Seq, e.PreviousHash, prev))
            markTampered(&res, e.Seq)
        }
        if want := hashEntry(e); e.CurrentHash != want {
            res.Errors = append(res.Errors, fmt.Sprintf("entry %d: currentHash mismatch (stored %s, recomputed %s)", e.Seq, e.CurrentHash, want))
            markTampered(&res, e.Seq)
        }
        prev = e.CurrentHash
    }
    metrics.AuditVerifyRuns.Inc()
    return res, nil
}

func markTampered(r *model.VerifyResult, seq int64) {
    r.Valid = false
    if r.FirstTamperedEntry == nil { r.FirstTamperedEntry = &seq }
}
