package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetledger/internal/model"
	"fleetledger/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	payload := []byte(`{"id":"evt1"}`)
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "c1", "", EventClockIn, srv.URL, "secret", payload)
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotSig == "" || gotType != EventClockIn {
		t.Fatalf("missing signature/type headers: sig=%q type=%q", gotSig, gotType)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature does not verify: sig=%q body=%s", gotSig, gotBody)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 1}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "c1", "", EventClockOut, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.fails) == 0 {
		t.Fatalf("expected fail recorded")
	}
	if len(rs.marks) != 0 {
		t.Fatalf("failed delivery should not also be marked: %+v", rs.marks)
	}
}

func TestPublisherEmitMatchesSubscriptions(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	if _, err := m.CreateSubscription(ctx, model.SubscriptionRequest{CompanyID: "c1", URL: "https://example.invalid/a", Events: []string{EventClockIn}}); err != nil {
		t.Fatalf("sub a: %v", err)
	}
	if _, err := m.CreateSubscription(ctx, model.SubscriptionRequest{CompanyID: "c1", URL: "https://example.invalid/b", Events: []string{EventStagnationRaised}}); err != nil {
		t.Fatalf("sub b: %v", err)
	}
	p := NewPublisher(m)
	p.Emit(ctx, "c1", EventClockIn, map[string]any{"driverId": "drv1"})
	p.Emit(ctx, "c2", EventClockIn, map[string]any{"driverId": "drv1"}) // wrong company, no sub

	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil { t.Fatalf("fetch: %v", err) }
	if len(due) != 1 { t.Fatalf("due deliveries: got %d, want 1", len(due)) }
	if due[0].EventType != EventClockIn { t.Fatalf("event type: %s", due[0].EventType) }
	if due[0].URL != "https://example.invalid/a" { t.Fatalf("url: %s", due[0].URL) }
}

func TestSignHMACRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := SignHMAC("s3cret", body)
	if !VerifyHMAC("s3cret", body, sig) { t.Fatal("valid signature rejected") }
	if VerifyHMAC("wrong", body, sig) { t.Fatal("wrong secret accepted") }
	if VerifyHMAC("s3cret", []byte(`{"hello":"tampered"}`), sig) { t.Fatal("tampered body accepted") }
	if VerifyHMAC("s3cret", body, "not-hex") { t.Fatal("garbage signature accepted") }
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
	if nextBackoff(0) != time.Second { t.Fatalf("attempt 0: %v", nextBackoff(0)) }
	if nextBackoff(3) != 8*time.Second { t.Fatalf("attempt 3: %v", nextBackoff(3)) }
	if nextBackoff(50) > time.Hour { t.Fatalf("uncapped backoff: %v", nextBackoff(50)) }
}
