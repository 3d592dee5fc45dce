package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetledger/internal/store"
)

// Event types emitted by the core for the notification subsystem.
const (
	EventClockIn             = "timesheet.clock_in"
	EventClockOut            = "timesheet.clock_out"
	EventStagnationRaised    = "stagnation.raised"
	EventStagnationResolved  = "stagnation.resolved"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues a delivery for every company subscription matching the
// event type. Delivery is best-effort; the domain operation never waits on
// or fails because of it.
func (p *Publisher) Emit(ctx context.Context, companyID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, companyID, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":        fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":      eventType,
		"companyId": companyID,
		"ts":        time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, companyID, s.ID, eventType, s.URL, s.Secret, body)
	}
}
