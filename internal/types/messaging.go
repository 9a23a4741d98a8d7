package types

import "time"

// ParkedEventMessage is the SQS payload for a billing event whose
// reconciliation exhausted its optimistic-lock retry budget. The reconcile
// worker re-applies the event later instead of dropping it.
type ParkedEventMessage struct {
	MessageID string    `json:"message_id"`
	TraceID   string    `json:"trace_id"`
	ParkedAt  time.Time `json:"parked_at"`
	Attempts  int       `json:"attempts"`

	// Event is the full billing event being re-applied. OccurredAt keeps the
	// original provider timestamp so the staleness rule still holds when the
	// worker drains the queue out of order.
	Event ParkedBillingEvent `json:"event"`
}

// ParkedBillingEvent is the JSON-serializable form of a BillingEvent.
// Pointer fields from BillingEvent are flattened with presence flags so the
// round trip through SQS is unambiguous.
type ParkedBillingEvent struct {
	ExternalEventID        string    `json:"external_event_id"`
	Type                   EventType `json:"type"`
	ExternalCustomerID     string    `json:"external_customer_id"`
	ExternalSubscriptionID string    `json:"external_subscription_id,omitempty"`
	ProviderStatus         string    `json:"provider_status,omitempty"`
	CurrentPeriodEnd       *int64    `json:"current_period_end_unix,omitempty"`
	CancelAtPeriodEnd      *bool     `json:"cancel_at_period_end,omitempty"`
	PriceID                string    `json:"price_id,omitempty"`
	OccurredAt             time.Time `json:"occurred_at"`
	Synthetic              bool      `json:"synthetic,omitempty"`
}

// ToBillingEvent converts the wire form back into the domain event.
func (p *ParkedBillingEvent) ToBillingEvent() *BillingEvent {
	ev := &BillingEvent{
		ExternalEventID:        p.ExternalEventID,
		Type:                   p.Type,
		ExternalCustomerID:     p.ExternalCustomerID,
		ExternalSubscriptionID: p.ExternalSubscriptionID,
		ProviderStatus:         p.ProviderStatus,
		CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		PriceID:                p.PriceID,
		OccurredAt:             p.OccurredAt,
		Synthetic:              p.Synthetic,
	}
	if p.CurrentPeriodEnd != nil {
		t := time.Unix(*p.CurrentPeriodEnd, 0).UTC()
		ev.CurrentPeriodEnd = &t
	}
	return ev
}

// FromBillingEvent converts a domain event into the wire form.
func FromBillingEvent(ev *BillingEvent) ParkedBillingEvent {
	p := ParkedBillingEvent{
		ExternalEventID:        ev.ExternalEventID,
		Type:                   ev.Type,
		ExternalCustomerID:     ev.ExternalCustomerID,
		ExternalSubscriptionID: ev.ExternalSubscriptionID,
		ProviderStatus:         ev.ProviderStatus,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		PriceID:                ev.PriceID,
		OccurredAt:             ev.OccurredAt,
		Synthetic:              ev.Synthetic,
	}
	if ev.CurrentPeriodEnd != nil {
		unix := ev.CurrentPeriodEnd.Unix()
		p.CurrentPeriodEnd = &unix
	}
	return p
}
