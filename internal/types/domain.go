// Package types defines the domain model, error chassis, and shared contracts
// for the subsync billing-state reconciliation engine.
package types

import (
	"time"
)

// SubscriptionRecord is the authoritative local record of an account's
// subscription. Exactly one record exists per account; it is created lazily
// on the first billing interaction.
//
// Invariants:
//   - Status in {active, trialing, past_due} => ExternalSubscriptionID != "".
//   - Status == none => CancelAtPeriodEnd == false.
//   - Version strictly increases; every mutation goes through the
//     optimistic-concurrency apply path in the db package.
type SubscriptionRecord struct {
	AccountID              string             `json:"account_id"`
	ExternalCustomerID     string             `json:"external_customer_id"`
	ExternalSubscriptionID string             `json:"external_subscription_id,omitempty"`
	PlanID                 PlanID             `json:"plan_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	LastAppliedEventAt     time.Time          `json:"last_applied_event_at"`
	Version                int64              `json:"version"`
}

// Validate checks the record's structural invariants. The reconciler calls it
// after computing a transition and before writing.
func (r *SubscriptionRecord) Validate() error {
	switch r.Status {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue:
		if r.ExternalSubscriptionID == "" {
			return NewAppError(
				ErrCodeInternalInvariant,
				"subscription in status "+string(r.Status)+" must reference a provider subscription",
				nil,
			)
		}
	case SubStatusNone:
		if r.CancelAtPeriodEnd {
			return NewAppError(
				ErrCodeInternalInvariant,
				"subscription with status none cannot be flagged cancel_at_period_end",
				nil,
			)
		}
	}
	return nil
}

// BillingEvent is the typed, transient representation of a provider
// notification (or a synthetic user action). It is not persisted beyond the
// idempotency ledger row keyed by ExternalEventID.
type BillingEvent struct {
	ExternalEventID        string
	Type                   EventType
	ExternalCustomerID     string
	ExternalSubscriptionID string
	// ProviderStatus is the raw status string reported by the provider.
	// The reconciler maps it to a local SubscriptionStatus; unknown values
	// map to incomplete rather than failing.
	ProviderStatus    string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd *bool
	PriceID           string
	// OccurredAt is the provider-reported event time, distinct from receipt
	// time. It drives the per-account staleness rule.
	OccurredAt time.Time
	// Synthetic marks events fabricated for user-initiated actions
	// (cancel, reactivate, plan change). Synthetic events carry no
	// ExternalEventID and skip the idempotency ledger.
	Synthetic bool
}

// IdempotencyRecord tracks a processed provider event ID. Rows are created
// exactly once, never mutated after their outcome is finalized, and purged
// after the provider's maximum redelivery window (30 days) elapses.
type IdempotencyRecord struct {
	ExternalEventID string        `json:"external_event_id"`
	ProcessedAt     time.Time     `json:"processed_at"`
	Outcome         LedgerOutcome `json:"outcome"`
}

// Account is the narrow projection of the (external) account service that the
// reconciliation engine consumes: the account identity and its billing
// binding. The engine has no knowledge of content, translation, or analytics.
type Account struct {
	ID           string
	BillingEmail string
	CustomerID   string // provider customer binding; empty until first billing interaction
}

// RedirectURLs carries the server-controlled success/cancel URLs for a
// checkout session.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// ProviderSubscription is the normalized result of reading a subscription
// back from the billing provider. The reconciler folds it into the local
// record through the same staleness rules as webhook events.
type ProviderSubscription struct {
	ID                string
	Status            string
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	// UpdatedAt is the provider-side modification time, used as OccurredAt
	// when folding the read back into the record.
	UpdatedAt time.Time
}

// ResponseMeta conveys non-blocking metadata on API responses.
type ResponseMeta struct {
	Warning string `json:"warning,omitempty"`
}
