package types

// PlanID identifies the billing plan for an account.
type PlanID string

const (
	PlanFree    PlanID = "free"
	PlanBasic   PlanID = "basic"
	PlanPremium PlanID = "premium"
)

// Valid reports whether the plan is a known paid-or-free tier.
func (p PlanID) Valid() bool {
	switch p {
	case PlanFree, PlanBasic, PlanPremium:
		return true
	}
	return false
}

// SubscriptionStatus represents the lifecycle state of an account's
// subscription as tracked locally.
type SubscriptionStatus string

const (
	// SubStatusNone means the account has never had a paid subscription.
	SubStatusNone     SubscriptionStatus = "none"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
	SubStatusCanceled SubscriptionStatus = "canceled"
	// SubStatusIncomplete is the safe harbor for provider statuses this
	// system does not recognize.
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// Entitled reports whether the status grants access to paid features.
// past_due keeps entitlement during the grace period; unpaid does not.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue:
		return true
	}
	return false
}

// EventType identifies the kind of billing event after normalization.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventInvoicePaid         EventType = "invoice.paid"
	EventInvoiceFailed       EventType = "invoice.payment_failed"
	// EventUnknown covers provider event types this system does not act on.
	// They are acknowledged and ledgered, never failed.
	EventUnknown EventType = "unknown"
)

// LedgerOutcome records how a provider event was disposed of in the
// idempotency ledger. All outcomes except OutcomePending are terminal; a row
// never changes outcome once finalized.
type LedgerOutcome string

const (
	// OutcomePending marks a claimed row whose processing has not finished.
	// A pending row older than the processing budget is an abandoned claim
	// from a crashed delivery and may be taken over.
	OutcomePending LedgerOutcome = "pending"

	OutcomeApplied          LedgerOutcome = "applied"
	OutcomeIgnoredDuplicate LedgerOutcome = "ignored_duplicate"
	OutcomeIgnoredStale     LedgerOutcome = "ignored_stale"
	OutcomeIgnoredNoAccount LedgerOutcome = "ignored_no_account"
	OutcomeIgnoredUnknown   LedgerOutcome = "ignored_unknown_type"
	OutcomeParked           LedgerOutcome = "parked"
)
