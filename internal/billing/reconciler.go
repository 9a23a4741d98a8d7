package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"subsync/internal/types"
)

// SubscriptionStore is the persistence surface the reconciler mutates. All
// writes go through ApplyTransition's version check; there is no other
// writer.
type SubscriptionStore interface {
	GetByAccountID(ctx context.Context, accountID string) (*types.SubscriptionRecord, error)
	GetByCustomerID(ctx context.Context, customerID string) (*types.SubscriptionRecord, error)
	CreateIfAbsent(ctx context.Context, accountID, customerID string) (*types.SubscriptionRecord, error)
	ApplyTransition(ctx context.Context, rec *types.SubscriptionRecord, expectedVersion int64) error
}

// EventLedger is the idempotency surface: atomic claim, terminal outcome,
// release on transient failure.
type EventLedger interface {
	TryClaim(ctx context.Context, externalEventID string, now time.Time) (bool, error)
	FinalizeOutcome(ctx context.Context, externalEventID string, outcome types.LedgerOutcome) error
	ReleaseClaim(ctx context.Context, externalEventID string) error
	Get(ctx context.Context, externalEventID string) (*types.IdempotencyRecord, error)
	TakeOverClaim(ctx context.Context, externalEventID string, staleBefore, now time.Time) (bool, error)
}

// AccountDirectory resolves the provider customer binding back to a local
// account. It is the only account knowledge the reconciler has.
type AccountDirectory interface {
	GetIDByCustomerID(ctx context.Context, customerID string) (string, error)
}

// CacheInvalidator drops cached subscription-dependent views for an account.
// Best effort; a failed invalidation never affects the transition outcome.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, accountID string) error
}

// EventParker hands an event whose apply retries were exhausted to a durable
// queue for later re-application.
type EventParker interface {
	Park(ctx context.Context, msg *types.ParkedEventMessage) error
}

// ReconcileMetrics records reconciliation outcomes. Implementations must be
// non-blocking from the caller's perspective and must never fail the caller.
type ReconcileMetrics interface {
	RecordOutcome(ctx context.Context, outcome types.LedgerOutcome, duration time.Duration)
	RecordApplyRetries(ctx context.Context, retries int)
}

// ReconcileResult reports how an event was disposed of.
type ReconcileResult struct {
	Outcome types.LedgerOutcome
	// Record is the post-transition record; nil unless Outcome is applied.
	Record *types.SubscriptionRecord
	// CatalogResolved is false when the event's price could not be mapped to
	// a plan and the previous plan was retained.
	CatalogResolved bool
}

// Reconciler folds billing events into the local subscription record. It is
// safe for concurrent use: deliveries for different accounts proceed fully in
// parallel, and concurrent deliveries for the same account are serialized
// through the store's version check rather than a lock.
type Reconciler struct {
	store      SubscriptionStore
	ledger     EventLedger
	accounts   AccountDirectory
	catalog    *PlanCatalog
	cache      CacheInvalidator
	parker     EventParker
	metrics    ReconcileMetrics
	logger     *slog.Logger
	retryLimit int
	// takeoverAfter is how old a pending ledger claim must be before a
	// redelivery treats it as abandoned and adopts it.
	takeoverAfter time.Duration
	now           func() time.Time
}

// ReconcilerOption configures optional Reconciler behavior.
type ReconcilerOption func(*Reconciler)

// WithRetryLimit overrides the bounded optimistic-lock retry count.
func WithRetryLimit(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.retryLimit = n
		}
	}
}

// WithClaimTakeoverAfter overrides how long a pending ledger claim may sit
// before a redelivery adopts it. Must comfortably exceed the synchronous
// webhook processing budget.
func WithClaimTakeoverAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.takeoverAfter = d
		}
	}
}

// WithClock overrides the reconciler's clock. Used in tests.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler. cache, parker, and metrics may be nil;
// the corresponding side effects are skipped.
func NewReconciler(
	store SubscriptionStore,
	ledger EventLedger,
	accounts AccountDirectory,
	catalog *PlanCatalog,
	cache CacheInvalidator,
	parker EventParker,
	metrics ReconcileMetrics,
	logger *slog.Logger,
	opts ...ReconcilerOption,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = DefaultPlanCatalog()
	}
	r := &Reconciler{
		store:         store,
		ledger:        ledger,
		accounts:      accounts,
		catalog:       catalog,
		cache:         cache,
		parker:        parker,
		metrics:       metrics,
		logger:        logger,
		retryLimit:    5,
		takeoverAfter: time.Minute,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessEvent runs the full webhook path for a decoded event: ledger claim,
// account resolution, apply loop, terminal outcome.
//
// A nil error means the delivery can be acknowledged: the event was applied,
// or disposed of benignly (duplicate, stale, unknown type, no local
// account), or durably parked. A non-nil error means processing failed
// transiently; the claim has been released and the provider should redeliver.
func (r *Reconciler) ProcessEvent(ctx context.Context, ev *types.BillingEvent) (*ReconcileResult, error) {
	start := r.now()

	claimed, err := r.ledger.TryClaim(ctx, ev.ExternalEventID, start)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return r.resolveExistingClaim(ctx, start, ev)
	}
	return r.runClaimed(ctx, start, ev)
}

// runClaimed drives a held claim to its terminal ledger state: process, then
// finalize on success or release on transient failure so the provider's
// redelivery can re-claim.
func (r *Reconciler) runClaimed(ctx context.Context, start time.Time, ev *types.BillingEvent) (*ReconcileResult, error) {
	result, err := r.processClaimed(ctx, ev)
	if err != nil {
		if relErr := r.ledger.ReleaseClaim(ctx, ev.ExternalEventID); relErr != nil {
			r.logger.ErrorContext(ctx, "failed to release ledger claim after processing failure",
				slog.String("event_id", ev.ExternalEventID),
				slog.Any("error", relErr),
			)
		}
		return nil, err
	}

	if finErr := r.ledger.FinalizeOutcome(ctx, ev.ExternalEventID, result.Outcome); finErr != nil {
		return nil, finErr
	}
	return r.finish(ctx, start, result), nil
}

// resolveExistingClaim disposes of a delivery whose claim insert lost to an
// existing ledger row. A terminal row is a genuine duplicate. A pending row
// means the original delivery is still running or crashed before finalizing:
// a claim older than takeoverAfter is adopted and the transition re-run, a
// fresh one surfaces a transient error so the provider keeps redelivering
// until the claim resolves. Without this, an event claimed by a crashed
// delivery would be acknowledged as a duplicate forever and its transition
// lost.
func (r *Reconciler) resolveExistingClaim(ctx context.Context, start time.Time, ev *types.BillingEvent) (*ReconcileResult, error) {
	rec, err := r.ledger.Get(ctx, ev.ExternalEventID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// The competing claim was released between our insert and this read;
		// the next redelivery claims cleanly.
		return nil, types.NewAppError(
			types.ErrCodeClaimInFlight,
			"ledger claim for event "+ev.ExternalEventID+" was released mid-delivery",
			nil,
		)
	}
	if rec.Outcome != types.OutcomePending {
		return r.finish(ctx, start, &ReconcileResult{Outcome: types.OutcomeIgnoredDuplicate, CatalogResolved: true}), nil
	}

	taken, err := r.ledger.TakeOverClaim(ctx, ev.ExternalEventID, start.Add(-r.takeoverAfter), start)
	if err != nil {
		return nil, err
	}
	if !taken {
		return nil, types.NewAppError(
			types.ErrCodeClaimInFlight,
			"event "+ev.ExternalEventID+" is claimed by an in-flight delivery",
			nil,
		)
	}
	r.logger.WarnContext(ctx, "re-running event from abandoned claim",
		slog.String("event_id", ev.ExternalEventID),
	)
	return r.runClaimed(ctx, start, ev)
}

// processClaimed runs everything between a won claim and outcome
// finalization. A returned error is transient by contract; permanent
// dispositions come back as outcomes.
func (r *Reconciler) processClaimed(ctx context.Context, ev *types.BillingEvent) (*ReconcileResult, error) {
	if ev.Type == types.EventUnknown {
		r.logger.InfoContext(ctx, "ignoring unknown billing event type",
			slog.String("event_id", ev.ExternalEventID),
		)
		return &ReconcileResult{Outcome: types.OutcomeIgnoredUnknown, CatalogResolved: true}, nil
	}

	accountID, err := r.accounts.GetIDByCustomerID(ctx, ev.ExternalCustomerID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundAccount {
			// Surfaced as a distinct ledger outcome for operational
			// visibility instead of a silent no-op.
			r.logger.WarnContext(ctx, "billing event references unknown customer",
				slog.String("event_id", ev.ExternalEventID),
				slog.String("customer_id", ev.ExternalCustomerID),
			)
			return &ReconcileResult{Outcome: types.OutcomeIgnoredNoAccount, CatalogResolved: true}, nil
		}
		return nil, err
	}

	return r.applyLoop(ctx, accountID, ev, true)
}

// ApplyUserAction folds a synthetic event for a user-initiated change
// (cancel, reactivate, plan change) into the record. Synthetic events skip
// the ledger but run the same staleness and version rules as webhook events,
// so a user action racing a webhook cannot regress the record.
//
// Retry exhaustion surfaces as conflict_retries rather than parking; the
// user simply retries.
func (r *Reconciler) ApplyUserAction(ctx context.Context, accountID string, ev *types.BillingEvent) (*ReconcileResult, error) {
	if !ev.Synthetic {
		return nil, types.NewAppError(
			types.ErrCodeInternalInvariant,
			"ApplyUserAction requires a synthetic event",
			nil,
		)
	}
	start := r.now()
	result, err := r.applyLoop(ctx, accountID, ev, false)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, start, result), nil
}

// ApplyParked re-applies an event that was previously parked after retry
// exhaustion. The ledger row is already terminal, so no claim or
// finalization happens here; a transient error propagates so the queue can
// redeliver.
func (r *Reconciler) ApplyParked(ctx context.Context, ev *types.BillingEvent) (*ReconcileResult, error) {
	start := r.now()

	if ev.Synthetic {
		return nil, types.NewAppError(
			types.ErrCodeInternalInvariant,
			"synthetic events are never parked",
			nil,
		)
	}
	accountID, err := r.accounts.GetIDByCustomerID(ctx, ev.ExternalCustomerID)
	if err != nil {
		return nil, err
	}

	result, err := r.applyLoop(ctx, accountID, ev, false)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, start, result), nil
}

// applyLoop is the optimistic-concurrency apply: read, check staleness,
// compute, write against the read version, retry on conflict. parkOnExhaust
// selects the webhook behavior (park to the queue) over the user-action
// behavior (surface a retryable conflict).
func (r *Reconciler) applyLoop(ctx context.Context, accountID string, ev *types.BillingEvent, parkOnExhaust bool) (*ReconcileResult, error) {
	for attempt := 0; attempt < r.retryLimit; attempt++ {
		rec, err := r.loadOrCreate(ctx, accountID, ev)
		if err != nil {
			return nil, err
		}

		// Staleness rule: per-account causal ordering is enforced on the
		// provider-reported event time, not receipt order. An event
		// describing an old state must not regress the record.
		if !ev.OccurredAt.After(rec.LastAppliedEventAt) {
			if r.metrics != nil {
				r.metrics.RecordApplyRetries(ctx, attempt)
			}
			return &ReconcileResult{Outcome: types.OutcomeIgnoredStale, CatalogResolved: true}, nil
		}

		next, catalogResolved := r.computeTransition(rec, ev)
		if err := next.Validate(); err != nil {
			return nil, err
		}

		err = r.store.ApplyTransition(ctx, next, rec.Version)
		if err == nil {
			if !catalogResolved {
				r.logger.WarnContext(ctx, "unresolved price id, previous plan retained",
					slog.String("account_id", accountID),
					slog.String("price_id", ev.PriceID),
					slog.String("event_id", ev.ExternalEventID),
				)
			}
			if r.metrics != nil {
				r.metrics.RecordApplyRetries(ctx, attempt)
			}
			r.invalidateCache(ctx, accountID)
			return &ReconcileResult{
				Outcome:         types.OutcomeApplied,
				Record:          next,
				CatalogResolved: catalogResolved,
			}, nil
		}

		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictConcurrent {
			// Lost the version race; re-read and re-run the whole rule.
			continue
		}
		return nil, err
	}

	if parkOnExhaust {
		return r.park(ctx, ev)
	}
	return nil, types.NewAppError(
		types.ErrCodeConflictRetries,
		"subscription update conflicted repeatedly, please retry",
		nil,
	)
}

// loadOrCreate reads the account's record, lazily creating the initial one
// on the first billing interaction.
func (r *Reconciler) loadOrCreate(ctx context.Context, accountID string, ev *types.BillingEvent) (*types.SubscriptionRecord, error) {
	rec, err := r.store.GetByAccountID(ctx, accountID)
	if err == nil {
		return rec, nil
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
		return r.store.CreateIfAbsent(ctx, accountID, ev.ExternalCustomerID)
	}
	return nil, err
}

// computeTransition derives the next record from the current one and the
// event. Fields absent from the event are retained.
func (r *Reconciler) computeTransition(rec *types.SubscriptionRecord, ev *types.BillingEvent) (*types.SubscriptionRecord, bool) {
	next := *rec
	catalogResolved := true

	switch ev.Type {
	case types.EventSubscriptionCreated, types.EventSubscriptionUpdated:
		next.Status = mapProviderStatus(ev.ProviderStatus)
		if ev.PriceID != "" {
			if plan, ok := r.catalog.ResolvePlan(ev.PriceID); ok {
				next.PlanID = plan
			} else {
				// Keep the previous plan; the status transition is never
				// blocked on a catalog miss.
				catalogResolved = false
			}
		}
		if ev.ExternalSubscriptionID != "" {
			next.ExternalSubscriptionID = ev.ExternalSubscriptionID
		}
		if ev.CurrentPeriodEnd != nil {
			next.CurrentPeriodEnd = *ev.CurrentPeriodEnd
		}
		if ev.CancelAtPeriodEnd != nil {
			next.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
		}

	case types.EventSubscriptionDeleted:
		next.Status = types.SubStatusCanceled
		next.PlanID = types.PlanFree
		next.CancelAtPeriodEnd = false

	case types.EventInvoicePaid:
		// Payment recovery: a paid invoice moves a delinquent subscription
		// back to active. A healthy record just refreshes its period end.
		// Invoices name their subscription, so an invoice arriving before the
		// subscription event binds the ID rather than waiting for it.
		if ev.ExternalSubscriptionID != "" {
			next.ExternalSubscriptionID = ev.ExternalSubscriptionID
		}
		if next.ExternalSubscriptionID != "" {
			next.Status = types.SubStatusActive
		}
		if ev.CurrentPeriodEnd != nil {
			next.CurrentPeriodEnd = *ev.CurrentPeriodEnd
		}

	case types.EventInvoiceFailed:
		if ev.ExternalSubscriptionID != "" {
			next.ExternalSubscriptionID = ev.ExternalSubscriptionID
		}
		if next.ExternalSubscriptionID != "" {
			next.Status = types.SubStatusPastDue
		}
	}

	next.LastAppliedEventAt = ev.OccurredAt
	return &next, catalogResolved
}

// park hands the event to the durable queue after retry exhaustion. Without
// a configured parker the claim is surrendered via a transient error so the
// provider redelivers instead.
func (r *Reconciler) park(ctx context.Context, ev *types.BillingEvent) (*ReconcileResult, error) {
	if r.parker == nil {
		return nil, types.NewAppError(
			types.ErrCodeConflictRetries,
			"apply retries exhausted and no parking queue configured",
			nil,
		)
	}

	msg := &types.ParkedEventMessage{
		MessageID: uuid.New().String(),
		TraceID:   types.GetRequestID(ctx),
		ParkedAt:  r.now(),
		Attempts:  r.retryLimit,
		Event:     types.FromBillingEvent(ev),
	}
	if err := r.parker.Park(ctx, msg); err != nil {
		return nil, err
	}

	r.logger.WarnContext(ctx, "billing event parked after apply retry exhaustion",
		slog.String("event_id", ev.ExternalEventID),
		slog.Int("attempts", r.retryLimit),
	)
	return &ReconcileResult{Outcome: types.OutcomeParked, CatalogResolved: true}, nil
}

// invalidateCache drops the account's cached views. Failures are logged and
// swallowed; invalidation must never affect a transition.
func (r *Reconciler) invalidateCache(ctx context.Context, accountID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, accountID); err != nil {
		r.logger.WarnContext(ctx, "cache invalidation failed",
			slog.String("account_id", accountID),
			slog.Any("error", err),
		)
	}
}

// finish records metrics and returns the result unchanged.
func (r *Reconciler) finish(ctx context.Context, start time.Time, result *ReconcileResult) *ReconcileResult {
	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, result.Outcome, r.now().Sub(start))
	}
	return result
}

// mapProviderStatus maps a raw provider status string to the local status
// set. Unknown values map to incomplete rather than failing, since the
// provider's status vocabulary evolves independently of this system.
func mapProviderStatus(status string) types.SubscriptionStatus {
	switch status {
	case "trialing":
		return types.SubStatusTrialing
	case "active":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "unpaid":
		return types.SubStatusUnpaid
	case "canceled":
		return types.SubStatusCanceled
	case "incomplete", "incomplete_expired":
		return types.SubStatusIncomplete
	default:
		return types.SubStatusIncomplete
	}
}
