package billing

import (
	"context"
	"errors"
	"log/slog"

	"subsync/internal/types"
)

// BillingProvider is the outbound surface of the billing provider the
// service consumes. Implemented by external.StripeClient.
type BillingProvider interface {
	EnsureCustomer(ctx context.Context, accountID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, accountID, customerID, priceID string, urls types.RedirectURLs) (checkoutURL string, sessionID string, err error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID, newPriceID string) (*types.ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*types.ProviderSubscription, error)
	ReactivateSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)
}

// AccountReader is the account lookup surface the service needs.
type AccountReader interface {
	GetByID(ctx context.Context, accountID string) (*types.Account, error)
}

// Service implements the user-facing billing operations. Each mutating
// action calls the provider synchronously and then folds the provider's
// response into the local record as a synthetic event, so user actions and
// webhook deliveries compete under the same staleness and version rules. A
// provider response describing a change whose webhook already landed is
// simply ignored as stale.
type Service struct {
	provider   BillingProvider
	store      SubscriptionStore
	accounts   AccountReader
	reconciler *Reconciler
	catalog    *PlanCatalog
	logger     *slog.Logger
}

// NewService creates the billing service.
func NewService(
	provider BillingProvider,
	store SubscriptionStore,
	accounts AccountReader,
	reconciler *Reconciler,
	catalog *PlanCatalog,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = DefaultPlanCatalog()
	}
	return &Service{
		provider:   provider,
		store:      store,
		accounts:   accounts,
		reconciler: reconciler,
		catalog:    catalog,
		logger:     logger,
	}
}

// EnsureCustomer guarantees the account has a provider customer, creating
// one idempotently on first use.
func (s *Service) EnsureCustomer(ctx context.Context, accountID, email string) (string, error) {
	return s.provider.EnsureCustomer(ctx, accountID, email)
}

// CreateCheckoutSession returns a hosted checkout URL for the target plan.
// The local record is created lazily here so the account has a row before
// the first webhook lands.
func (s *Service) CreateCheckoutSession(
	ctx context.Context,
	accountID string,
	plan types.PlanID,
	urls types.RedirectURLs,
) (string, string, error) {
	priceID, err := s.catalog.PriceFor(plan)
	if err != nil {
		return "", "", err
	}

	customerID, err := s.ensureCustomerFor(ctx, accountID)
	if err != nil {
		return "", "", err
	}

	if _, err := s.store.CreateIfAbsent(ctx, accountID, customerID); err != nil {
		return "", "", err
	}

	return s.provider.CreateCheckoutSession(ctx, accountID, customerID, priceID, urls)
}

// CreatePortalSession returns a self-serve billing portal URL.
func (s *Service) CreatePortalSession(ctx context.Context, accountID, returnURL string) (string, error) {
	customerID, err := s.ensureCustomerFor(ctx, accountID)
	if err != nil {
		return "", err
	}
	return s.provider.CreatePortalSession(ctx, customerID, returnURL)
}

// GetSubscription returns the authoritative local record. The local store is
// the read model; provider corroboration happens through RefreshSubscription
// and the webhook path, never on the hot read path.
func (s *Service) GetSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	rec, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			// No billing interaction yet; present the implicit free record
			// rather than a 404.
			return &types.SubscriptionRecord{
				AccountID: accountID,
				PlanID:    types.PlanFree,
				Status:    types.SubStatusNone,
			}, nil
		}
		return nil, err
	}
	return rec, nil
}

// RefreshSubscription reads the provider's current subscription state and
// folds it into the local record under the usual staleness rule. Used when a
// caller suspects webhook lag, e.g. right after a checkout redirect.
func (s *Service) RefreshSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	rec, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalSubscriptionID == "" {
		return rec, nil
	}

	ps, err := s.provider.GetSubscription(ctx, rec.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	return s.foldProviderState(ctx, accountID, rec, ps)
}

// CancelSubscription cancels the account's subscription, immediately or at
// the period boundary, and returns the updated record.
func (s *Service) CancelSubscription(ctx context.Context, accountID string, atPeriodEnd bool) (*types.SubscriptionRecord, error) {
	rec, err := s.requireSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ps, err := s.provider.CancelSubscription(ctx, rec.ExternalSubscriptionID, atPeriodEnd)
	if err != nil {
		return nil, err
	}
	return s.foldProviderState(ctx, accountID, rec, ps)
}

// ReactivateSubscription clears a pending cancel-at-period-end and returns
// the updated record.
func (s *Service) ReactivateSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	rec, err := s.requireSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !rec.CancelAtPeriodEnd {
		return rec, nil
	}

	ps, err := s.provider.ReactivateSubscription(ctx, rec.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	return s.foldProviderState(ctx, accountID, rec, ps)
}

// ChangePlan moves the subscription to a different paid plan and returns the
// updated record.
func (s *Service) ChangePlan(ctx context.Context, accountID string, plan types.PlanID) (*types.SubscriptionRecord, error) {
	priceID, err := s.catalog.PriceFor(plan)
	if err != nil {
		return nil, err
	}

	rec, err := s.requireSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.PlanID == plan {
		return rec, nil
	}

	ps, err := s.provider.UpdateSubscription(ctx, rec.ExternalSubscriptionID, priceID)
	if err != nil {
		return nil, err
	}
	return s.foldProviderState(ctx, accountID, rec, ps)
}

// ensureCustomerFor resolves the account's billing email and guarantees a
// provider customer exists.
func (s *Service) ensureCustomerFor(ctx context.Context, accountID string) (string, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.CustomerID != "" {
		return acct.CustomerID, nil
	}
	return s.provider.EnsureCustomer(ctx, accountID, acct.BillingEmail)
}

// requireSubscription loads the record and rejects actions on accounts that
// have nothing to act on.
func (s *Service) requireSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error) {
	rec, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalSubscriptionID == "" {
		return nil, types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			"account "+accountID+" has no active subscription",
			nil,
		)
	}
	return rec, nil
}

// foldProviderState converts a provider response into a synthetic event and
// applies it. An ignored-as-stale result means a webhook for the same change
// already landed; the current record is returned either way.
func (s *Service) foldProviderState(
	ctx context.Context,
	accountID string,
	rec *types.SubscriptionRecord,
	ps *types.ProviderSubscription,
) (*types.SubscriptionRecord, error) {
	ev := syntheticEventFromProvider(rec, ps)

	result, err := s.reconciler.ApplyUserAction(ctx, accountID, ev)
	if err != nil {
		return nil, err
	}

	if result.Outcome == types.OutcomeApplied {
		return result.Record, nil
	}

	// Stale: the webhook won the race. Re-read so the caller sees the
	// authoritative state.
	return s.store.GetByAccountID(ctx, accountID)
}

// syntheticEventFromProvider builds the synthetic BillingEvent representing
// a provider response to a user action. occurredAt is the response receipt
// time, so the event competes with webhooks under the normal staleness rule.
func syntheticEventFromProvider(rec *types.SubscriptionRecord, ps *types.ProviderSubscription) *types.BillingEvent {
	evType := types.EventSubscriptionUpdated
	if ps.Status == "canceled" {
		evType = types.EventSubscriptionDeleted
	}

	periodEnd := ps.CurrentPeriodEnd
	cancelAtPeriodEnd := ps.CancelAtPeriodEnd

	return &types.BillingEvent{
		Type:                   evType,
		ExternalCustomerID:     rec.ExternalCustomerID,
		ExternalSubscriptionID: ps.ID,
		ProviderStatus:         ps.Status,
		CurrentPeriodEnd:       &periodEnd,
		CancelAtPeriodEnd:      &cancelAtPeriodEnd,
		PriceID:                ps.PriceID,
		OccurredAt:             ps.UpdatedAt,
		Synthetic:              true,
	}
}
