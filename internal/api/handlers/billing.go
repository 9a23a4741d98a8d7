// This file implements the authenticated billing endpoints: checkout and
// portal session creation, subscription read, and the user-initiated
// subscription actions (cancel, reactivate, plan change) that flow through
// the reconciler's synthetic-event path.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subsync/internal/core"
	"subsync/internal/types"
)

// --- Service Interfaces ---
//
// Defined locally: the handler names the contract it needs and
// implementations are injected via the constructor.

// SubscriptionService is the user-facing billing surface backed by
// billing.Service.
type SubscriptionService interface {
	// CreateCheckoutSession generates a hosted checkout URL for the plan.
	CreateCheckoutSession(ctx context.Context, accountID string, plan types.PlanID, urls types.RedirectURLs) (checkoutURL string, sessionID string, err error)

	// CreatePortalSession generates a self-serve billing portal URL.
	CreatePortalSession(ctx context.Context, accountID, returnURL string) (string, error)

	// GetSubscription returns the authoritative local record.
	GetSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error)

	// RefreshSubscription folds the provider's current state into the local
	// record before returning it. Used when the caller suspects webhook lag.
	RefreshSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error)

	// CancelSubscription cancels immediately or at the period boundary.
	CancelSubscription(ctx context.Context, accountID string, atPeriodEnd bool) (*types.SubscriptionRecord, error)

	// ReactivateSubscription clears a pending cancel-at-period-end.
	ReactivateSubscription(ctx context.Context, accountID string) (*types.SubscriptionRecord, error)

	// ChangePlan moves the subscription to a different paid plan.
	ChangePlan(ctx context.Context, accountID string, plan types.PlanID) (*types.SubscriptionRecord, error)
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the body for POST /v1/billing/checkout-session.
// Success/cancel URLs are constructed server-side from the configured
// dashboard URL to prevent open redirects.
type CreateCheckoutRequest struct {
	Plan types.PlanID `json:"plan" validate:"required,oneof=basic premium"`
}

// CheckoutResponse is the response for POST /v1/billing/checkout-session.
type CheckoutResponse struct {
	CheckoutURL string    `json:"checkout_url"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PortalResponse is the response for POST /v1/billing/portal-session.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// CancelRequest is the body for POST /v1/billing/subscription/cancel.
type CancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

// ChangePlanRequest is the body for POST /v1/billing/subscription/plan.
type ChangePlanRequest struct {
	Plan types.PlanID `json:"plan" validate:"required,oneof=basic premium"`
}

// SubscriptionResponse is the outward projection of a SubscriptionRecord.
type SubscriptionResponse struct {
	AccountID         string                   `json:"account_id"`
	Plan              types.PlanID             `json:"plan"`
	Status            types.SubscriptionStatus `json:"status"`
	Entitled          bool                     `json:"entitled"`
	CurrentPeriodEnd  *time.Time               `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
}

func subscriptionResponse(rec *types.SubscriptionRecord) SubscriptionResponse {
	resp := SubscriptionResponse{
		AccountID:         rec.AccountID,
		Plan:              rec.PlanID,
		Status:            rec.Status,
		Entitled:          rec.Status.Entitled(),
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		t := rec.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &t
	}
	return resp
}

// --- Billing Handler ---

// BillingHandler handles synchronous billing actions initiated by the user.
type BillingHandler struct {
	service      SubscriptionService
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	svc SubscriptionService,
	v *core.Validator,
	dashboardURL string,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		service:      svc,
		validator:    v,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// RegisterRoutes mounts the authenticated billing endpoints. The parent
// router applies the RequireAccount middleware.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout-session", h.CreateCheckoutSession)
	r.Post("/billing/portal-session", h.CreatePortalSession)
	r.Get("/billing/subscription", h.GetSubscription)
	r.Post("/billing/subscription/cancel", h.CancelSubscription)
	r.Post("/billing/subscription/reactivate", h.ReactivateSubscription)
	r.Post("/billing/subscription/plan", h.ChangePlan)
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
// The free plan is rejected; downgrades go through the billing portal.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, errMissingAccount())
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	// Server-controlled redirect URLs; client input is never trusted here.
	urls := types.RedirectURLs{
		Success: h.dashboardURL + "/billing?success=true",
		Cancel:  h.dashboardURL + "/billing?canceled=true",
	}

	checkoutURL, sessionID, err := h.service.CreateCheckoutSession(r.Context(), accountID, req.Plan, urls)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			slog.String("account_id", accountID),
			slog.String("plan", string(req.Plan)),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	resp := CheckoutResponse{
		CheckoutURL: checkoutURL,
		SessionID:   sessionID,
		// Hosted checkout sessions expire after 24 hours at the provider.
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// CreatePortalSession handles POST /v1/billing/portal-session.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, errMissingAccount())
		return
	}

	returnURL := h.dashboardURL + "/billing"

	portalURL, err := h.service.CreatePortalSession(r.Context(), accountID, returnURL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create portal session",
			slog.String("account_id", accountID),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PortalResponse{PortalURL: portalURL}})
}

// GetSubscription handles GET /v1/billing/subscription.
//
// With ?refresh=true the provider's current state is folded into the local
// record first. Callers use this right after a checkout redirect, when the
// confirming webhook may not have landed yet.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, errMissingAccount())
		return
	}

	var rec *types.SubscriptionRecord
	var err error
	if r.URL.Query().Get("refresh") == "true" {
		rec, err = h.service.RefreshSubscription(r.Context(), accountID)
	} else {
		rec, err = h.service.GetSubscription(r.Context(), accountID)
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(rec)})
}

// CancelSubscription handles POST /v1/billing/subscription/cancel.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, errMissingAccount())
		return
	}

	var req CancelRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	rec, err := h.service.CancelSubscription(r.Context(), accountID, req.AtPeriodEnd)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to cancel subscription",
			slog.String("account_id", accountID),
			slog.Bool("at_period_end", req.AtPeriodEnd),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(rec)})
}

// ReactivateSubscription handles POST /v1/billing/subscription/reactivate.
func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, errMissingAccount())
		return
	}

	rec, err := h.service.ReactivateSubscription(r.Context(), accountID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to reactivate subscription",
			slog.String("account_id", accountID),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(rec)})
}

// ChangePlan handles POST /v1/billing/subscription/plan.
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, errMissingAccount())
		return
	}

	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	rec, err := h.service.ChangePlan(r.Context(), accountID, req.Plan)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to change plan",
			slog.String("account_id", accountID),
			slog.String("plan", string(req.Plan)),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subscriptionResponse(rec)})
}

func errMissingAccount() error {
	return types.NewAppError(
		types.ErrCodeValidationFailed,
		"account context is required",
		nil,
	)
}
