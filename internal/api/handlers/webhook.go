// Package handlers contains the HTTP handler implementations for the
// subsync API.
//
// This file implements the billing webhook endpoint. The route is NOT behind
// auth middleware; it is called directly by the billing provider, and
// security comes from verifying the signature header over the raw payload.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subsync/internal/billing"
	"subsync/internal/core"
	"subsync/internal/types"
)

// maxWebhookBodySize caps provider webhook payloads (64 KB). Real payloads
// are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EventDecoder verifies and decodes a raw webhook payload.
type EventDecoder interface {
	Decode(payload []byte, sigHeader string) (*types.BillingEvent, error)
}

// EventProcessor runs the reconciliation path for a decoded event.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev *types.BillingEvent) (*billing.ReconcileResult, error)
}

// WebhookHandler receives asynchronous events from the billing provider.
//
// Response contract, which drives the provider's redelivery behavior:
//   - 200: event applied, or disposed of benignly (duplicate, stale,
//     unknown type, no local account), or durably parked.
//   - 400: signature or payload failure; the provider should not bother
//     redelivering an unverifiable payload.
//   - 5xx: transient processing failure; the provider should redeliver. The
//     claim was released, or is still held by another in-flight delivery of
//     the same event.
type WebhookHandler struct {
	codec      EventDecoder
	reconciler EventProcessor
	budget     time.Duration
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. budget bounds the synchronous
// processing time per delivery; past it the provider gets a timeout and
// redelivers.
func NewWebhookHandler(codec EventDecoder, reconciler EventProcessor, budget time.Duration, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return &WebhookHandler{
		codec:      codec,
		reconciler: reconciler,
		budget:     budget,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Separate from the billing
// routes because webhooks are public.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// webhookAck is the body returned on acknowledged deliveries.
type webhookAck struct {
	EventID string              `json:"event_id"`
	Outcome types.LedgerOutcome `json:"outcome"`
}

// Handle processes one webhook delivery end to end: read, verify+decode,
// reconcile, acknowledge.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.budget)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePayloadMalformed,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(ctx, "webhook delivery missing signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureInvalid,
			"missing signature header",
			nil,
		))
		return
	}

	// Signature and payload failures are handled here at the boundary; they
	// never reach the reconciler and create no ledger entry.
	ev, err := h.codec.Decode(payload, sigHeader)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook decode rejected", slog.Any("error", err))
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "processing billing webhook event",
		slog.String("event_id", ev.ExternalEventID),
		slog.String("event_type", string(ev.Type)),
	)

	result, err := h.reconciler.ProcessEvent(ctx, ev)
	if err != nil {
		// Transient failure: a non-2xx tells the provider to redeliver.
		h.logger.ErrorContext(ctx, "webhook event processing failed",
			slog.String("event_id", ev.ExternalEventID),
			slog.Any("error", err),
		)
		core.Error(w, r, transientStatus(err))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: webhookAck{
		EventID: ev.ExternalEventID,
		Outcome: result.Outcome,
	}})
}

// transientStatus coerces a processing failure into an error whose HTTP
// status triggers provider redelivery. Typed retryable errors already map to
// 5xx; anything untyped becomes a plain 500.
func transientStatus(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "event processing failed", err)
}
