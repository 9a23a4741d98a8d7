// Package billing contains the core of the reconciliation engine: the event
// codec, the plan catalog, and the reconciler state machine that folds
// billing events into the local subscription record.
package billing

import (
	"encoding/json"
	"time"

	"subsync/internal/types"
)

// Provider event type strings as they appear on the wire.
const (
	wireSubCreated    = "customer.subscription.created"
	wireSubUpdated    = "customer.subscription.updated"
	wireSubDeleted    = "customer.subscription.deleted"
	wireInvoicePaid   = "invoice.paid"
	wireInvoiceFailed = "invoice.payment_failed"
)

// SignatureVerifier checks a webhook payload against its signature header.
type SignatureVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// EventCodec verifies and decodes raw webhook payloads into typed
// BillingEvents. Decoding is strict about authenticity and structure but
// permissive about content: unrecognized event types decode successfully as
// EventUnknown so the caller can acknowledge them.
type EventCodec struct {
	verifier SignatureVerifier
	secret   types.SecretString
}

// NewEventCodec creates a codec bound to the webhook signing secret.
func NewEventCodec(verifier SignatureVerifier, secret types.SecretString) *EventCodec {
	return &EventCodec{verifier: verifier, secret: secret}
}

// Decode verifies the payload signature and parses it into a BillingEvent.
//
// Failure modes:
//   - signature mismatch or expired timestamp -> validation_signature_invalid
//   - structurally invalid JSON, or a recognized type missing required
//     fields -> validation_payload_malformed
//
// A verified payload whose type is not recognized returns an event of type
// EventUnknown rather than an error; such events carry enough identity
// (event ID, customer) to be ledgered and acknowledged.
func (c *EventCodec) Decode(payload []byte, sigHeader string) (*types.BillingEvent, error) {
	if err := c.verifier.Verify(payload, sigHeader, c.secret.Unmask()); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeSignatureInvalid,
			"webhook signature verification failed",
			err,
		)
	}

	var envelope wireEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, types.NewAppError(
			types.ErrCodePayloadMalformed,
			"webhook payload is not valid JSON",
			err,
		)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, types.NewAppError(
			types.ErrCodePayloadMalformed,
			"webhook payload missing event id or type",
			nil,
		)
	}

	event := &types.BillingEvent{
		ExternalEventID: envelope.ID,
		OccurredAt:      time.Unix(envelope.Created, 0).UTC(),
	}

	switch envelope.Type {
	case wireSubCreated, wireSubUpdated, wireSubDeleted:
		event.Type = mapSubscriptionEventType(envelope.Type)
		if err := decodeSubscriptionObject(envelope.Data.Object, event); err != nil {
			return nil, err
		}
	case wireInvoicePaid:
		event.Type = types.EventInvoicePaid
		if err := decodeInvoiceObject(envelope.Data.Object, event); err != nil {
			return nil, err
		}
	case wireInvoiceFailed:
		event.Type = types.EventInvoiceFailed
		if err := decodeInvoiceObject(envelope.Data.Object, event); err != nil {
			return nil, err
		}
	default:
		event.Type = types.EventUnknown
		// Best-effort customer extraction for logging; unknown payloads are
		// never required to parse.
		var obj wireSubscriptionObj
		if json.Unmarshal(envelope.Data.Object, &obj) == nil {
			event.ExternalCustomerID = obj.Customer
		}
	}

	return event, nil
}

func mapSubscriptionEventType(wire string) types.EventType {
	switch wire {
	case wireSubCreated:
		return types.EventSubscriptionCreated
	case wireSubDeleted:
		return types.EventSubscriptionDeleted
	default:
		return types.EventSubscriptionUpdated
	}
}

// decodeSubscriptionObject populates the event from a subscription object.
func decodeSubscriptionObject(raw json.RawMessage, event *types.BillingEvent) error {
	var obj wireSubscriptionObj
	if err := json.Unmarshal(raw, &obj); err != nil {
		return types.NewAppError(
			types.ErrCodePayloadMalformed,
			"subscription event data object is malformed",
			err,
		)
	}
	if obj.ID == "" || obj.Customer == "" {
		return types.NewAppError(
			types.ErrCodePayloadMalformed,
			"subscription event missing subscription or customer id",
			nil,
		)
	}

	event.ExternalSubscriptionID = obj.ID
	event.ExternalCustomerID = obj.Customer
	event.ProviderStatus = obj.Status
	event.CancelAtPeriodEnd = &obj.CancelAtPeriodEnd
	if obj.CurrentPeriodEnd > 0 {
		t := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		event.CurrentPeriodEnd = &t
	}
	if len(obj.Items.Data) > 0 {
		event.PriceID = obj.Items.Data[0].Price.ID
	}
	return nil
}

// decodeInvoiceObject populates the event from an invoice object. Invoices
// carry no plan or period fields the reconciler trusts; only identity.
func decodeInvoiceObject(raw json.RawMessage, event *types.BillingEvent) error {
	var obj wireInvoiceObj
	if err := json.Unmarshal(raw, &obj); err != nil {
		return types.NewAppError(
			types.ErrCodePayloadMalformed,
			"invoice event data object is malformed",
			err,
		)
	}
	if obj.Customer == "" {
		return types.NewAppError(
			types.ErrCodePayloadMalformed,
			"invoice event missing customer id",
			nil,
		)
	}

	event.ExternalCustomerID = obj.Customer
	event.ExternalSubscriptionID = obj.Subscription
	return nil
}

// ---------------------------------------------------------------------------
// Wire representation
// ---------------------------------------------------------------------------

// wireEvent is a minimal representation of a provider webhook event, tailored
// to the fields the reconciler consumes. The full stripe.Event type is not
// imported here; a narrow local struct keeps the codec decoupled and easy to
// exercise in tests.
type wireEvent struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Created int64         `json:"created"`
	Data    wireEventData `json:"data"`
}

type wireEventData struct {
	Object json.RawMessage `json:"object"`
}

type wireSubscriptionObj struct {
	ID                string        `json:"id"`
	Customer          string        `json:"customer"`
	Status            string        `json:"status"`
	CancelAtPeriodEnd bool          `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64         `json:"current_period_end"`
	Items             wireItemsList `json:"items"`
}

type wireItemsList struct {
	Data []wireItem `json:"data"`
}

type wireItem struct {
	Price wirePrice `json:"price"`
}

type wirePrice struct {
	ID string `json:"id"`
}

type wireInvoiceObj struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}
