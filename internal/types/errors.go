package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and repositories use these constants
// instead of hardcoded strings.
const (
	// Boundary rejections (400) -- handled at the webhook/API boundary and
	// never retried by this system; the provider's own retry policy governs
	// redelivery.
	ErrCodeSignatureInvalid  ErrorCode = "validation_signature_invalid"
	ErrCodePayloadMalformed  ErrorCode = "validation_payload_malformed"
	ErrCodeValidationFailed  ErrorCode = "validation_failed"
	ErrCodeValidationInvalid ErrorCode = "validation_invalid_json"

	// Not Found (404)
	ErrCodeNotFoundAccount      ErrorCode = "not_found_account"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictRetries    ErrorCode = "conflict_retries_exhausted"

	// Degraded-but-continuing conditions. Catalog misses never block a
	// status transition; they are flagged for manual review.
	ErrCodeCatalogUnresolved ErrorCode = "billing_catalog_unresolved"

	// Upstream provider (502) -- transient, safe to retry with backoff.
	ErrCodeUpstreamProvider    ErrorCode = "upstream_provider_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Provider permanent failures -- surfaced to the caller, never retried.
	ErrCodePaymentDeclined  ErrorCode = "payment_declined"
	ErrCodeProviderRejected ErrorCode = "payment_provider_rejected"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalInvariant  ErrorCode = "internal_invariant_violation"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// A live ledger claim held by another delivery of the same event. The
	// 500 keeps the provider redelivering until the claim resolves or goes
	// stale enough to take over.
	ErrCodeClaimInFlight ErrorCode = "internal_claim_in_flight"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodePaymentDeclined):
		return http.StatusPaymentRequired // 402
	case s == string(ErrCodeProviderRejected):
		return http.StatusUnprocessableEntity // 422
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// Retryable reports whether the caller may safely retry the failed operation.
// Optimistic-lock conflicts and transient upstream failures are retryable;
// boundary rejections and permanent provider failures are not.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeConflictConcurrent, ErrCodeConflictRetries,
		ErrCodeClaimInFlight,
		ErrCodeUpstreamProvider, ErrCodeUpstreamUnavailable,
		ErrCodeUpstreamRateLimited:
		return true
	}
	return false
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent error formatting,
// HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Retryable reports whether this error is safe to retry.
func (e *AppError) Retryable() bool {
	return e.Code.Retryable()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
