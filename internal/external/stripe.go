package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"subsync/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// CustomerBinder is the minimal data access the StripeClient needs to persist
// the account -> customer binding it establishes.
type CustomerBinder interface {
	// SetCustomerID binds the provider customer ID to the account.
	SetCustomerID(ctx context.Context, accountID, customerID string) error
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient is the Outbound Billing Client: a thin, synchronous wrapper
// over the provider's REST API routed through BaseClient so every call gets
// circuit breaking, retries, and error mapping. Results feed the reconciler;
// none of the calls may be assumed to have side-effect-free retries, so
// callers stay idempotent-call-aware (cancellation in particular is
// idempotent at the provider and safe to repeat).
type StripeClient struct {
	base    *BaseClient
	secret  types.SecretString
	baseURL string
	binder  CustomerBinder
	logger  *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout bounds
// every provider call; a timeout surfaces as a transient provider error.
func NewStripeClient(httpClient *http.Client, binder CustomerBinder, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"SubSync/1.0",
	)

	return &StripeClient{
		base:    base,
		secret:  cfg.SecretKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		binder:  binder,
		logger:  logger,
	}
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for tests that control retry/breaker behavior.
func NewStripeClientWithBase(base *BaseClient, binder CustomerBinder, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:    base,
		secret:  cfg.SecretKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		binder:  binder,
		logger:  logger,
	}
}

// ---------------------------------------------------------------------------
// BillingProvider implementation
// ---------------------------------------------------------------------------

// EnsureCustomer retrieves or creates the provider customer for the account.
// Search-first to prevent duplicates:
//  1. Query the customer search API for a metadata['account_id'] match.
//  2. If found, persist and return the existing customer ID.
//  3. Otherwise create a new customer carrying account_id metadata.
//  4. Persist the binding locally (immutable once set).
func (s *StripeClient) EnsureCustomer(ctx context.Context, accountID, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['account_id']:'%s'", accountID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapTransportError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		s.persistBinding(ctx, accountID, customerID)
		return customerID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[account_id]", accountID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapTransportError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode customer creation response",
			err,
		)
	}

	s.persistBinding(ctx, accountID, customer.ID)
	return customer.ID, nil
}

// persistBinding stores the account -> customer binding. A binding failure is
// logged but does not fail the provider call; EnsureCustomer is self-healing
// on the next invocation.
func (s *StripeClient) persistBinding(ctx context.Context, accountID, customerID string) {
	if s.binder == nil {
		return
	}
	if err := s.binder.SetCustomerID(ctx, accountID, customerID); err != nil {
		s.logger.WarnContext(ctx, "failed to persist customer binding",
			"account_id", accountID,
			"customer_id", customerID,
			"error", err,
		)
	}
}

// CreateCheckoutSession generates a hosted checkout URL for the given price.
// client_reference_id is set to the account ID for webhook correlation.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	accountID string,
	customerID string,
	priceID string,
	urls types.RedirectURLs,
) (checkoutURL string, sessionID string, err error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", accountID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[account_id]", accountID)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapTransportError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode checkout session response",
			err,
		)
	}

	return session.URL, session.ID, nil
}

// CreatePortalSession generates a self-serve billing portal URL.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapTransportError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode portal session response",
			err,
		)
	}

	return session.URL, nil
}

// GetSubscription retrieves the subscription by provider ID and normalizes it.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, s.wrapTransportError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	return decodeSubscription(resp.Body)
}

// UpdateSubscription moves the subscription to a new price. The provider
// requires the existing item ID, so the current subscription is read first.
func (s *StripeClient) UpdateSubscription(ctx context.Context, subscriptionID, newPriceID string) (*types.ProviderSubscription, error) {
	current, err := s.getRawSubscription(ctx, subscriptionID, "UpdateSubscription.read")
	if err != nil {
		return nil, err
	}
	if len(current.Items.Data) == 0 {
		return nil, types.NewAppError(
			types.ErrCodeProviderRejected,
			"subscription "+subscriptionID+" has no items to update",
			nil,
		)
	}

	params := url.Values{}
	params.Set("items[0][id]", current.Items.Data[0].ID)
	params.Set("items[0][price]", newPriceID)
	params.Set("proration_behavior", "create_prorations")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params)
	if err != nil {
		return nil, s.wrapTransportError("UpdateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "UpdateSubscription")
	}

	return decodeSubscription(resp.Body)
}

// CancelSubscription cancels the subscription. With atPeriodEnd the
// subscription lapses at the period boundary (flag update); otherwise it is
// canceled immediately. Both forms are idempotent at the provider.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*types.ProviderSubscription, error) {
	var resp *http.Response
	var err error

	if atPeriodEnd {
		params := url.Values{}
		params.Set("cancel_at_period_end", "true")
		resp, err = s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params)
	} else {
		resp, err = s.doDelete(ctx, "/v1/subscriptions/"+subscriptionID)
	}
	if err != nil {
		return nil, s.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CancelSubscription")
	}

	return decodeSubscription(resp.Body)
}

// ReactivateSubscription clears the cancel-at-period-end flag on a
// subscription that has not yet lapsed.
func (s *StripeClient) ReactivateSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	params := url.Values{}
	params.Set("cancel_at_period_end", "false")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+subscriptionID, params)
	if err != nil {
		return nil, s.wrapTransportError("ReactivateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "ReactivateSubscription")
	}

	return decodeSubscription(resp.Body)
}

// getRawSubscription fetches the raw subscription object without normalizing.
func (s *StripeClient) getRawSubscription(ctx context.Context, subscriptionID, operation string) (*stripeSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil, s.wrapTransportError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, operation)
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode subscription response",
			err,
		)
	}
	return &sub, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the provider authentication and API version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secret.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a provider error response and maps it to a
// types.AppError, distinguishing transient (retryable) from permanent
// failures.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: provider returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var provErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &provErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: provider returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return mapProviderError(operation, resp.StatusCode, &provErr.Error)
}

// mapProviderError translates a provider error into a types.AppError.
// 5xx and 429 are transient; declined cards and other 4xx are permanent and
// must not be retried by this system.
func mapProviderError(operation string, statusCode int, provErr *stripeErrorBody) error {
	if provErr.Code == "card_declined" || provErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, provErr.Message),
			nil,
			map[string]any{
				"decline_code":  provErr.DeclineCode,
				"provider_code": provErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: provider rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: provider server error: %s", operation, provErr.Message),
			nil,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeProviderRejected,
			fmt.Sprintf("%s: provider rejected the request (%d): %s", operation, statusCode, provErr.Message),
			nil,
			map[string]any{
				"provider_code": provErr.Code,
				"param":         provErr.Param,
			},
		)
	}
}

// wrapTransportError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	// BaseClient errors (breaker open, retries exhausted) already carry the
	// right transient code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: provider request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Response types and mapping
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CancelAtPeriodEnd bool                    `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64                   `json:"current_period_end"`
	Items             stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

// decodeSubscription decodes and normalizes a subscription response body.
// UpdatedAt is stamped with the receipt time: provider responses to
// synchronous calls describe the state as of "now", and the reconciler folds
// them into the record under the same staleness rule as webhook events.
func decodeSubscription(body io.Reader) (*types.ProviderSubscription, error) {
	var sub stripeSubscription
	if err := json.NewDecoder(body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode subscription response",
			err,
		)
	}
	return mapSubscription(&sub), nil
}

// mapSubscription converts a raw provider subscription into the normalized
// domain form.
func mapSubscription(sub *stripeSubscription) *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ID:                sub.ID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if len(sub.Items.Data) > 0 {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Webhook verification
// ---------------------------------------------------------------------------

// WebhookVerifier checks a webhook payload against its signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature validation: timestamped HMAC-SHA256 with constant-time compare
// and a tolerance window that rejects replayed payloads independent of the
// idempotency ledger.
type StripeVerifier struct{}

// Verify validates a webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
