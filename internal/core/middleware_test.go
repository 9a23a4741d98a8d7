package core

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var ctxID string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, ctxID)
	assert.Equal(t, ctxID, w.Header().Get("X-Request-Id"))
}

func TestRequestID_HonorsInbound(t *testing.T) {
	var ctxID string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = types.GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "req_upstream")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "req_upstream", ctxID)
	assert.Equal(t, "req_upstream", w.Header().Get("X-Request-Id"))
}

func TestRecoverer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recoverer(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_unexpected_error")
	assert.NotContains(t, w.Body.String(), "boom", "panic values must not reach clients")
}

type headerResolver struct{}

func (headerResolver) ResolveAccount(r *http.Request) (string, error) {
	id := r.Header.Get("X-Account-Id")
	if id == "" {
		return "", types.NewAppError(types.ErrCodeValidationFailed, "account identity is required", nil)
	}
	return id, nil
}

func TestRequireAccount(t *testing.T) {
	var gotID string
	var gotOK bool
	h := RequireAccount(headerResolver{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = types.GetAccountID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Account-Id", "acct_1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.True(t, gotOK)
	assert.Equal(t, "acct_1", gotID)
}

func TestRequireAccount_Unresolved(t *testing.T) {
	called := false
	h := RequireAccount(headerResolver{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
