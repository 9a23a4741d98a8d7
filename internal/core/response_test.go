package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestJSON_WritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"plan": "premium"}})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"plan":"premium"}}`, w.Body.String())
}

func TestError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req_123"))

	Error(w, r, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found_subscription", resp.Error.Code)
	assert.Equal(t, "no active subscription", resp.Error.Message)
	assert.Equal(t, "req_123", resp.Error.RequestID)
	assert.False(t, resp.Error.Retryable)
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	inner := types.NewAppError(types.ErrCodeConflictConcurrent, "version conflict", nil)
	Error(w, r, errors.Join(errors.New("outer"), inner))

	assert.Equal(t, http.StatusConflict, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Error.Retryable)
}

func TestError_UntypedErrorIsOpaque500(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("pq: password authentication failed for user"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "internal_unexpected_error", resp.Error.Code)
	assert.NotContains(t, w.Body.String(), "password", "internal details must never leak")
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Plan string `json:"plan"`
	}

	t.Run("valid", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"basic"}`))

		var p payload
		require.NoError(t, DecodeJSON(w, r, &p))
		assert.Equal(t, "basic", p.Plan)
	})

	t.Run("empty body", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

		var p payload
		err := DecodeJSON(w, r, &p)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeValidationInvalid, appErr.Code)
	})

	t.Run("malformed", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{oops`))

		var p payload
		err := DecodeJSON(w, r, &p)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, types.ErrCodeValidationInvalid, appErr.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"basic","nope":1}`))

		var p payload
		err := DecodeJSON(w, r, &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown field")
	})

	t.Run("wrong type", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":42}`))

		var p payload
		err := DecodeJSON(w, r, &p)
		require.Error(t, err)

		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "plan", appErr.Details["field"])
	})

	t.Run("multiple documents", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"basic"}{"plan":"premium"}`))

		var p payload
		err := DecodeJSON(w, r, &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "single JSON object")
	})
}
