package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/types"
)

func testRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := WithRequestID(r.Context(), "req-123")
	ctx = WithStartTime(ctx, time.Now())
	return r.WithContext(ctx)
}

func decodeErrorResponse(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrValidation, http.StatusBadRequest},
		{types.ErrCodeTooLarge, http.StatusBadRequest},
		{types.ErrStdinTooLarge, http.StatusBadRequest},
		{types.ErrDangerousPattern, http.StatusBadRequest},
		{types.ErrUnsupportedLang, http.StatusBadRequest},
		{types.ErrSessionNotActive, http.StatusBadRequest},
		{types.ErrAuthentication, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrQuotaExceeded, http.StatusTooManyRequests},
		{types.ErrRuntimeUnavailable, http.StatusServiceUnavailable},
		{types.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{types.ErrProviderOverloaded, http.StatusServiceUnavailable},
		{types.ErrCircuitOpen, http.StatusServiceUnavailable},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrExecutionTimeout, http.StatusGatewayTimeout},
		{types.ErrProviderError, http.StatusBadGateway},
		{types.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, statusForCode(tt.code))
		})
	}
}

func TestWriteError_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodPost, "/api/execute", "")

	WriteError(w, r, types.NewError(types.ErrDangerousPattern,
		"code contains potentially dangerous patterns"), zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	resp := decodeErrorResponse(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "DANGEROUS_PATTERN", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "dangerous patterns")
	assert.Equal(t, "req-123", resp.Error.RequestID)
	assert.False(t, resp.Error.Timestamp.IsZero())
	require.NotNil(t, resp.Metadata)
	assert.GreaterOrEqual(t, resp.Metadata.ResponseTime, int64(0))
}

func TestWriteError_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodPost, "/ai/chat", "")

	err := types.NewError(types.ErrRateLimited, "too many requests").
		WithRetryAfter(30 * time.Second)
	WriteError(w, r, err, nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteError_UnknownErrorRedacted(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/api/system", "")

	WriteError(w, r, errors.New("pq: connection refused to 10.0.0.5"), zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeErrorResponse(t, w)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, "internal server error", resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, "10.0.0.5")
}

func TestWriteError_HTTPStatusOverride(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/", "")

	WriteError(w, r, types.NewError(types.ErrValidation, "nope").
		WithHTTPStatus(http.StatusUnprocessableEntity), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDecodeJSONBody_Invalid(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodPost, "/api/execute", "{not json")

	var dst struct{}
	err := DecodeJSONBody(w, r, &dst, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeErrorResponse(t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}
