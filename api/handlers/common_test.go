package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/api"
	"github.com/BaSui01/costpilot/orchestrator"
	"github.com/BaSui01/costpilot/provider"
)

// =============================================================================
// 🧪 响应辅助函数测试
// =============================================================================

func TestWriteJSON_SetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, HealthStatus{Status: "degraded", DegradationLevel: "Moderate"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "Moderate", status.DegradationLevel)
}

func TestWriteSuccess_WrapsPayload(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]any{"tier": "economy", "cost": 0.004})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "economy", data["tier"])
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusForbidden, "UNKNOWN_PRINCIPAL", "tenant-z is not registered", zap.NewNop())

	assert.Equal(t, http.StatusForbidden, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNKNOWN_PRINCIPAL", resp.Error.Code)
	assert.Equal(t, "tenant-z is not registered", resp.Error.Message)
}

// =============================================================================
// 🧪 领域错误映射测试
// =============================================================================

func TestWriteDomainError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid request",
			err:            fmt.Errorf("%w: query is empty", orchestrator.ErrInvalidRequest),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_REQUEST",
		},
		{
			name:           "unknown principal",
			err:            fmt.Errorf("%w: tenant-z", orchestrator.ErrUnknownPrincipal),
			expectedStatus: http.StatusForbidden,
			expectedCode:   "UNKNOWN_PRINCIPAL",
		},
		{
			name:           "content filtered",
			err:            &provider.Error{Code: provider.ErrContentFiltered, Message: "unsafe content"},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   string(provider.ErrContentFiltered),
		},
		{
			name:           "rate limited",
			err:            &provider.Error{Code: provider.ErrRateLimited, Message: "too many requests", Retryable: true},
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   string(provider.ErrRateLimited),
		},
		{
			name:           "upstream timeout",
			err:            &provider.Error{Code: provider.ErrUpstreamTimeout, Message: "deadline exceeded", Retryable: true},
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   string(provider.ErrUpstreamTimeout),
		},
		{
			name:           "unhandled error",
			err:            errors.New("database connection failed"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDomainError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestWriteDomainError_RetryableFlag(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDomainError(w, &provider.Error{
		Code:      provider.ErrProviderUnavailable,
		Message:   "all endpoints down",
		Retryable: true,
	}, zap.NewNop())

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.True(t, resp.Error.Retryable)
}

func TestMapProviderErrorStatus(t *testing.T) {
	tests := []struct {
		code       provider.ErrorCode
		wantStatus int
	}{
		{provider.ErrInvalidRequest, http.StatusBadRequest},
		{provider.ErrContentFiltered, http.StatusUnprocessableEntity},
		{provider.ErrRateLimited, http.StatusTooManyRequests},
		{provider.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{provider.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{provider.ErrUpstreamError, http.StatusBadGateway},
		{"UNKNOWN_CODE", http.StatusInternalServerError}, // 默认
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, mapProviderErrorStatus(tt.code))
		})
	}
}

// =============================================================================
// 🧪 请求体解码测试
// =============================================================================

func TestDecodeJSONBody(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name    string
		body    string
		wantErr bool
		check   func(*testing.T, *api.RespondRequest)
	}{
		{
			name: "valid respond request",
			body: `{"principal":"tenant-1","query":"reset my password","persona":"support","language":"en"}`,
			check: func(t *testing.T, req *api.RespondRequest) {
				assert.Equal(t, "tenant-1", req.Principal)
				assert.Equal(t, "reset my password", req.Query)
				assert.Equal(t, "support", req.Persona)
			},
		},
		{
			name:    "malformed JSON",
			body:    `{"principal":"tenant-1",}`,
			wantErr: true,
		},
		{
			name:    "unknown field rejected",
			body:    `{"principal":"tenant-1","query":"hi","budget_override":9999}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/v1/respond", strings.NewReader(tt.body))

			var req api.RespondRequest
			err := DecodeJSONBody(w, r, &req, logger)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, &req)
		})
	}
}

func TestDecodeJSONBody_BodySizeLimit(t *testing.T) {
	logger := zap.NewNop()

	// 超过 1 MB 的请求体被拒绝
	oversized := `{"principal":"tenant-1","query":"` + strings.Repeat("x", 2<<20) + `"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/respond", strings.NewReader(oversized))

	var req api.RespondRequest
	assert.Error(t, DecodeJSONBody(w, r, &req, logger))

	// 正常大小不受影响
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/respond", strings.NewReader(`{"principal":"tenant-1","query":"hi"}`))
	require.NoError(t, DecodeJSONBody(w, r, &req, logger))
	assert.Equal(t, "tenant-1", req.Principal)
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/json; charset=UTF-8", true},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("ct="+tt.contentType, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/v1/respond", nil)
			r.Header.Set("Content-Type", tt.contentType)

			assert.Equal(t, tt.want, ValidateContentType(w, r, zap.NewNop()))
		})
	}
}

// =============================================================================
// 🧪 ResponseWriter 包装测试
// =============================================================================

func TestResponseWriter_CapturesFirstStatusOnly(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.True(t, rw.Written)

	// 后续状态码写入被忽略
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("body"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestResponseWriter_ImplicitOKOnWrite(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())

	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
