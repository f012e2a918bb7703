package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 错误分类
// =============================================================================

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid request", &Error{Code: ErrInvalidRequest}, false},
		{"rate limited", &Error{Code: ErrRateLimited, Retryable: true}, true},
		{"upstream timeout", &Error{Code: ErrUpstreamTimeout, Retryable: true}, true},
		{"content filtered", &Error{Code: ErrContentFiltered}, false},
		{"wrapped provider error", &Error{Code: ErrUpstreamError, Retryable: true}, true},
		{"unknown error defaults retryable", errors.New("socket closed"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestTier_Valid(t *testing.T) {
	assert.True(t, TierHigh.Valid())
	assert.True(t, TierEconomy.Valid())
	assert.False(t, Tier("platinum").Valid())
	assert.False(t, Tier("").Valid())
}

// =============================================================================
// 🧪 Mock 提供者
// =============================================================================

func TestMockProvider_Echo(t *testing.T) {
	p := NewMockProvider()

	resp, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "hello there world", Tier: TierHigh})
	require.NoError(t, err)

	assert.Equal(t, "echo: hello there world", resp.Text)
	assert.Equal(t, 3, resp.TokensIn)
	assert.Equal(t, 11, resp.TokensOut)
	assert.Equal(t, "mock-high", resp.ModelUsed)
	assert.EqualValues(t, 1, p.Calls())
}

func TestMockProvider_FailWith(t *testing.T) {
	p := NewMockProvider()
	p.FailWith = &Error{Code: ErrRateLimited, Message: "simulated", Retryable: true}

	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "x"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrRateLimited, pe.Code)
	assert.EqualValues(t, 1, p.Calls(), "failed calls still count")
}

func TestMockProvider_DelayRespectsContext(t *testing.T) {
	p := NewMockProvider()
	p.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, &GenerateRequest{Prompt: "slow"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrUpstreamTimeout, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestMockProvider_Batch(t *testing.T) {
	p := NewMockProvider()

	resps, err := p.GenerateBatch(context.Background(), []*GenerateRequest{
		{Prompt: "one", Tier: TierEconomy},
		{Prompt: "two", Tier: TierEconomy},
	})
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, "echo: one", resps[0].Text)
	assert.Equal(t, "echo: two", resps[1].Text)
	assert.EqualValues(t, 2, p.Calls())
}

// =============================================================================
// 🧪 HTTP 提供者
// =============================================================================

func newChatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPProvider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewHTTPProvider(HTTPConfig{
		BaseURL:      srv.URL,
		APIKey:       "sk-test",
		HighModel:    "big-model",
		EconomyModel: "small-model",
	}, zap.NewNop())
	return srv, p
}

func TestHTTPProvider_GenerateRoutesModelByTier(t *testing.T) {
	var gotModel, gotAuth string
	_, p := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		gotAuth = r.Header.Get("Authorization")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   req.Model,
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "served"}}},
			"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 34},
		})
	})

	resp, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "q", Tier: TierHigh})
	require.NoError(t, err)
	assert.Equal(t, "big-model", gotModel)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "served", resp.Text)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 34, resp.TokensOut)

	_, err = p.Generate(context.Background(), &GenerateRequest{Prompt: "q", Tier: TierEconomy})
	require.NoError(t, err)
	assert.Equal(t, "small-model", gotModel)
}

func TestHTTPProvider_StatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCode  ErrorCode
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited, true},
		{"server error", http.StatusInternalServerError, ErrUpstreamError, true},
		{"bad gateway", http.StatusBadGateway, ErrUpstreamError, true},
		{"client error", http.StatusBadRequest, ErrInvalidRequest, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, p := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})

			_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "q", Tier: TierEconomy})
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.wantCode, pe.Code)
			assert.Equal(t, tc.retryable, pe.Retryable)
		})
	}
}

func TestHTTPProvider_EmptyChoices(t *testing.T) {
	_, p := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	_, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "q", Tier: TierEconomy})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrUpstreamError, pe.Code)
	assert.True(t, pe.Retryable)
}

func TestHTTPProvider_Timeout(t *testing.T) {
	_, p := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, &GenerateRequest{Prompt: "q", Tier: TierEconomy})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrUpstreamTimeout, pe.Code)
}

func TestHTTPProvider_BatchFallsBackToSequential(t *testing.T) {
	var calls atomic.Int64
	_, p := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
			"usage":   map[string]any{"prompt_tokens": 1, "completion_tokens": 1},
		})
	})

	resps, err := p.GenerateBatch(context.Background(), []*GenerateRequest{
		{Prompt: "a", Tier: TierEconomy},
		{Prompt: "b", Tier: TierEconomy},
	})
	require.NoError(t, err)
	assert.Len(t, resps, 2)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPProvider_SupportsBatchFollowsConfig(t *testing.T) {
	p := NewHTTPProvider(HTTPConfig{BaseURL: "http://x", EnableBatch: true}, zap.NewNop())
	assert.True(t, p.SupportsBatch())
	p = NewHTTPProvider(HTTPConfig{BaseURL: "http://x"}, zap.NewNop())
	assert.False(t, p.SupportsBatch())
}
