package provider

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// MockProvider 内存生成提供者（用于测试和本地开发）。
type MockProvider struct {
	// ResponseFn 自定义响应函数，为 nil 时返回回显文本。
	ResponseFn func(req *GenerateRequest) (*GenerateResponse, error)
	// Delay 模拟上游延迟。
	Delay time.Duration
	// FailWith 非 nil 时所有调用返回该错误。
	FailWith error
	// Batchable 是否声明支持批量。
	Batchable bool

	calls atomic.Int64
}

// NewMockProvider 创建 Mock 提供者。
func NewMockProvider() *MockProvider {
	return &MockProvider{Batchable: true}
}

func (p *MockProvider) Name() string        { return "mock" }
func (p *MockProvider) SupportsBatch() bool { return p.Batchable }

// Calls 返回累计调用次数（含批量中的每个条目）。
func (p *MockProvider) Calls() int64 { return p.calls.Load() }

// Generate 实现 Provider.Generate。
func (p *MockProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	p.calls.Add(1)

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, &Error{Code: ErrUpstreamTimeout, Message: ctx.Err().Error(), Retryable: true}
		}
	}
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	if p.ResponseFn != nil {
		return p.ResponseFn(req)
	}

	tokensIn := len(strings.Fields(req.Prompt))
	return &GenerateResponse{
		Text:       "echo: " + req.Prompt,
		TokensIn:   tokensIn,
		TokensOut:  tokensIn + 8,
		Latency:    p.Delay,
		ModelUsed:  "mock-" + string(req.Tier),
		FinishedAt: time.Now(),
	}, nil
}

// GenerateBatch 实现 Provider.GenerateBatch。
func (p *MockProvider) GenerateBatch(ctx context.Context, reqs []*GenerateRequest) ([]*GenerateResponse, error) {
	out := make([]*GenerateResponse, len(reqs))
	for i, req := range reqs {
		resp, err := p.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}
