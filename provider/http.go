package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig HTTP 生成客户端配置。
type HTTPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	HighModel    string        `yaml:"high_model"`    // 高质量档对应的上游模型
	EconomyModel string        `yaml:"economy_model"` // 经济档对应的上游模型
	Timeout      time.Duration `yaml:"timeout"`
	EnableBatch  bool          `yaml:"enable_batch"`
}

// HTTPProvider 基于 OpenAI 兼容 chat-completions 接口的生成提供者。
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPProvider 创建 HTTP 生成提供者。
func NewHTTPProvider(cfg HTTPConfig, logger *zap.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "http_provider")),
	}
}

func (p *HTTPProvider) Name() string        { return "http" }
func (p *HTTPProvider) SupportsBatch() bool { return p.cfg.EnableBatch }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Generate 实现 Provider.Generate。
func (p *HTTPProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	model := p.cfg.EconomyModel
	if req.Tier == TierHigh {
		model = p.cfg.HighModel
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.Safety.MaxOutputTokens,
		Temperature: req.Safety.Temperature,
	})
	if err != nil {
		return nil, &Error{Code: ErrInvalidRequest, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: ErrInvalidRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Code: ErrUpstreamTimeout, Message: "upstream timeout", Retryable: true}
		}
		return nil, &Error{Code: ErrUpstreamError, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: err.Error(), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Code: ErrRateLimited, Message: "upstream rate limited", Retryable: true}
	case resp.StatusCode >= 500:
		return nil, &Error{Code: ErrUpstreamError, Message: fmt.Sprintf("upstream status %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode >= 400:
		return nil, &Error{Code: ErrInvalidRequest, Message: fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err), Retryable: true}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Code: ErrUpstreamError, Message: "empty choices", Retryable: true}
	}

	p.logger.Debug("generation completed",
		zap.String("model", model),
		zap.Int("tokens_out", parsed.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)))

	return &GenerateResponse{
		Text:       parsed.Choices[0].Message.Content,
		TokensIn:   parsed.Usage.PromptTokens,
		TokensOut:  parsed.Usage.CompletionTokens,
		Latency:    time.Since(start),
		ModelUsed:  parsed.Model,
		FinishedAt: time.Now(),
	}, nil
}

// GenerateBatch 串行逐条执行。上游 chat-completions 没有原生批量接口，
// 批量合并的收益体现在去重层而非传输层。
func (p *HTTPProvider) GenerateBatch(ctx context.Context, reqs []*GenerateRequest) ([]*GenerateResponse, error) {
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
