package provider

import (
	"context"
	"errors"
	"time"
)

// 统一的生成错误码，用于对齐可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "GEN_INVALID_REQUEST"      // 参数/格式错误
	ErrRateLimited         ErrorCode = "GEN_RATE_LIMITED"         // 上游限流
	ErrUpstreamTimeout     ErrorCode = "GEN_UPSTREAM_TIMEOUT"     // 上游超时
	ErrUpstreamError       ErrorCode = "GEN_UPSTREAM_ERROR"       // 上游 5xx/网络错误
	ErrContentFiltered     ErrorCode = "GEN_CONTENT_FILTERED"     // 命中内容安全
	ErrProviderUnavailable ErrorCode = "GEN_PROVIDER_UNAVAILABLE" // Provider 不可用
)

// Error 生成边界的统一错误类型。
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *Error) Error() string { return e.Message }

// IsRetryable 判断错误是否可通过重试/降级恢复。
// 客户端输入错误不可恢复，必须直接返回给调用方。
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// Tier 生成质量档位。
type Tier string

const (
	TierHigh    Tier = "high"    // 高质量档（昂贵）
	TierEconomy Tier = "economy" // 经济档（便宜）
)

// Valid 检查档位是否合法。
func (t Tier) Valid() bool {
	return t == TierHigh || t == TierEconomy
}

// SafetySettings 生成安全参数，原样透传给上游。
type SafetySettings struct {
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
	BlockUnsafe     bool    `json:"block_unsafe,omitempty"`
}

// GenerateRequest 单次生成请求。
type GenerateRequest struct {
	Prompt string         `json:"prompt"`
	Tier   Tier           `json:"tier"`
	Safety SafetySettings `json:"safety"`
}

// GenerateResponse 单次生成响应。
type GenerateResponse struct {
	Text       string        `json:"text"`
	TokensIn   int           `json:"tokens_in"`
	TokensOut  int           `json:"tokens_out"`
	Latency    time.Duration `json:"latency"`
	ModelUsed  string        `json:"model_used,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Provider 定义统一的生成提供者接口。
// 这是系统中唯一允许触达计费上游的边界：每次调用前都必须先拿到
// 预算守卫的 Allow/Downgrade 决策。
type Provider interface {
	// Generate 发起同步生成请求，返回完整响应。
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// GenerateBatch 批量生成。返回值与请求一一对应。
	// 不支持批量的实现应返回 SupportsBatch() == false，由上层逐条降级。
	GenerateBatch(ctx context.Context, reqs []*GenerateRequest) ([]*GenerateResponse, error)

	// SupportsBatch 返回上游是否支持多条目请求。
	SupportsBatch() bool

	// Name 返回 Provider 的唯一标识。
	Name() string
}
