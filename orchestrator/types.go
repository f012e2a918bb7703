package orchestrator

import (
	"errors"

	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
)

var (
	// ErrInvalidRequest 请求缺少必填字段或格式非法。
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownPrincipal 请求主体未注册。
	ErrUnknownPrincipal = errors.New("unknown principal")

	// errMissingBatchResponse 上游批量应答缺少对应条目。
	errMissingBatchResponse = errors.New("missing batch response")
)

// Request 一次编排请求。
type Request struct {
	// RequestID 调用方提供的请求标识，空则自动生成。
	// 同一 RequestID 的用量记录幂等，重放不会二次计费。
	RequestID string `json:"request_id,omitempty"`
	// Principal 计费主体（租户/用户/API Key）
	Principal string `json:"principal"`
	// Query 用户查询文本
	Query string `json:"query"`
	// Persona 应答人格标识
	Persona string `json:"persona,omitempty"`
	// Language 应答语言
	Language string `json:"language,omitempty"`
	// Quality 质量要求。QualityRequired 硬性锁定高质量档，
	// 预算不足时宁可阻断也不静默降档。
	Quality governor.Quality `json:"quality,omitempty"`
	// Priority 进入延迟队列时的优先级
	Priority fallback.Priority `json:"priority,omitempty"`
	// QualityFloor 可接受的降级质量下限 [0,1]，0 表示接受任何降级
	QualityFloor float64 `json:"quality_floor,omitempty"`
}

// Result 一次编排结果。
type Result struct {
	RequestID string   `json:"request_id"`
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	// TierUsed 实际使用的生成档位，缓存命中/兜底时可能为空
	TierUsed string `json:"tier_used,omitempty"`
	// CacheHit 是否由缓存应答
	CacheHit bool `json:"cache_hit"`
	// CacheKind 命中类型：exact / similar / relaxed
	CacheKind string `json:"cache_kind,omitempty"`
	// Deduplicated 是否合并到了他人的在途调用
	Deduplicated bool `json:"deduplicated"`
	// Fallback 非空表示走了降级策略
	Fallback fallback.StrategyName `json:"fallback,omitempty"`
	// Quality 结果质量评级 [0,1]，正常生成为 1
	Quality float64 `json:"quality"`
	// Cost 本次请求实际产生的花费
	Cost float64 `json:"cost"`
}

// 请求结果分类，用于指标上报。
const (
	outcomeGenerated = "generated"
	outcomeCacheHit  = "cache_hit"
	outcomeFallback  = "fallback"
	outcomeRejected  = "rejected"
)
