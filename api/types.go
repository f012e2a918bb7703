package api

import (
	"fmt"
	"strings"

	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/orchestrator"
)

// =============================================================================
// 应答接口类型
// =============================================================================

// RespondRequest 代表一次应答请求。
// @Description 应答请求结构
type RespondRequest struct {
	// 请求跟踪 ID，空则自动生成；相同 ID 的用量记录幂等
	RequestID string `json:"request_id,omitempty" example:"req-123"`
	// 计费主体（租户/用户/API Key）
	Principal string `json:"principal" example:"tenant-1" binding:"required"`
	// 用户查询文本
	Query string `json:"query" binding:"required"`
	// 应答人格标识
	Persona string `json:"persona,omitempty" example:"support"`
	// 应答语言
	Language string `json:"language,omitempty" example:"en"`
	// 质量要求: standard（默认，允许降档）或 required（硬性高质量档）
	Quality string `json:"quality,omitempty" example:"standard"`
	// 可接受的降级质量下限 [0,1]
	QualityFloor float64 `json:"quality_floor,omitempty" example:"0.5"`
	// 延迟队列优先级: low, normal, high
	Priority string `json:"priority,omitempty" example:"normal"`
}

// ToOrchestrator 转换为编排请求。
func (r *RespondRequest) ToOrchestrator() (*orchestrator.Request, error) {
	quality := governor.QualityStandard
	switch strings.ToLower(r.Quality) {
	case "", "standard":
	case "required":
		quality = governor.QualityRequired
	default:
		return nil, fmt.Errorf("unknown quality %q", r.Quality)
	}

	priority := fallback.PriorityNormal
	switch strings.ToLower(r.Priority) {
	case "", "normal":
	case "low":
		priority = fallback.PriorityLow
	case "high":
		priority = fallback.PriorityHigh
	default:
		return nil, fmt.Errorf("unknown priority %q", r.Priority)
	}

	return &orchestrator.Request{
		RequestID:    r.RequestID,
		Principal:    r.Principal,
		Query:        r.Query,
		Persona:      r.Persona,
		Language:     r.Language,
		Quality:      quality,
		Priority:     priority,
		QualityFloor: r.QualityFloor,
	}, nil
}

// RespondResponse 代表一次应答结果。
// @Description 应答结果结构
type RespondResponse struct {
	RequestID string   `json:"request_id"`
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	// 实际使用的生成档位
	TierUsed string `json:"tier_used,omitempty"`
	// 是否由缓存应答及命中类型
	CacheHit  bool   `json:"cache_hit"`
	CacheKind string `json:"cache_kind,omitempty"`
	// 是否合并到了他人的在途调用
	Deduplicated bool `json:"deduplicated"`
	// 非空表示走了降级策略
	Fallback string `json:"fallback,omitempty"`
	// 结果质量评级 [0,1]
	Quality float64 `json:"quality"`
	// 本次请求实际产生的花费（USD）
	Cost float64 `json:"cost"`
}

// FromResult 从编排结果构造响应。
func FromResult(res *orchestrator.Result) *RespondResponse {
	return &RespondResponse{
		RequestID:    res.RequestID,
		Text:         res.Text,
		Citations:    res.Citations,
		TierUsed:     res.TierUsed,
		CacheHit:     res.CacheHit,
		CacheKind:    res.CacheKind,
		Deduplicated: res.Deduplicated,
		Fallback:     string(res.Fallback),
		Quality:      res.Quality,
		Cost:         res.Cost,
	}
}
