package fallback

import (
	"context"
	"fmt"

	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/respcache"
)

// StrategyName 降级策略标识。
type StrategyName string

const (
	StrategyCacheOnly    StrategyName = "cache_only"
	StrategyTierDowngrade StrategyName = "tier_downgrade"
	StrategyTemplated    StrategyName = "templated"
	StrategySimplified   StrategyName = "simplified"
	StrategyDeferred     StrategyName = "deferred"
	StrategyDeny         StrategyName = "deny"
)

// Trigger 进入降级路径的原因。
type Trigger string

const (
	TriggerBudgetBlock    Trigger = "budget_block"
	TriggerUpstreamError  Trigger = "upstream_error"
	TriggerRetrievalEmpty Trigger = "retrieval_empty"
	TriggerDegradation    Trigger = "degradation"
)

// Decision 降级决策。只在请求生命周期内存在，落日志后即丢弃。
type Decision struct {
	Strategy  StrategyName `json:"strategy"`
	Quality   float64      `json:"quality"` // [0,1]
	Rationale string       `json:"rationale"`

	// 策略产出的响应（deferred/deny 为告知性文案）
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	TierUsed  string   `json:"tier_used,omitempty"`
	Cost      float64  `json:"cost"`
}

// GenerateFunc 经济档再生成钩子，由编排层注入。
// simplified 为真时使用截断上下文和最小化提示词。
type GenerateFunc func(ctx context.Context, simplified bool) (text string, cost float64, err error)

// Context 一次降级选择的输入。
type Context struct {
	Ctx          context.Context
	Trigger      Trigger
	Principal    string
	Privileged   bool
	RequestID    string
	Query        respcache.Query
	QualityFloor float64
	Level        degradation.Level

	// 依赖钩子
	Cache    *respcache.Cache
	Generate GenerateFunc // nil 表示模型调用不可用
	Queue    *DeferredQueue
	Template string // persona 安全模板，空则用内置文案
}

// Strategy 降级策略的统一契约：按固定优先级逐个尝试，
// 不可行时返回 false 交给下一个。
type Strategy interface {
	Name() StrategyName
	Quality() float64
	Attempt(fc *Context) (*Decision, bool)
}

// ====== (1) cache-only：没有更好选择时放宽相似门槛吃缓存 ======

type cacheOnlyStrategy struct {
	relaxedFloor float64
}

func (s *cacheOnlyStrategy) Name() StrategyName { return StrategyCacheOnly }
func (s *cacheOnlyStrategy) Quality() float64   { return 0.85 }

func (s *cacheOnlyStrategy) Attempt(fc *Context) (*Decision, bool) {
	if fc.Cache == nil {
		return nil, false
	}
	entry, ok := fc.Cache.LookupRelaxed(fc.Ctx, fc.Query, s.relaxedFloor)
	if !ok {
		return nil, false
	}
	return &Decision{
		Strategy:  StrategyCacheOnly,
		Quality:   s.Quality() * entry.Similarity,
		Rationale: fmt.Sprintf("served cached response (similarity %.2f)", entry.Similarity),
		Text:      entry.Response.Text,
		Citations: entry.Response.Citations,
		TierUsed:  entry.Response.Tier,
	}, true
}

// ====== (2) tier-downgrade：经济档重试 ======

type tierDowngradeStrategy struct{}

func (s *tierDowngradeStrategy) Name() StrategyName { return StrategyTierDowngrade }
func (s *tierDowngradeStrategy) Quality() float64   { return 0.7 }

func (s *tierDowngradeStrategy) Attempt(fc *Context) (*Decision, bool) {
	if fc.Generate == nil {
		return nil, false
	}
	// 检索为空时换档重试不会凭空多出依据，直接让位给 simplified。
	if fc.Trigger == TriggerRetrievalEmpty {
		return nil, false
	}
	text, cost, err := fc.Generate(fc.Ctx, false)
	if err != nil {
		return nil, false
	}
	return &Decision{
		Strategy:  StrategyTierDowngrade,
		Quality:   s.Quality(),
		Rationale: "retried generation on economy tier",
		Text:      text,
		TierUsed:  "economy",
		Cost:      cost,
	}, true
}

// ====== (3) templated：persona 安全模板，无模型调用 ======

type templatedStrategy struct{}

func (s *templatedStrategy) Name() StrategyName { return StrategyTemplated }
func (s *templatedStrategy) Quality() float64   { return 0.5 }

const defaultTemplate = "I can't give you a full answer right now, but here is some general guidance: please rephrase your question simply, and I will do my best with the resources currently available."

func (s *templatedStrategy) Attempt(fc *Context) (*Decision, bool) {
	// 模型调用仍可用且只是缺少检索依据时，真实生成（simplified）优于套话模板。
	if fc.Generate != nil && fc.Trigger == TriggerRetrievalEmpty {
		return nil, false
	}
	text := fc.Template
	if text == "" {
		text = defaultTemplate
	}
	return &Decision{
		Strategy:  StrategyTemplated,
		Quality:   s.Quality(),
		Rationale: "constructed response from persona-safe template",
		Text:      text,
	}, true
}

// ====== (4) simplified：截断上下文 + 最小提示词再生成 ======

type simplifiedStrategy struct{}

func (s *simplifiedStrategy) Name() StrategyName { return StrategySimplified }
func (s *simplifiedStrategy) Quality() float64   { return 0.45 }

func (s *simplifiedStrategy) Attempt(fc *Context) (*Decision, bool) {
	if fc.Generate == nil {
		return nil, false
	}
	text, cost, err := fc.Generate(fc.Ctx, true)
	if err != nil {
		return nil, false
	}
	return &Decision{
		Strategy:  StrategySimplified,
		Quality:   s.Quality(),
		Rationale: "generated with truncated context and minimal prompt",
		Text:      text,
		TierUsed:  "economy",
		Cost:      cost,
	}, true
}

// ====== (5) deferred：入队延迟处理，返回确认 ======

type deferredStrategy struct{}

func (s *deferredStrategy) Name() StrategyName { return StrategyDeferred }
func (s *deferredStrategy) Quality() float64   { return 0.3 }

func (s *deferredStrategy) Attempt(fc *Context) (*Decision, bool) {
	if fc.Queue == nil {
		return nil, false
	}
	priority := PriorityNormal
	if fc.Privileged {
		priority = PriorityHigh
	}
	err := fc.Queue.Enqueue(&DeferredItem{
		ID:        fc.RequestID,
		Principal: fc.Principal,
		Query:     fc.Query.Text,
		Persona:   fc.Query.Signature.Persona,
		Language:  fc.Query.Signature.Language,
		Priority:  priority,
	})
	if err != nil {
		return nil, false
	}
	return &Decision{
		Strategy:  StrategyDeferred,
		Quality:   s.Quality(),
		Rationale: "request enqueued for later processing",
		Text:      "Your request has been received and will be processed shortly. Please check back in a few minutes.",
	}, true
}

// ====== (6) deny：体面拒绝，终端策略，永远可行 ======

type denyStrategy struct{}

func (s *denyStrategy) Name() StrategyName { return StrategyDeny }
func (s *denyStrategy) Quality() float64   { return 0 }

func (s *denyStrategy) Attempt(fc *Context) (*Decision, bool) {
	return &Decision{
		Strategy:  StrategyDeny,
		Quality:   0,
		Rationale: "no viable strategy remained",
		Text:      "I'm sorry, but I can't help with this request right now due to temporary service limits. Please try again later.",
	}, true
}
