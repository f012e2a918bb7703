package router

import (
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/provider"
)

// ErrNoTierAvailable 预算全面阻断时没有任何档位可用，调用方必须走降级选择器。
var ErrNoTierAvailable = errors.New("no tier available")

// Config 档位路由配置。
type Config struct {
	// ComplexityHighAt 复杂度达到该值时优先高质量档
	ComplexityHighAt float64 `yaml:"complexity_high_at"`
	// PersonaWeights persona 重要度权重（缺省 1.0）
	PersonaWeights map[string]float64 `yaml:"persona_weights"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{ComplexityHighAt: 0.35}
}

// Selection 一次路由的结果。
type Selection struct {
	Tier       provider.Tier
	Complexity float64
	Reason     string
}

// Router 生成档位路由器。
// 利用率低时按复杂度选档；预算压力越过降档线或降级等级达到中度后
// 强制经济档，除非调用方硬性锁定质量。路由器从不静默失败：
// 全面阻断时返回 ErrNoTierAvailable。
type Router struct {
	config Config
	logger *zap.Logger
}

// New 创建档位路由器。
func New(config Config, logger *zap.Logger) *Router {
	if config.ComplexityHighAt <= 0 {
		config.ComplexityHighAt = 0.35
	}
	return &Router{
		config: config,
		logger: logger.With(zap.String("component", "router")),
	}
}

// SelectTier 为一次请求选择生成档位。
func (r *Router) SelectTier(query, persona string, quality governor.Quality, eval governor.Evaluation, level degradation.Level) (Selection, error) {
	if eval.Decision == governor.Block {
		return Selection{}, ErrNoTierAvailable
	}

	score := ComplexityScore(query, r.config.PersonaWeights[persona])

	// 质量硬锁定（付费/VIP 主体）优先于降压规则。
	if quality == governor.QualityRequired {
		return Selection{Tier: provider.TierHigh, Complexity: score, Reason: "quality hard-pinned"}, nil
	}

	if eval.Decision == governor.Downgrade {
		return Selection{Tier: provider.TierEconomy, Complexity: score, Reason: "budget downgrade"}, nil
	}
	if level >= degradation.LevelModerate {
		return Selection{Tier: provider.TierEconomy, Complexity: score, Reason: "degradation level " + level.String()}, nil
	}

	if score >= r.config.ComplexityHighAt {
		return Selection{Tier: provider.TierHigh, Complexity: score, Reason: "complexity"}, nil
	}
	return Selection{Tier: provider.TierEconomy, Complexity: score, Reason: "low complexity"}, nil
}
