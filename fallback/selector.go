package fallback

import (
	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/degradation"
)

// Config 降级选择器配置。
type Config struct {
	// RelaxedSimilarityFloor cache-only 策略放宽后的相似度下限
	RelaxedSimilarityFloor float64 `yaml:"relaxed_similarity_floor"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{RelaxedSimilarityFloor: 0.6}
}

// allowedStrategies 每个降级等级允许的策略集合。
// 随等级上升单调收缩；Critical 下非特权请求只剩延迟处理与拒绝。
var allowedStrategies = map[degradation.Level]map[StrategyName]bool{
	degradation.LevelNormal: {
		StrategyCacheOnly: true, StrategyTierDowngrade: true, StrategyTemplated: true,
		StrategySimplified: true, StrategyDeferred: true, StrategyDeny: true,
	},
	degradation.LevelMinor: {
		StrategyCacheOnly: true, StrategyTierDowngrade: true, StrategyTemplated: true,
		StrategySimplified: true, StrategyDeferred: true, StrategyDeny: true,
	},
	degradation.LevelModerate: {
		StrategyCacheOnly: true, StrategyTierDowngrade: true, StrategyTemplated: true,
		StrategySimplified: true, StrategyDeferred: true, StrategyDeny: true,
	},
	degradation.LevelSevere: {
		StrategyCacheOnly: true, StrategyTemplated: true,
		StrategyDeferred: true, StrategyDeny: true,
	},
	degradation.LevelCritical: {
		StrategyDeferred: true, StrategyDeny: true,
	},
}

// AllowedAt 返回某等级允许的策略集合（特权主体在 Critical 下放宽到 Severe 集合）。
func AllowedAt(level degradation.Level, privileged bool) map[StrategyName]bool {
	if level == degradation.LevelCritical && privileged {
		level = degradation.LevelSevere
	}
	set, ok := allowedStrategies[level]
	if !ok {
		set = allowedStrategies[degradation.LevelNormal]
	}
	return set
}

// Selector 降级策略选择器。
// 策略按质量/成本降序固定排列；选择时跳过被当前降级等级或
// qualityFloor 排除的项，取第一个可行者。拒绝是终端策略，永远可行。
type Selector struct {
	config     Config
	strategies []Strategy
	logger     *zap.Logger
}

// New 创建降级选择器。
func New(config Config, logger *zap.Logger) *Selector {
	if config.RelaxedSimilarityFloor <= 0 {
		config.RelaxedSimilarityFloor = 0.6
	}
	return &Selector{
		config: config,
		strategies: []Strategy{
			&cacheOnlyStrategy{relaxedFloor: config.RelaxedSimilarityFloor},
			&tierDowngradeStrategy{},
			&templatedStrategy{},
			&simplifiedStrategy{},
			&deferredStrategy{},
			&denyStrategy{},
		},
		logger: logger.With(zap.String("component", "fallback")),
	}
}

// Select 为一次失败/阻断挑选降级策略并执行。
func (s *Selector) Select(fc *Context) *Decision {
	allowed := AllowedAt(fc.Level, fc.Privileged)

	for _, strategy := range s.strategies {
		if !allowed[strategy.Name()] {
			continue
		}
		// qualityFloor 过滤：拒绝策略不受限，保证总有出口
		if strategy.Name() != StrategyDeny && strategy.Quality() < fc.QualityFloor {
			continue
		}
		decision, ok := strategy.Attempt(fc)
		if !ok {
			continue
		}

		s.logger.Info("fallback strategy selected",
			zap.String("trigger", string(fc.Trigger)),
			zap.String("strategy", string(decision.Strategy)),
			zap.Float64("quality", decision.Quality),
			zap.String("principal", fc.Principal))
		return decision
	}

	// 不可达：deny 永远可行。保险起见仍给出拒绝。
	d, _ := (&denyStrategy{}).Attempt(fc)
	return d
}
