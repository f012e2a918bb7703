// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 请求指标
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// 生成指标
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
	costTotal          *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	costSaved   prometheus.Counter

	// 预算指标
	budgetDecisions   *prometheus.CounterVec
	budgetUtilization *prometheus.GaugeVec

	// 降级与兜底指标
	fallbacksTotal   *prometheus.CounterVec
	degradationLevel prometheus.Gauge

	// 去重与批处理指标
	dedupJoined    prometheus.Counter
	batchesFlushed *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 请求指标
	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of orchestrated requests",
		},
		[]string{"outcome"}, // outcome: generated, cache_hit, fallback, rejected
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// 生成指标
	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of model generation calls",
		},
		[]string{"tier", "status"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Model generation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"tier"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"tier", "type"}, // type: input, output
	)

	c.costTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total generation cost in USD",
		},
		[]string{"tier", "principal"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		},
		[]string{"kind"}, // kind: exact, similar, relaxed
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		},
		[]string{"kind"},
	)

	c.costSaved = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_cost_saved_total",
			Help:      "Estimated cost in USD avoided by cache hits",
		},
	)

	// 预算指标
	c.budgetDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_decisions_total",
			Help:      "Total number of budget governor decisions",
		},
		[]string{"decision"}, // decision: allow, warn, downgrade, block
	)

	c.budgetUtilization = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_utilization",
			Help:      "Budget utilization ratio per principal",
		},
		[]string{"principal"},
	)

	// 降级与兜底指标
	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of fallback decisions",
		},
		[]string{"strategy", "trigger"},
	)

	c.degradationLevel = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degradation_level",
			Help:      "Current degradation level (0=normal .. 4=critical)",
		},
	)

	// 去重与批处理指标
	c.dedupJoined = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_joined_total",
			Help:      "Total number of requests coalesced onto an in-flight call",
		},
	)

	c.batchesFlushed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Total number of batches flushed per request class",
		},
		[]string{"class"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 请求指标记录
// =============================================================================

// RecordRequest 记录一次端到端请求
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// =============================================================================
// 🤖 生成指标记录
// =============================================================================

// RecordGeneration 记录一次模型生成调用
func (c *Collector) RecordGeneration(tier, principal, status string, duration time.Duration, tokensIn, tokensOut int, cost float64) {
	c.generationsTotal.WithLabelValues(tier, status).Inc()
	c.generationDuration.WithLabelValues(tier).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(tier, "input").Add(float64(tokensIn))
	c.tokensUsed.WithLabelValues(tier, "output").Add(float64(tokensOut))
	c.costTotal.WithLabelValues(tier, principal).Add(cost)
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(kind string, saved float64) {
	c.cacheHits.WithLabelValues(kind).Inc()
	c.costSaved.Add(saved)
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// =============================================================================
// 💰 预算指标记录
// =============================================================================

// RecordBudgetDecision 记录预算裁决
func (c *Collector) RecordBudgetDecision(decision string) {
	c.budgetDecisions.WithLabelValues(decision).Inc()
}

// RecordBudgetUtilization 记录主体的预算占用率
func (c *Collector) RecordBudgetUtilization(principal string, ratio float64) {
	c.budgetUtilization.WithLabelValues(principal).Set(ratio)
}

// =============================================================================
// 🛟 降级与兜底指标记录
// =============================================================================

// RecordFallback 记录兜底决策
func (c *Collector) RecordFallback(strategy, trigger string) {
	c.fallbacksTotal.WithLabelValues(strategy, trigger).Inc()
}

// RecordDegradationLevel 记录当前降级等级
func (c *Collector) RecordDegradationLevel(level int) {
	c.degradationLevel.Set(float64(level))
}

// =============================================================================
// 🔁 去重与批处理指标记录
// =============================================================================

// RecordDedupJoin 记录一次合并到在途调用的请求
func (c *Collector) RecordDedupJoin() {
	c.dedupJoined.Inc()
}

// RecordBatchFlush 记录一次批次下发
func (c *Collector) RecordBatchFlush(class string) {
	c.batchesFlushed.WithLabelValues(class).Inc()
}
