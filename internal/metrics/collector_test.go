package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestCollector() *Collector {
	return NewCollector("costpilot", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.requestsTotal)
	assert.NotNil(t, collector.requestDuration)
	assert.NotNil(t, collector.generationsTotal)
	assert.NotNil(t, collector.tokensUsed)
	assert.NotNil(t, collector.costTotal)
	assert.NotNil(t, collector.fallbacksTotal)
}

func TestCollector_RecordRequest(t *testing.T) {
	collector := newTestCollector()

	// 记录请求
	collector.RecordRequest("generated", 100*time.Millisecond)

	// 验证指标
	count := testutil.CollectAndCount(collector.requestsTotal)
	assert.Greater(t, count, 0)

	// 再记录一次不同结果的请求
	collector.RecordRequest("cache_hit", 1*time.Millisecond)

	newCount := testutil.CollectAndCount(collector.requestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordGeneration(t *testing.T) {
	collector := newTestCollector()

	// 记录生成调用
	collector.RecordGeneration(
		"high",
		"tenant-a",
		"success",
		500*time.Millisecond,
		100,  // input tokens
		50,   // output tokens
		0.01, // cost
	)

	// 验证指标
	count := testutil.CollectAndCount(collector.generationsTotal)
	assert.Greater(t, count, 0)

	tokensCount := testutil.CollectAndCount(collector.tokensUsed)
	assert.Greater(t, tokensCount, 0)

	costCount := testutil.CollectAndCount(collector.costTotal)
	assert.Greater(t, costCount, 0)
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := newTestCollector()

	// 记录缓存命中与未命中
	collector.RecordCacheHit("exact", 0.02)
	collector.RecordCacheMiss("similar")

	// 验证指标
	hitCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, hitCount, 0)

	missCount := testutil.CollectAndCount(collector.cacheMisses)
	assert.Greater(t, missCount, 0)

	saved := testutil.ToFloat64(collector.costSaved)
	assert.InDelta(t, 0.02, saved, 1e-9)
}

func TestCollector_RecordBudgetDecision(t *testing.T) {
	collector := newTestCollector()

	collector.RecordBudgetDecision("allow")
	collector.RecordBudgetDecision("block")
	collector.RecordBudgetUtilization("tenant-a", 0.42)

	count := testutil.CollectAndCount(collector.budgetDecisions)
	assert.Greater(t, count, 0)

	ratio := testutil.ToFloat64(collector.budgetUtilization.WithLabelValues("tenant-a"))
	assert.InDelta(t, 0.42, ratio, 1e-9)
}

func TestCollector_RecordFallbackAndDegradation(t *testing.T) {
	collector := newTestCollector()

	collector.RecordFallback("templated", "upstream_error")
	collector.RecordDegradationLevel(2)

	count := testutil.CollectAndCount(collector.fallbacksTotal)
	assert.Greater(t, count, 0)

	level := testutil.ToFloat64(collector.degradationLevel)
	assert.InDelta(t, 2.0, level, 1e-9)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector()

	// 并发记录多个指标
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordRequest("generated", 100*time.Millisecond)
			collector.RecordGeneration("economy", "tenant-b", "success", 500*time.Millisecond, 100, 50, 0.01)
			collector.RecordCacheHit("exact", 0.001)
			collector.RecordDedupJoin()
			collector.RecordBatchFlush("faq")
			done <- true
		}()
	}

	// 等待所有 goroutine 完成
	for i := 0; i < 10; i++ {
		<-done
	}

	// 验证指标被正确记录
	reqCount := testutil.CollectAndCount(collector.requestsTotal)
	assert.Greater(t, reqCount, 0)

	genCount := testutil.CollectAndCount(collector.generationsTotal)
	assert.Greater(t, genCount, 0)

	joined := testutil.ToFloat64(collector.dedupJoined)
	assert.InDelta(t, 10.0, joined, 1e-9)
}
