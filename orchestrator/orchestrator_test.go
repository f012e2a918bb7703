package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/dedup"
	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/internal/metrics"
	"github.com/BaSui01/costpilot/ledger"
	"github.com/BaSui01/costpilot/provider"
	"github.com/BaSui01/costpilot/respcache"
	"github.com/BaSui01/costpilot/retrieval"
	"github.com/BaSui01/costpilot/router"
	"github.com/BaSui01/costpilot/testutil"
)

// =============================================================================
// 🧪 测试装配
// =============================================================================

type harness struct {
	orch     *Orchestrator
	provider *provider.MockProvider
	ledger   *ledger.Ledger
	governor *governor.Governor
	cache    *respcache.Cache
	queue    *fallback.DeferredQueue
	degrade  *degradation.Manager
	store    *retrieval.InMemoryStore
	embedder *retrieval.LocalEmbedder
}

type harnessOptions struct {
	limits     map[string]float64
	privileged map[string]bool
	seedDocs   bool
	mutate     func(p *provider.MockProvider)
	templates  map[string]string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := zap.NewNop()

	mock := provider.NewMockProvider()
	if opts.mutate != nil {
		opts.mutate(mock)
	}

	led := ledger.New(ledger.DefaultConfig(), ledger.NewMemoryStore(), logger)
	led.RegisterPrincipal("tenant-a")
	led.RegisterPrincipal("tenant-b")
	led.RegisterPrincipal("vip")
	t.Cleanup(led.Stop)

	govConfig := governor.DefaultConfig()
	govConfig.PrincipalLimits = opts.limits
	govConfig.Privileged = opts.privileged

	degrade := degradation.NewManager(degradation.DefaultConfig(), nil, logger)
	gov := governor.New(govConfig, degrade.Level, logger)

	cache := respcache.New(respcache.DefaultConfig(), nil, logger)
	t.Cleanup(cache.Stop)

	embedder := retrieval.NewLocalEmbedder(128)
	store := retrieval.NewInMemoryStore(logger)
	if opts.seedDocs {
		seedStore(t, store, embedder)
	}

	h := &harness{
		provider: mock,
		ledger:   led,
		governor: gov,
		cache:    cache,
		queue:    fallback.NewDeferredQueue(64, time.Minute, logger),
		degrade:  degrade,
		store:    store,
		embedder: embedder,
	}

	config := DefaultConfig()
	config.MinRelevance = 0.05
	config.Templates = opts.templates
	h.orch = New(config, Deps{
		Ledger:    led,
		Governor:  gov,
		Cache:     cache,
		Dedup:     dedup.New(dedup.Config{}, logger),
		Router:    router.New(router.DefaultConfig(), logger),
		Retrieval: retrieval.NewEngine(embedder, store, logger),
		Fallback:  fallback.New(fallback.DefaultConfig(), logger),
		Deferred:  h.queue,
		Degrade:   degrade,
		Provider:  mock,
		Metrics:   metrics.NewCollector("costpilot", prometheus.NewRegistry(), logger),
		Logger:    logger,
	})
	t.Cleanup(h.orch.Close)
	return h
}

func seedStore(t *testing.T, store *retrieval.InMemoryStore, embedder *retrieval.LocalEmbedder) {
	t.Helper()
	docs := []struct{ id, content, source string }{
		{"d1", "to reset your password open account settings and choose reset password", "kb/password-reset"},
		{"d2", "password reset links expire after thirty minutes for security reasons", "kb/password-expiry"},
	}
	for _, d := range docs {
		emb, err := embedder.EmbedQuery(context.Background(), d.content)
		require.NoError(t, err)
		require.NoError(t, store.Add(context.Background(), []retrieval.Document{{
			ID:        d.id,
			Persona:   "support",
			Content:   d.content,
			Embedding: emb,
			Citation:  retrieval.Citation{Source: d.source},
		}}))
	}
}

func supportRequest(id string) *Request {
	return &Request{
		RequestID: id,
		Principal: "tenant-a",
		Query:     "how do I reset my password",
		Persona:   "support",
		Language:  "en",
	}
}

// =============================================================================
// 🧪 端到端流程
// =============================================================================

func TestHandle_GenerateRecordAndCache(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Empty(t, res.Fallback)
	assert.NotEmpty(t, res.Text)
	assert.NotEmpty(t, res.TierUsed)
	assert.NotEmpty(t, res.Citations)
	assert.Greater(t, res.Cost, 0.0)
	assert.EqualValues(t, 1, h.provider.Calls())

	// 已记账
	spent, err := h.ledger.Aggregate(ctx, "tenant-a", ledger.WindowDaily)
	require.NoError(t, err)
	assert.InDelta(t, res.Cost, spent, 1e-9)

	// 预留已兑现，无滞留在途额度
	snap := h.governor.SnapshotOf("tenant-a")
	assert.InDelta(t, res.Cost, snap.Spend, 1e-9)
	assert.InDelta(t, 0, snap.Pending, 1e-9)

	// 相同问题第二次命中缓存，不再触达上游
	res2, err := h.orch.Handle(ctx, supportRequest("req-2"))
	require.NoError(t, err)
	assert.True(t, res2.CacheHit)
	assert.Equal(t, "exact", res2.CacheKind)
	assert.Equal(t, res.Text, res2.Text)
	assert.EqualValues(t, 1, h.provider.Calls())
}

func TestHandle_NormalizedQueryHitsExact(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	ctx := testutil.TestContext(t)

	_, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)

	// 大小写/标点/空白差异归一化后仍是同一指纹
	req := supportRequest("req-2")
	req.Query = "  How do I   reset my password?? "
	res, err := h.orch.Handle(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, "exact", res.CacheKind)
	assert.EqualValues(t, 1, h.provider.Calls())
}

func TestHandle_DifferentPersonaMisses(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	ctx := testutil.TestContext(t)

	_, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)

	// persona 不同即不同指纹，不得串话
	req := supportRequest("req-2")
	req.Persona = "sales"
	res, err := h.orch.Handle(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
}

// =============================================================================
// 🧪 输入校验
// =============================================================================

func TestHandle_InvalidRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	ctx := testutil.TestContext(t)

	_, err := h.orch.Handle(ctx, &Request{Principal: "tenant-a", Query: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.orch.Handle(ctx, &Request{Principal: "", Query: "hello"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.orch.Handle(ctx, &Request{Principal: "ghost", Query: "hello"})
	assert.ErrorIs(t, err, ErrUnknownPrincipal)
	assert.EqualValues(t, 0, h.provider.Calls())
}

// =============================================================================
// 🧪 预算阻断与降级
// =============================================================================

func TestHandle_BudgetBlockFallsBack(t *testing.T) {
	h := newHarness(t, harnessOptions{
		seedDocs: true,
		limits:   map[string]float64{"tenant-a": 0.0001},
	})
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Fallback)
	assert.NotEmpty(t, res.Text)
	// 预算阻断后绝不触达上游
	assert.EqualValues(t, 0, h.provider.Calls())
}

func TestHandle_BudgetBlockUsesTemplate(t *testing.T) {
	h := newHarness(t, harnessOptions{
		seedDocs:  true,
		limits:    map[string]float64{"tenant-a": 0.0001},
		templates: map[string]string{"support": "Support is briefly unavailable, please retry shortly."},
	})
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, fallback.StrategyTemplated, res.Fallback)
	assert.Equal(t, "Support is briefly unavailable, please retry shortly.", res.Text)
}

func TestHandle_QualityFloorEndsInDeny(t *testing.T) {
	h := newHarness(t, harnessOptions{
		seedDocs: true,
		limits:   map[string]float64{"tenant-a": 0.0001},
	})
	ctx := testutil.TestContext(t)

	req := supportRequest("req-1")
	req.QualityFloor = 0.9 // 没有策略能达到
	res, err := h.orch.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, fallback.StrategyDeny, res.Fallback)
	assert.Zero(t, res.Quality)
}

// =============================================================================
// 🧪 档位路由
// =============================================================================

func TestHandle_QualityRequiredKeepsHighTier(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	ctx := testutil.TestContext(t)

	req := supportRequest("req-1")
	req.Quality = governor.QualityRequired
	res, err := h.orch.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, string(provider.TierHigh), res.TierUsed)
}

func TestHandle_DowngradePressureForcesEconomy(t *testing.T) {
	// 限额卡在降档区间：预估落在 [0.8, 0.95) 的利用率
	h := newHarness(t, harnessOptions{
		seedDocs: true,
		limits:   map[string]float64{"tenant-a": 0.024},
	})
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	assert.Empty(t, res.Fallback)
	assert.Equal(t, string(provider.TierEconomy), res.TierUsed)
}

// =============================================================================
// 🧪 在途合并
// =============================================================================

func TestHandle_ConcurrentIdenticalSingleUpstreamCall(t *testing.T) {
	h := newHarness(t, harnessOptions{
		seedDocs: true,
		mutate:   func(p *provider.MockProvider) { p.Delay = 80 * time.Millisecond },
	})
	ctx := testutil.TestContext(t)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Handle(ctx, supportRequest(fmt.Sprintf("req-%d", i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Text, results[i].Text)
	}
	// 同指纹并发只放一个领跑者上行
	assert.EqualValues(t, 1, h.provider.Calls())
}

// =============================================================================
// 🧪 检索为空
// =============================================================================

func TestHandle_EmptyRetrievalSimplified(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: false})
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, fallback.StrategySimplified, res.Fallback)
	assert.Equal(t, string(provider.TierEconomy), res.TierUsed)
	assert.NotEmpty(t, res.Text)
	// 简化生成同样要记账
	spent, err := h.ledger.Aggregate(ctx, "tenant-a", ledger.WindowDaily)
	require.NoError(t, err)
	assert.Greater(t, spent, 0.0)
}

// =============================================================================
// 🧪 上游失败
// =============================================================================

func TestHandle_RetryableUpstreamErrorFallsBack(t *testing.T) {
	h := newHarness(t, harnessOptions{
		seedDocs: true,
		mutate: func(p *provider.MockProvider) {
			p.FailWith = &provider.Error{Code: provider.ErrUpstreamError, Message: "upstream 503", Retryable: true}
		},
	})
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	// 经济档重试也会失败，最终落在模板兜底
	assert.Equal(t, fallback.StrategyTemplated, res.Fallback)
	assert.NotEmpty(t, res.Text)

	// 失败路径不得留下在途预留
	snap := h.governor.SnapshotOf("tenant-a")
	assert.InDelta(t, 0, snap.Pending, 1e-9)
	assert.InDelta(t, 0, snap.Spend, 1e-9)
}

func TestHandle_ClientErrorSurfaces(t *testing.T) {
	clientErr := &provider.Error{Code: provider.ErrContentFiltered, Message: "blocked", Retryable: false}
	h := newHarness(t, harnessOptions{
		seedDocs: true,
		mutate:   func(p *provider.MockProvider) { p.FailWith = clientErr },
	})
	ctx := testutil.TestContext(t)

	_, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.Error(t, err)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.ErrContentFiltered, pe.Code)
}

// =============================================================================
// 🧪 降级等级
// =============================================================================

func TestHandle_CriticalLevelDefersNonPrivileged(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	h.degrade.Override(degradation.LevelCritical)
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, fallback.StrategyDeferred, res.Fallback)
	assert.Equal(t, 1, h.queue.Len())
	assert.EqualValues(t, 0, h.provider.Calls())
}

func TestHandle_CriticalLevelPrivilegedStillServed(t *testing.T) {
	h := newHarness(t, harnessOptions{
		seedDocs:   true,
		privileged: map[string]bool{"vip": true},
	})
	h.degrade.Override(degradation.LevelCritical)
	ctx := testutil.TestContext(t)

	req := supportRequest("req-1")
	req.Principal = "vip"
	res, err := h.orch.Handle(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Fallback)
	assert.EqualValues(t, 1, h.provider.Calls())
}

// =============================================================================
// 🧪 延迟回放
// =============================================================================

func TestWorker_DrainsDeferredQueue(t *testing.T) {
	h := newHarness(t, harnessOptions{seedDocs: true})
	h.degrade.Override(degradation.LevelCritical)
	ctx := testutil.TestContext(t)

	res, err := h.orch.Handle(ctx, supportRequest("req-1"))
	require.NoError(t, err)
	require.Equal(t, fallback.StrategyDeferred, res.Fallback)
	require.Equal(t, 1, h.queue.Len())

	var mu sync.Mutex
	var replayed []*Result
	worker := NewWorker(DefaultWorkerConfig(), h.orch, func(r *Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			replayed = append(replayed, r)
		}
	}, zap.NewNop())

	// 等级未回落时不回放
	worker.drain()
	assert.Equal(t, 1, h.queue.Len())

	h.degrade.Override(degradation.LevelNormal)
	worker.drain()

	assert.Equal(t, 0, h.queue.Len())
	assert.EqualValues(t, 1, h.provider.Calls())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replayed, 1)
	assert.NotEmpty(t, replayed[0].Text)
}

// =============================================================================
// 🧪 合批回调
// =============================================================================

// shortBatchProvider 批量调用时少回一个条目（模拟上游截断）。
type shortBatchProvider struct {
	*provider.MockProvider
}

func (p *shortBatchProvider) GenerateBatch(ctx context.Context, reqs []*provider.GenerateRequest) ([]*provider.GenerateResponse, error) {
	resps, err := p.MockProvider.GenerateBatch(ctx, reqs)
	if err != nil || len(resps) == 0 {
		return resps, err
	}
	return resps[:len(resps)-1], nil
}

func TestHandleBatch_MissingEntrySurfacesError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.orch.deps.Provider = &shortBatchProvider{h.provider}

	out := h.orch.handleBatch(context.Background(), []*dedup.BatchRequest{
		{ID: "a", Class: "economy|support|en", Prompt: "first"},
		{ID: "b", Class: "economy|support|en", Prompt: "second"},
	})
	require.Len(t, out, 2)

	assert.NoError(t, out[0].Err)
	assert.NotEmpty(t, out[0].Content)

	// 少回的条目必须报错，不能当成功的空应答
	require.Error(t, out[1].Err)
	assert.EqualError(t, out[1].Err, "missing batch response")
	assert.Empty(t, out[1].Content)
}

func TestHandleBatch_NilEntrySurfacesError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.orch.deps.Provider = &nilEntryBatchProvider{h.provider}

	out := h.orch.handleBatch(context.Background(), []*dedup.BatchRequest{
		{ID: "a", Class: "economy|support|en", Prompt: "first"},
		{ID: "b", Class: "economy|support|en", Prompt: "second"},
	})
	require.Len(t, out, 2)
	require.Error(t, out[0].Err)
	assert.EqualError(t, out[0].Err, "missing batch response")
	assert.NoError(t, out[1].Err)
}

// nilEntryBatchProvider 批量应答的第一个条目为 nil。
type nilEntryBatchProvider struct {
	*provider.MockProvider
}

func (p *nilEntryBatchProvider) GenerateBatch(ctx context.Context, reqs []*provider.GenerateRequest) ([]*provider.GenerateResponse, error) {
	resps, err := p.MockProvider.GenerateBatch(ctx, reqs)
	if err != nil || len(resps) == 0 {
		return resps, err
	}
	resps[0] = nil
	return resps, nil
}
