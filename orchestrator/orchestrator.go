package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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
)

// Config 编排器配置。
type Config struct {
	// RetrieveK 每次检索的上下文条数
	RetrieveK int `yaml:"retrieve_k"`
	// MinRelevance 检索相关度下限
	MinRelevance float64 `yaml:"min_relevance"`
	// ContextTokens 成本预估时为检索上下文预留的 token 余量
	ContextTokens int `yaml:"context_tokens"`
	// PersonaWeights 复杂度评分的 persona 权重
	PersonaWeights map[string]float64 `yaml:"persona_weights"`
	// Templates persona → 安全模板文案
	Templates map[string]string `yaml:"templates"`
	// EnableBatch 且上游支持时，经济档请求走合批通道
	EnableBatch bool `yaml:"enable_batch"`
	Batch       dedup.BatchConfig `yaml:"batch"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		RetrieveK:     4,
		MinRelevance:  0.3,
		ContextTokens: 512,
		EnableBatch:   true,
		Batch:         dedup.DefaultBatchConfig(),
	}
}

// Deps 编排器的全部依赖，由装配层注入。
type Deps struct {
	Ledger    *ledger.Ledger
	Governor  *governor.Governor
	Cache     *respcache.Cache
	Dedup     *dedup.Deduplicator
	Router    *router.Router
	Retrieval *retrieval.Engine
	Fallback  *fallback.Selector
	Deferred  *fallback.DeferredQueue
	Degrade   *degradation.Manager
	Provider  provider.Provider
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Orchestrator 请求编排器。
// 所有进入计费上游的路径都从这里经过：缓存与在途合并先行，
// 预算裁决在任何生成调用之前，失败与阻断统一交给降级选择器。
type Orchestrator struct {
	config Config
	deps   Deps

	batcher *dedup.Batcher // nil 表示不合批
	logger  *zap.Logger
}

// New 创建编排器。Provider 支持批量且配置开启时自动挂载合批通道。
func New(config Config, deps Deps) *Orchestrator {
	if config.RetrieveK <= 0 {
		config.RetrieveK = 4
	}
	o := &Orchestrator{
		config: config,
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "orchestrator")),
	}
	if config.EnableBatch && deps.Provider.SupportsBatch() {
		o.batcher = dedup.NewBatcher(config.Batch, o.handleBatch)
		o.logger.Info("batch channel enabled",
			zap.Int("max_batch_size", config.Batch.MaxBatchSize),
			zap.Duration("max_wait", config.Batch.MaxWait))
	}
	return o
}

// Close 停止合批通道并清空在途合并。
func (o *Orchestrator) Close() {
	if o.batcher != nil {
		o.batcher.Close()
	}
	o.deps.Dedup.Close()
}

// Handle 处理一次请求。
// 流程：校验 → 缓存 → 在途合并 → 预算裁决 → 选档 → 检索 → 生成 →
// 记账 → 回填缓存。任何非客户端错误都会落入降级选择器，调用方
// 拿到的要么是结果（可能带降级标记），要么是明确的客户端错误。
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	res, err := o.handle(ctx, req)

	outcome := outcomeRejected
	switch {
	case err != nil:
	case res.CacheHit:
		outcome = outcomeCacheHit
	case res.Fallback != "":
		outcome = outcomeFallback
	default:
		outcome = outcomeGenerated
	}
	o.deps.Metrics.RecordRequest(outcome, time.Since(start))
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" || req.Principal == "" {
		return nil, ErrInvalidRequest
	}
	if !o.deps.Ledger.KnownPrincipal(req.Principal) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrincipal, req.Principal)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	sig := respcache.ContextSignature{Persona: req.Persona, Language: req.Language}
	q := respcache.Query{Text: req.Query, Signature: sig}

	// 嵌入失败不阻断请求，只是失去相似命中能力
	if emb, err := o.deps.Retrieval.Embedder().EmbedQuery(ctx, req.Query); err == nil {
		q.Embedding = emb
	} else {
		o.logger.Warn("query embedding failed, exact match only",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}

	// 1. 缓存
	if entry, ok := o.deps.Cache.Lookup(ctx, q); ok {
		kind := "similar"
		if entry.Similarity >= 0.999 {
			kind = "exact"
		}
		o.deps.Metrics.RecordCacheHit(kind, entry.Response.Cost)
		o.logger.Debug("cache hit",
			zap.String("request_id", req.RequestID),
			zap.String("kind", kind),
			zap.Float64("similarity", entry.Similarity))
		return &Result{
			RequestID: req.RequestID,
			Text:      entry.Response.Text,
			Citations: entry.Response.Citations,
			TierUsed:  entry.Response.Tier,
			CacheHit:  true,
			CacheKind: kind,
			Quality:   entry.Similarity,
		}, nil
	}
	o.deps.Metrics.RecordCacheMiss("local")

	// 2. 在途合并：同指纹并发只放一个领跑者上行
	fp := respcache.Fingerprint(req.Query, sig)
	v, leader, err := o.deps.Dedup.Do(ctx, fp, func(ctx context.Context) (any, error) {
		return o.generate(ctx, req, q)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)
	if !leader {
		o.deps.Metrics.RecordDedupJoin()
		joined := *res
		joined.RequestID = req.RequestID
		joined.Deduplicated = true
		joined.Cost = 0 // 花费已记在领跑者主体名下
		return &joined, nil
	}
	return res, nil
}

// generate 领跑者路径：裁决、选档、检索、生成、记账、回填缓存。
func (o *Orchestrator) generate(ctx context.Context, req *Request, q respcache.Query) (*Result, error) {
	// 危急等级下非特权请求不再触达上游，直接进降级选择器
	if lvl := o.deps.Degrade.Level(); lvl >= degradation.LevelCritical && !o.deps.Governor.IsPrivileged(req.Principal) {
		return o.degrade(ctx, req, q, fallback.TriggerDegradation, nil), nil
	}

	tokensIn := router.CountTokens(req.Query) + o.config.ContextTokens
	estimate := o.deps.Ledger.Rates().Estimate(provider.TierHigh, tokensIn)

	eval := o.deps.Governor.Evaluate(req.Principal, estimate, req.Quality)
	o.deps.Metrics.RecordBudgetDecision(strings.ToLower(eval.Decision.String()))
	o.deps.Metrics.RecordBudgetUtilization(req.Principal, eval.Utilization)

	if eval.Decision == governor.Block {
		o.logger.Info("budget blocked",
			zap.String("request_id", req.RequestID),
			zap.String("principal", req.Principal),
			zap.Float64("utilization", eval.Utilization),
			zap.String("reason", eval.Reason))
		// 预算阻断后不再提供任何生成钩子
		return o.degrade(ctx, req, q, fallback.TriggerBudgetBlock, nil), nil
	}

	sel, err := o.deps.Router.SelectTier(req.Query, req.Persona, req.Quality, eval, o.deps.Degrade.Level())
	if err != nil {
		eval.Reservation.Release()
		return o.degrade(ctx, req, q, fallback.TriggerBudgetBlock, nil), nil
	}

	contexts, rerr := o.deps.Retrieval.Retrieve(ctx, req.Query, req.Persona, o.config.RetrieveK, o.config.MinRelevance)
	if rerr != nil {
		o.logger.Warn("retrieval failed, treating as empty",
			zap.String("request_id", req.RequestID), zap.Error(rerr))
		contexts = nil
	}
	if len(contexts) == 0 {
		eval.Reservation.Release()
		return o.degrade(ctx, req, q, fallback.TriggerRetrievalEmpty, o.economyGenerate(req, nil)), nil
	}

	prompt := buildPrompt(req.Persona, req.Language, req.Query, contexts, false)
	genStart := time.Now()
	resp, gerr := o.invoke(ctx, prompt, sel.Tier, req)
	o.deps.Degrade.Observe(time.Since(genStart), gerr != nil)

	if gerr != nil {
		eval.Reservation.Release()
		o.deps.Metrics.RecordGeneration(string(sel.Tier), req.Principal, "error", time.Since(genStart), 0, 0, 0)
		if !provider.IsRetryable(gerr) {
			// 客户端错误原样上浮，降级救不了
			return nil, gerr
		}
		o.logger.Warn("generation failed",
			zap.String("request_id", req.RequestID),
			zap.String("tier", string(sel.Tier)),
			zap.Error(gerr))
		return o.degrade(ctx, req, q, fallback.TriggerUpstreamError, o.economyGenerate(req, contexts)), nil
	}

	cost := o.deps.Ledger.Rates().Cost(sel.Tier, resp.TokensIn, resp.TokensOut)
	if _, lerr := o.deps.Ledger.Record(ctx, req.Principal, req.RequestID, resp.TokensIn, resp.TokensOut, sel.Tier, "generate"); lerr != nil {
		o.logger.Error("usage record failed",
			zap.String("request_id", req.RequestID), zap.Error(lerr))
	}
	eval.Reservation.Commit(cost)
	o.deps.Metrics.RecordGeneration(string(sel.Tier), req.Principal, "success", time.Since(genStart), resp.TokensIn, resp.TokensOut, cost)

	citations := citationsOf(contexts)
	o.deps.Cache.Store(ctx, q, respcache.Response{
		Text:      resp.Text,
		Citations: citations,
		Tier:      string(sel.Tier),
		Cost:      cost,
	})

	o.logger.Info("request served",
		zap.String("request_id", req.RequestID),
		zap.String("principal", req.Principal),
		zap.String("tier", string(sel.Tier)),
		zap.Float64("complexity", sel.Complexity),
		zap.Float64("cost", cost))

	return &Result{
		RequestID: req.RequestID,
		Text:      resp.Text,
		Citations: citations,
		TierUsed:  string(sel.Tier),
		Quality:   1,
		Cost:      cost,
	}, nil
}

// degrade 把请求交给降级选择器，返回带降级标记的结果。
func (o *Orchestrator) degrade(ctx context.Context, req *Request, q respcache.Query, trigger fallback.Trigger, gen fallback.GenerateFunc) *Result {
	d := o.deps.Fallback.Select(&fallback.Context{
		Ctx:          ctx,
		Trigger:      trigger,
		Principal:    req.Principal,
		Privileged:   o.deps.Governor.IsPrivileged(req.Principal),
		RequestID:    req.RequestID,
		Query:        q,
		QualityFloor: req.QualityFloor,
		Level:        o.deps.Degrade.Level(),
		Cache:        o.deps.Cache,
		Generate:     gen,
		Queue:        o.deps.Deferred,
		Template:     o.config.Templates[req.Persona],
	})
	o.deps.Metrics.RecordFallback(string(d.Strategy), string(trigger))
	return &Result{
		RequestID: req.RequestID,
		Text:      d.Text,
		Citations: d.Citations,
		TierUsed:  d.TierUsed,
		Fallback:  d.Strategy,
		Quality:   d.Quality,
		Cost:      d.Cost,
	}
}

// economyGenerate 返回降级策略用的经济档再生成钩子。
// 钩子自身仍受预算裁决约束，兜底生成不是绕过守卫的后门。
func (o *Orchestrator) economyGenerate(req *Request, contexts []retrieval.RankedContext) fallback.GenerateFunc {
	return func(ctx context.Context, simplified bool) (string, float64, error) {
		tokensIn := router.CountTokens(req.Query)
		estimate := o.deps.Ledger.Rates().Estimate(provider.TierEconomy, tokensIn)
		eval := o.deps.Governor.Evaluate(req.Principal, estimate, governor.QualityStandard)
		if eval.Decision == governor.Block {
			return "", 0, fmt.Errorf("budget blocked for fallback generation: %s", eval.Reason)
		}

		kept := contexts
		if simplified && len(kept) > 1 {
			kept = kept[:1]
		}
		prompt := buildPrompt(req.Persona, req.Language, req.Query, kept, simplified)

		genStart := time.Now()
		resp, err := o.invoke(ctx, prompt, provider.TierEconomy, req)
		o.deps.Degrade.Observe(time.Since(genStart), err != nil)
		if err != nil {
			eval.Reservation.Release()
			return "", 0, err
		}

		cost := o.deps.Ledger.Rates().Cost(provider.TierEconomy, resp.TokensIn, resp.TokensOut)
		if _, lerr := o.deps.Ledger.Record(ctx, req.Principal, req.RequestID+":fallback", resp.TokensIn, resp.TokensOut, provider.TierEconomy, "fallback"); lerr != nil {
			o.logger.Error("fallback usage record failed",
				zap.String("request_id", req.RequestID), zap.Error(lerr))
		}
		eval.Reservation.Commit(cost)
		o.deps.Metrics.RecordGeneration(string(provider.TierEconomy), req.Principal, "success", time.Since(genStart), resp.TokensIn, resp.TokensOut, cost)
		return resp.Text, cost, nil
	}
}

// invoke 经合批通道或直连上游发起生成。
// 只有经济档走合批：高质量档对延迟敏感，不值得为省一次往返排队。
func (o *Orchestrator) invoke(ctx context.Context, prompt string, tier provider.Tier, req *Request) (*provider.GenerateResponse, error) {
	if o.batcher != nil && tier == provider.TierEconomy {
		br, err := o.batcher.SubmitSync(ctx, &dedup.BatchRequest{
			ID:     uuid.NewString(),
			Class:  batchClass(tier, req.Persona, req.Language),
			Prompt: prompt,
		})
		if err != nil {
			return nil, err
		}
		if br.Err != nil {
			return nil, br.Err
		}
		return &provider.GenerateResponse{
			Text:       br.Content,
			TokensIn:   br.TokensIn,
			TokensOut:  br.TokensOut,
			FinishedAt: time.Now(),
		}, nil
	}
	return o.deps.Provider.Generate(ctx, &provider.GenerateRequest{Prompt: prompt, Tier: tier})
}

// handleBatch 合批处理回调：整批转发给上游，按 ID 回填。
func (o *Orchestrator) handleBatch(ctx context.Context, reqs []*dedup.BatchRequest) []*dedup.BatchResponse {
	if len(reqs) == 0 {
		return nil
	}
	tier := tierOfClass(reqs[0].Class)
	o.deps.Metrics.RecordBatchFlush(reqs[0].Class)

	greqs := make([]*provider.GenerateRequest, len(reqs))
	for i, r := range reqs {
		greqs[i] = &provider.GenerateRequest{Prompt: r.Prompt, Tier: tier}
	}

	start := time.Now()
	gresps, err := o.deps.Provider.GenerateBatch(ctx, greqs)
	o.deps.Degrade.Observe(time.Since(start), err != nil)

	out := make([]*dedup.BatchResponse, len(reqs))
	for i, r := range reqs {
		if err != nil || i >= len(gresps) || gresps[i] == nil {
			// 上游少回了条目时不能当成功的空应答处理
			rerr := err
			if rerr == nil {
				rerr = errMissingBatchResponse
			}
			out[i] = &dedup.BatchResponse{ID: r.ID, Err: rerr}
			continue
		}
		out[i] = &dedup.BatchResponse{
			ID:        r.ID,
			Content:   gresps[i].Text,
			TokensIn:  gresps[i].TokensIn,
			TokensOut: gresps[i].TokensOut,
		}
	}
	return out
}

// ====== 内部辅助 ======

// batchClass 合批类别：档位+persona+语言一致才允许同批。
func batchClass(tier provider.Tier, persona, language string) string {
	return string(tier) + "|" + persona + "|" + language
}

func tierOfClass(class string) provider.Tier {
	if i := strings.IndexByte(class, '|'); i > 0 {
		return provider.Tier(class[:i])
	}
	return provider.TierEconomy
}

func buildPrompt(persona, language, query string, contexts []retrieval.RankedContext, simplified bool) string {
	var b strings.Builder
	if persona != "" {
		b.WriteString("You are answering as persona ")
		b.WriteString(persona)
		b.WriteString(".\n")
	}
	if language != "" {
		b.WriteString("Answer in language: ")
		b.WriteString(language)
		b.WriteString(".\n")
	}
	if simplified {
		b.WriteString("Give a brief, direct answer.\n")
	}
	for _, c := range contexts {
		b.WriteString("Context [")
		b.WriteString(c.Citation.Source)
		b.WriteString("]: ")
		b.WriteString(c.Content)
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

func citationsOf(contexts []retrieval.RankedContext) []string {
	if len(contexts) == 0 {
		return nil
	}
	out := make([]string, 0, len(contexts))
	for _, c := range contexts {
		ref := c.Citation.Source
		if c.Citation.Span != "" {
			ref += "#" + c.Citation.Span
		}
		out = append(out, ref)
	}
	return out
}
