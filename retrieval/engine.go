package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RankedContext 一条带来源的检索上下文。
type RankedContext struct {
	Content   string   `json:"content"`
	Relevance float64  `json:"relevance"`
	Citation  Citation `json:"citation"`
}

// Engine persona 分区相似检索引擎。
type Engine struct {
	embedder Embedder
	store    VectorStore
	logger   *zap.Logger
}

// NewEngine 创建检索引擎。
func NewEngine(embedder Embedder, store VectorStore, logger *zap.Logger) *Engine {
	return &Engine{
		embedder: embedder,
		store:    store,
		logger:   logger.With(zap.String("component", "retrieval")),
	}
}

// Embedder 返回底层嵌入器（缓存相似匹配复用同一嵌入空间）。
func (e *Engine) Embedder() Embedder { return e.embedder }

// Retrieve 嵌入查询并在 persona 分区内检索。
// 最多返回 k 条、相关度不低于 minRelevance 的上下文。
// 空结果是合法的非错误结果，表示"无依据作答"，是否降级由调用方决定。
func (e *Engine) Retrieve(ctx context.Context, query, persona string, k int, minRelevance float64) ([]RankedContext, error) {
	embedding, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := e.store.Search(ctx, persona, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	ranked := make([]RankedContext, 0, len(results))
	for _, r := range results {
		if r.Score < minRelevance {
			continue
		}
		ranked = append(ranked, RankedContext{
			Content:   r.Document.Content,
			Relevance: r.Score,
			Citation:  r.Document.Citation,
		})
	}

	e.logger.Debug("retrieval completed",
		zap.String("persona", persona),
		zap.Int("candidates", len(results)),
		zap.Int("returned", len(ranked)))

	return ranked, nil
}
