package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Citation 来源引用元数据。
type Citation struct {
	Source string `json:"source"`         // 文档来源标识
	Span   string `json:"span,omitempty"` // 原文片段定位
}

// Document 向量库中的一条内容。
type Document struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"` // 所属 persona 分区
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding"`
	Citation  Citation  `json:"citation"`
}

// SearchResult 向量检索结果。
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"` // 余弦相似度
}

// VectorStore persona 分区向量库接口。
// 假定最终一致、可独立扩缩（外部实现可以是 Qdrant/Milvus 等）。
type VectorStore interface {
	// Add 添加文档到其 persona 分区。
	Add(ctx context.Context, docs []Document) error

	// Search 在指定分区内检索最近邻。
	Search(ctx context.Context, persona string, embedding []float64, topK int) ([]SearchResult, error)

	// Count 返回分区内文档数。
	Count(ctx context.Context, persona string) (int, error)
}

// InMemoryStore 内存向量库（测试与小规模部署）。
type InMemoryStore struct {
	mu         sync.RWMutex
	partitions map[string][]Document
	logger     *zap.Logger
}

// NewInMemoryStore 创建内存向量库。
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	return &InMemoryStore{
		partitions: make(map[string][]Document),
		logger:     logger.With(zap.String("component", "vector_store")),
	}
}

// Add 实现 VectorStore.Add。
func (s *InMemoryStore) Add(ctx context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s has no embedding", doc.ID)
		}
		s.partitions[doc.Persona] = append(s.partitions[doc.Persona], doc)
	}

	s.logger.Info("documents added", zap.Int("count", len(docs)))
	return nil
}

// Search 实现 VectorStore.Search。
func (s *InMemoryStore) Search(ctx context.Context, persona string, embedding []float64, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.partitions[persona]
	results := make([]SearchResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, SearchResult{
			Document: doc,
			Score:    cosine(embedding, doc.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// 同分取更短、更具体的来源片段
		return len(results[i].Document.Content) < len(results[j].Document.Content)
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count 实现 VectorStore.Count。
func (s *InMemoryStore) Count(ctx context.Context, persona string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions[persona]), nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
