package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder 统一的查询嵌入接口。
type Embedder interface {
	// EmbedQuery 为单个查询生成嵌入向量。
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// Dimensions 返回嵌入维度。
	Dimensions() int

	// Name 返回嵌入器名称。
	Name() string
}

// ====== 本地确定性嵌入器 ======

// LocalEmbedder 基于词级特征哈希的确定性嵌入器。
// 没有外部依赖，同一文本永远得到同一向量；语义质量有限，
// 适合测试、离线部署和作为上游嵌入服务不可用时的兜底。
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder 创建本地嵌入器。
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 128
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) Name() string    { return "local" }
func (e *LocalEmbedder) Dimensions() int { return e.dims }

// EmbedQuery 实现 Embedder.EmbedQuery。
// 词与相邻二元组各自哈希进桶，最后做 L2 归一化。
func (e *LocalEmbedder) EmbedQuery(_ context.Context, query string) ([]float64, error) {
	vec := make([]float64, e.dims)
	words := strings.Fields(strings.ToLower(query))

	bump := func(token string, weight float64) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%uint32(e.dims)] += weight
	}

	for i, w := range words {
		bump(w, 1.0)
		if i > 0 {
			bump(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// ====== HTTP 嵌入器（OpenAI 兼容 /v1/embeddings）======

// HTTPEmbedderConfig HTTP 嵌入器配置。
type HTTPEmbedderConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HTTPEmbedder 调用 OpenAI 兼容嵌入接口的嵌入器。
type HTTPEmbedder struct {
	cfg    HTTPEmbedderConfig
	client *http.Client
}

// NewHTTPEmbedder 创建 HTTP 嵌入器。
func NewHTTPEmbedder(cfg HTTPEmbedderConfig) *HTTPEmbedder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}
	return &HTTPEmbedder{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (e *HTTPEmbedder) Name() string    { return "http" }
func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

// EmbedQuery 实现 Embedder.EmbedQuery。
func (e *HTTPEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": []string{query},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding status %d: %s", resp.StatusCode, string(data))
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return parsed.Data[0].Embedding, nil
}
