package respcache

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

// Response 缓存的响应载荷。
type Response struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	Tier      string   `json:"tier"`
	Cost      float64  `json:"cost"` // 原始生成花费，命中时计入节省
}

// Entry 缓存条目。
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Embedding   []float64 `json:"embedding,omitempty"`
	Response    Response  `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HitCount    int       `json:"hit_count"`
	CostSaved   float64   `json:"cost_saved"` // 累计节省
	Similarity  float64   `json:"similarity"` // 本次命中的相似度（查找时填充）
}

// Query 缓存查询。Embedding 由上层嵌入器提供，可为空（只走精确匹配）。
type Query struct {
	Text      string
	Signature ContextSignature
	Embedding []float64
}

// Config 响应缓存配置。
type Config struct {
	// ShardCount 本地分片数（按指纹哈希分片，避免全局锁）
	ShardCount int `yaml:"shard_count"`
	// CapacityPerShard 每分片容量，超出按 LRU 淘汰
	CapacityPerShard int `yaml:"capacity_per_shard"`
	// TTL 条目存活时间
	TTL time.Duration `yaml:"ttl"`
	// SimilarityThreshold 相似命中的余弦下限
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// SweepInterval 过期清扫周期
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		ShardCount:          16,
		CapacityPerShard:    256,
		TTL:                 time.Hour,
		SimilarityThreshold: 0.85,
		SweepInterval:       time.Minute,
	}
}

// Stats 缓存运行统计。
type Stats struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Entries             int     `json:"entries"`
	CostSaved           float64 `json:"cost_saved"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	TTLSeconds          float64 `json:"ttl_seconds"`
}

// Cache 归一化查询 → 历史响应的相似缓存。
// 精确指纹快路径 + 同上下文分区内的最近邻回退；分片读写，
// 相似扫描限定在条目自己的 persona/language 分区内。
type Cache struct {
	config Config
	shards []*cacheShard
	redis  *RedisLevel // 可选 L2，仅精确匹配
	logger *zap.Logger

	statsMu   sync.Mutex
	hits      int64
	misses    int64
	costSaved float64

	stopCh  chan struct{}
	stopped sync.Once
}

type cacheShard struct {
	mu    sync.RWMutex
	items map[string]*lruNode
	head  *lruNode // 最近使用
	tail  *lruNode // 最久未使用
	cap   int
}

type lruNode struct {
	key       string
	entry     *Entry
	signature ContextSignature
	prev      *lruNode
	next      *lruNode
}

// New 创建响应缓存。rdb 为 nil 时禁用 Redis L2。
func New(config Config, redis *RedisLevel, logger *zap.Logger) *Cache {
	if config.ShardCount <= 0 {
		config.ShardCount = 16
	}
	if config.CapacityPerShard <= 0 {
		config.CapacityPerShard = 256
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}

	shards := make([]*cacheShard, config.ShardCount)
	for i := range shards {
		shards[i] = &cacheShard{
			items: make(map[string]*lruNode),
			cap:   config.CapacityPerShard,
		}
	}
	return &Cache{
		config: config,
		shards: shards,
		redis:  redis,
		logger: logger.With(zap.String("component", "respcache")),
		stopCh: make(chan struct{}),
	}
}

// Lookup 查找缓存。先做精确指纹匹配，未命中再在同上下文分区内
// 做最近邻回退；相似度达到阈值且未过期才算命中。
func (c *Cache) Lookup(ctx context.Context, q Query) (*Entry, bool) {
	fp := Fingerprint(q.Text, q.Signature)
	now := time.Now()

	// 1. 精确快路径
	if entry := c.lookupExact(fp, now); entry != nil {
		entry.Similarity = 1.0
		c.recordHit(entry)
		return entry, true
	}

	// 2. Redis L2（仅精确）
	if c.redis != nil {
		if entry, err := c.redis.Get(ctx, fp); err == nil && now.Before(entry.ExpiresAt) {
			c.storeEntry(fp, q.Signature, entry) // 回填本地
			entry.Similarity = 1.0
			c.recordHit(entry)
			return entry, true
		}
	}

	// 3. 相似回退
	if len(q.Embedding) > 0 {
		if entry, sim := c.nearest(q.Signature, q.Embedding, now); entry != nil && sim >= c.config.SimilarityThreshold {
			entry.Similarity = sim
			c.recordHit(entry)
			return entry, true
		}
	}

	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
	return nil, false
}

// LookupRelaxed 放宽相似度下限的查找，用于 cache-only 降级策略：
// 在没有更好选择时返回分区内最好的未过期条目及其相似度。
func (c *Cache) LookupRelaxed(ctx context.Context, q Query, floor float64) (*Entry, bool) {
	if entry, ok := c.Lookup(ctx, q); ok {
		return entry, true
	}
	if len(q.Embedding) == 0 {
		return nil, false
	}
	entry, sim := c.nearest(q.Signature, q.Embedding, time.Now())
	if entry == nil || sim < floor {
		return nil, false
	}
	entry.Similarity = sim
	c.recordHit(entry)
	return entry, true
}

// Store 在一次成功生成后写入缓存。
func (c *Cache) Store(ctx context.Context, q Query, resp Response) {
	fp := Fingerprint(q.Text, q.Signature)
	now := time.Now()
	entry := &Entry{
		Fingerprint: fp,
		Embedding:   q.Embedding,
		Response:    resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.config.TTL),
	}
	c.storeEntry(fp, q.Signature, entry)

	if c.redis != nil {
		if err := c.redis.Set(ctx, fp, entry, c.config.TTL); err != nil {
			c.logger.Warn("redis cache set failed", zap.Error(err))
		}
	}
	c.logger.Debug("response cached", zap.String("fingerprint", fp))
}

// Stats 返回运行统计。
func (c *Cache) Stats() Stats {
	entries := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		entries += len(sh.items)
		sh.mu.RUnlock()
	}
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Hits:                c.hits,
		Misses:              c.misses,
		Entries:             entries,
		CostSaved:           c.costSaved,
		SimilarityThreshold: c.config.SimilarityThreshold,
		TTLSeconds:          c.config.TTL.Seconds(),
	}
}

// StartSweeper 启动过期清扫 goroutine。
func (c *Cache) StartSweeper() {
	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep(time.Now())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop 停止清扫。
func (c *Cache) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// ====== 内部实现 ======

func (c *Cache) shardFor(fp string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Cache) lookupExact(fp string, now time.Time) *Entry {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	node, ok := sh.items[fp]
	if !ok {
		return nil
	}
	if now.After(node.entry.ExpiresAt) {
		sh.removeLocked(node)
		return nil
	}
	sh.moveToHeadLocked(node)
	cp := *node.entry
	return &cp
}

// nearest 在同上下文分区内最近邻扫描，返回最好的未过期条目。
// 相似度相同取更短响应（更具体的来源片段优先）。
func (c *Cache) nearest(sig ContextSignature, embedding []float64, now time.Time) (*Entry, float64) {
	var best *Entry
	bestSim := -1.0

	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, node := range sh.items {
			if node.signature != sig || now.After(node.entry.ExpiresAt) || len(node.entry.Embedding) == 0 {
				continue
			}
			sim := CosineSimilarity(embedding, node.entry.Embedding)
			if sim > bestSim || (sim == bestSim && best != nil && len(node.entry.Response.Text) < len(best.Response.Text)) {
				cp := *node.entry
				best = &cp
				bestSim = sim
			}
		}
		sh.mu.RUnlock()
	}
	return best, bestSim
}

func (c *Cache) storeEntry(fp string, sig ContextSignature, entry *Entry) {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if node, ok := sh.items[fp]; ok {
		node.entry = entry
		sh.moveToHeadLocked(node)
		return
	}
	if len(sh.items) >= sh.cap {
		sh.evictTailLocked()
	}
	node := &lruNode{key: fp, entry: entry, signature: sig}
	sh.items[fp] = node
	sh.addToHeadLocked(node)
}

// recordHit 更新命中计数与节省统计。
func (c *Cache) recordHit(entry *Entry) {
	sh := c.shardFor(entry.Fingerprint)
	sh.mu.Lock()
	if node, ok := sh.items[entry.Fingerprint]; ok {
		node.entry.HitCount++
		node.entry.CostSaved += node.entry.Response.Cost
		entry.HitCount = node.entry.HitCount
		entry.CostSaved = node.entry.CostSaved
		// 相似/放宽命中同样刷新热度，否则热条目会先被逐出
		sh.moveToHeadLocked(node)
	}
	sh.mu.Unlock()

	c.statsMu.Lock()
	c.hits++
	c.costSaved += entry.Response.Cost
	c.statsMu.Unlock()
}

func (c *Cache) sweep(now time.Time) {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, node := range sh.items {
			if now.After(node.entry.ExpiresAt) {
				sh.removeLocked(node)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		c.logger.Debug("expired cache entries swept", zap.Int("removed", removed))
	}
}

// ====== 分片内 LRU 链表（O(1) 操作）======

func (sh *cacheShard) addToHeadLocked(node *lruNode) {
	node.prev = nil
	node.next = sh.head
	if sh.head != nil {
		sh.head.prev = node
	}
	sh.head = node
	if sh.tail == nil {
		sh.tail = node
	}
}

func (sh *cacheShard) removeLocked(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		sh.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		sh.tail = node.prev
	}
	delete(sh.items, node.key)
}

func (sh *cacheShard) moveToHeadLocked(node *lruNode) {
	if node == sh.head {
		return
	}
	if node.prev != nil {
		node.prev.next = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		sh.tail = node.prev
	}
	sh.addToHeadLocked(node)
}

func (sh *cacheShard) evictTailLocked() {
	if sh.tail == nil {
		return
	}
	sh.removeLocked(sh.tail)
}

// CosineSimilarity 余弦相似度。维度不符或零向量返回 0。
func CosineSimilarity(a, b []float64) float64 {
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
