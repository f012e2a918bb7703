package fallback

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("deferred queue full")

// Priority 延迟队列优先级类别。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// DeferredItem 被延迟处理的请求。
type DeferredItem struct {
	ID         string    `json:"id"`
	Principal  string    `json:"principal"`
	Query      string    `json:"query"`
	Persona    string    `json:"persona"`
	Language   string    `json:"language"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeferredQueue 按优先级分类的 FIFO 延迟队列。
// 高优先级先出，但低优先级条目滞留超过 MaxAge 后被提前，保证不饿死。
type DeferredQueue struct {
	mu       sync.Mutex
	classes  map[Priority][]*DeferredItem
	capacity int
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewDeferredQueue 创建延迟队列。maxAge 为低优先级的最大滞留时长。
func NewDeferredQueue(capacity int, maxAge time.Duration, logger *zap.Logger) *DeferredQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &DeferredQueue{
		classes:  make(map[Priority][]*DeferredItem),
		capacity: capacity,
		maxAge:   maxAge,
		logger:   logger.With(zap.String("component", "deferred_queue")),
	}
}

// Enqueue 入队。
func (q *DeferredQueue) Enqueue(item *DeferredItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() >= q.capacity {
		return ErrQueueFull
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	q.classes[item.Priority] = append(q.classes[item.Priority], item)
	q.logger.Debug("request deferred",
		zap.String("id", item.ID),
		zap.Int("priority", int(item.Priority)))
	return nil
}

// Dequeue 出队下一个应处理的条目，队列空时返回 nil。
// 常规走优先级降序；任何类别的队首超龄则优先被取出。
func (q *DeferredQueue) Dequeue() *DeferredItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	// 超龄提前：从最低优先级开始找超龄队首
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if items := q.classes[p]; len(items) > 0 && now.Sub(items[0].EnqueuedAt) >= q.maxAge {
			return q.popLocked(p)
		}
	}

	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		if len(q.classes[p]) > 0 {
			return q.popLocked(p)
		}
	}
	return nil
}

// Len 返回队列总长度。
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *DeferredQueue) lenLocked() int {
	n := 0
	for _, items := range q.classes {
		n += len(items)
	}
	return n
}

func (q *DeferredQueue) popLocked(p Priority) *DeferredItem {
	items := q.classes[p]
	item := items[0]
	q.classes[p] = items[1:]
	return item
}
