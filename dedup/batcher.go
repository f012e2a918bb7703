package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBatchClosed = errors.New("batcher closed")
	ErrBatchFull   = errors.New("batch queue full")
)

// BatchRequest 批处理中的单个请求。
type BatchRequest struct {
	ID     string `json:"id"`
	Class  string `json:"class"` // 兼容类别（persona+language），只有同类才会合批
	Prompt string `json:"prompt"`
}

// BatchResponse 单个请求的批处理结果。
type BatchResponse struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	Err       error  `json:"-"`
}

// BatchHandler 处理一批同类请求，返回值按 ID 归属。
type BatchHandler func(ctx context.Context, reqs []*BatchRequest) []*BatchResponse

// BatchConfig 批处理器配置。
type BatchConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxWait      time.Duration `yaml:"max_wait"` // 单个请求等待合批的上限
	QueueSize    int           `yaml:"queue_size"`
}

// DefaultBatchConfig 返回默认配置。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize: 8,
		MaxWait:      50 * time.Millisecond,
		QueueSize:    512,
	}
}

// Batcher 把窗口内到达的同类请求合并为一次上游调用。
// 每个请求的归属通过 ID 保持；任何请求等待都不会超过 MaxWait。
type Batcher struct {
	config  BatchConfig
	handler BatchHandler
	queue   chan *pendingReq
	wg      sync.WaitGroup

	// mu 串行化入队与关闭：持读锁才能向 queue 发送，
	// 持写锁置位 closed 并 close(queue)，避免向已关闭通道发送。
	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	flushed   atomic.Int64
}

type pendingReq struct {
	req      *BatchRequest
	response chan *BatchResponse
	ctx      context.Context
	at       time.Time
}

// NewBatcher 创建并启动批处理器。
func NewBatcher(config BatchConfig, handler BatchHandler) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 8
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 50 * time.Millisecond
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 512
	}

	b := &Batcher{
		config:  config,
		handler: handler,
		queue:   make(chan *pendingReq, config.QueueSize),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Submit 提交请求，返回结果通道。
func (b *Batcher) Submit(ctx context.Context, req *BatchRequest) <-chan *BatchResponse {
	respCh := make(chan *BatchResponse, 1)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		respCh <- &BatchResponse{ID: req.ID, Err: ErrBatchClosed}
		close(respCh)
		return respCh
	}
	b.submitted.Add(1)

	// select 带 default 分支不会阻塞，读锁只覆盖瞬时入队
	select {
	case b.queue <- &pendingReq{req: req, response: respCh, ctx: ctx, at: time.Now()}:
	case <-ctx.Done():
		respCh <- &BatchResponse{ID: req.ID, Err: ctx.Err()}
		close(respCh)
	default:
		respCh <- &BatchResponse{ID: req.ID, Err: ErrBatchFull}
		close(respCh)
	}
	b.mu.RUnlock()
	return respCh
}

// SubmitSync 提交请求并等待结果。
func (b *Batcher) SubmitSync(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	select {
	case resp := <-b.Submit(ctx, req):
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 关闭批处理器并冲刷剩余请求。与并发的 Submit 安全：
// 写锁等待在途入队完成后才关闭通道。
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

// Flushed 返回累计冲刷的批次数。
func (b *Batcher) Flushed() int64 { return b.flushed.Load() }

// loop 按类别攒批：类别内满员立即冲刷，否则最旧请求到龄时冲刷。
func (b *Batcher) loop() {
	defer b.wg.Done()

	classes := make(map[string][]*pendingReq)
	tick := time.NewTicker(b.config.MaxWait / 2)
	defer tick.Stop()

	flush := func(class string) {
		batch := classes[class]
		if len(batch) == 0 {
			return
		}
		delete(classes, class)
		b.flushed.Add(1)
		b.process(batch)
	}

	for {
		select {
		case p, ok := <-b.queue:
			if !ok {
				for class := range classes {
					flush(class)
				}
				return
			}
			class := p.req.Class
			classes[class] = append(classes[class], p)
			if len(classes[class]) >= b.config.MaxBatchSize {
				flush(class)
			}

		case <-tick.C:
			now := time.Now()
			for class, batch := range classes {
				if now.Sub(batch[0].at) >= b.config.MaxWait {
					flush(class)
				}
			}
		}
	}
}

func (b *Batcher) process(batch []*pendingReq) {
	reqs := make([]*BatchRequest, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	responses := b.handler(batch[0].ctx, reqs)
	byID := make(map[string]*BatchResponse, len(responses))
	for _, resp := range responses {
		byID[resp.ID] = resp
	}

	for _, p := range batch {
		resp, ok := byID[p.req.ID]
		if !ok {
			resp = &BatchResponse{ID: p.req.ID, Err: errors.New("no response for request")}
		}
		select {
		case p.response <- resp:
		default:
		}
		close(p.response)
	}
}
