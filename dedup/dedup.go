package dedup

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrJoinTimeout = errors.New("dedup join timeout")
	ErrClosed      = errors.New("deduplicator closed")
)

// Config 去重器配置。
type Config struct {
	// JoinTimeout 跟随者等待领导者结果的上限（在上游延迟之外的保护）。
	// 0 表示只受调用方 ctx 约束。
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

// Stats 去重运行统计。
type Stats struct {
	Admitted int64 `json:"admitted"` // 成为领导者的次数
	Joined   int64 `json:"joined"`   // 搭车跟随的次数
}

// Deduplicator 将并发的同指纹请求折叠为一次上游执行。
// 准入是 singleflight 的原子 insert-if-absent；跟随者在完成信号上等待
// 而非轮询。领导者以脱离取消链的 context 执行：任一等待方超时或断连
// 只释放它自己，不会中止领导者的在途调用，其余跟随者仍能拿到结果。
// 执行结束（无论成败）键即从在途表移除，重试不会被永久挡住。
type Deduplicator struct {
	group   singleflight.Group
	config  Config
	logger  *zap.Logger
	closed  atomic.Bool
	stats   struct{ admitted, joined atomic.Int64 }
}

// New 创建去重器。
func New(config Config, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		config: config,
		logger: logger.With(zap.String("component", "dedup")),
	}
}

// Do 以指纹为键执行 fn，返回 (结果, 是否领导者, 错误)。
// 同指纹并发调用中恰好一个 fn 被执行；领导者的错误原样广播给所有跟随者。
func (d *Deduplicator) Do(ctx context.Context, fingerprint string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	if d.closed.Load() {
		return nil, false, ErrClosed
	}

	leader := false
	ch := d.group.DoChan(fingerprint, func() (any, error) {
		leader = true
		// 领导者脱离本调用方的取消链：调用方断连不应使其他跟随者陪葬。
		return fn(context.WithoutCancel(ctx))
	})

	var timeout <-chan time.Time
	if d.config.JoinTimeout > 0 {
		timer := time.NewTimer(d.config.JoinTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if leader {
			d.stats.admitted.Add(1)
		} else {
			d.stats.joined.Add(1)
			d.logger.Debug("joined in-flight request", zap.String("fingerprint", fingerprint))
		}
		return res.Val, leader, res.Err

	case <-ctx.Done():
		// 只释放本跟随者；领导者继续执行。
		return nil, false, ctx.Err()

	case <-timeout:
		return nil, false, ErrJoinTimeout
	}
}

// Forget 从在途表强制移除指纹（测试与事故处置用）。
func (d *Deduplicator) Forget(fingerprint string) {
	d.group.Forget(fingerprint)
}

// Close 关闭去重器，新请求直接报错。
func (d *Deduplicator) Close() {
	d.closed.Store(true)
}

// Stats 返回运行统计。
func (d *Deduplicator) Stats() Stats {
	return Stats{
		Admitted: d.stats.admitted.Load(),
		Joined:   d.stats.joined.Load(),
	}
}
