package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/governor"
)

// WorkerConfig 延迟队列回放配置。
type WorkerConfig struct {
	// Interval 回放检查周期
	Interval time.Duration `yaml:"interval"`
	// ResumeBelow 全局预算占用率低于该值才回放
	ResumeBelow float64 `yaml:"resume_below"`
	// MaxLevel 降级等级不高于该值才回放
	MaxLevel degradation.Level `yaml:"max_level"`
	// DrainBatch 单轮最多回放条数
	DrainBatch int `yaml:"drain_batch"`
}

// DefaultWorkerConfig 返回默认配置。
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:    30 * time.Second,
		ResumeBelow: 0.8,
		MaxLevel:    degradation.LevelMinor,
		DrainBatch:  16,
	}
}

// DeferredHandler 回放结果回调，装配层用它把结果投递给原请求方
// （webhook、站内信等）。
type DeferredHandler func(res *Result, err error)

// Worker 延迟队列回放器。
// 降级等级回落且预算压力缓解后，把被延迟的请求按出队顺序重新走
// 完整编排流程。回放请求一律按常规质量处理。
type Worker struct {
	config  WorkerConfig
	orch    *Orchestrator
	handler DeferredHandler
	logger  *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewWorker 创建回放器。handler 为 nil 时结果只落日志。
func NewWorker(config WorkerConfig, orch *Orchestrator, handler DeferredHandler, logger *zap.Logger) *Worker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.DrainBatch <= 0 {
		config.DrainBatch = 16
	}
	return &Worker{
		config:  config,
		orch:    orch,
		handler: handler,
		logger:  logger.With(zap.String("component", "deferred_worker")),
		stopCh:  make(chan struct{}),
	}
}

// Start 启动回放循环。
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.drain()
			}
		}
	}()
	w.logger.Info("deferred worker started", zap.Duration("interval", w.config.Interval))
}

// Stop 停止回放循环。
func (w *Worker) Stop() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) drain() {
	if !w.canDrain() {
		return
	}
	for i := 0; i < w.config.DrainBatch; i++ {
		item := w.orch.deps.Deferred.Dequeue()
		if item == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, err := w.orch.Handle(ctx, &Request{
			RequestID: item.ID,
			Principal: item.Principal,
			Query:     item.Query,
			Persona:   item.Persona,
			Language:  item.Language,
			Quality:   governor.QualityStandard,
			Priority:  item.Priority,
		})
		cancel()

		if err != nil {
			w.logger.Warn("deferred replay failed",
				zap.String("id", item.ID), zap.Error(err))
		} else {
			w.logger.Info("deferred replay served",
				zap.String("id", item.ID),
				zap.String("tier", res.TierUsed),
				zap.Bool("cache_hit", res.CacheHit))
		}
		if w.handler != nil {
			w.handler(res, err)
		}

		// 回放途中条件恶化就立刻收手
		if !w.canDrain() {
			return
		}
	}
}

func (w *Worker) canDrain() bool {
	if w.orch.deps.Degrade.Level() > w.config.MaxLevel {
		return false
	}
	if w.config.ResumeBelow > 0 && w.orch.deps.Governor.GlobalUtilization() >= w.config.ResumeBelow {
		return false
	}
	return true
}
