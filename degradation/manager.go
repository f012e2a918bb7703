package degradation

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config 降级管理器配置。
type Config struct {
	// ErrorRateThreshold 错误率告警阈值 (0-1)
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	// LatencyP95Threshold p95 延迟告警阈值
	LatencyP95Threshold time.Duration `yaml:"latency_p95_threshold"`
	// UtilizationThreshold 全局预算利用率告警阈值 (0-1)
	UtilizationThreshold float64 `yaml:"utilization_threshold"`
	// BreachWindow 触发升级所需的持续失守时长
	BreachWindow time.Duration `yaml:"breach_window"`
	// RecoveryWindow 触发回退所需的持续健康时长
	RecoveryWindow time.Duration `yaml:"recovery_window"`
	// SampleWindow 健康样本滚动窗口
	SampleWindow time.Duration `yaml:"sample_window"`
	// EvalInterval 后台评估周期
	EvalInterval time.Duration `yaml:"eval_interval"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		ErrorRateThreshold:   0.25,
		LatencyP95Threshold:  10 * time.Second,
		UtilizationThreshold: 0.85,
		BreachWindow:         30 * time.Second,
		RecoveryWindow:       60 * time.Second,
		SampleWindow:         2 * time.Minute,
		EvalInterval:         5 * time.Second,
	}
}

type sample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Manager 维护全局降级等级的状态机。
// 等级一次只移动一格：升级需要持续失守，回退需要持续健康，避免抖动。
// 等级读取走原子路径（高频），写入在互斥锁下（低频）。
type Manager struct {
	config Config
	logger *zap.Logger

	level atomic.Int32

	mu           sync.Mutex
	samples      []sample
	breachSince  time.Time // 零值表示当前未失守
	healthySince time.Time
	overridden   bool // 手动覆盖期间自动评估暂停

	utilizationFn func() float64 // 全局预算利用率来源，可为 nil

	stopCh  chan struct{}
	stopped sync.Once

	onChange []func(from, to Level)
}

// NewManager 创建降级管理器。utilizationFn 提供全局花费比（可为 nil）。
func NewManager(config Config, utilizationFn func() float64, logger *zap.Logger) *Manager {
	m := &Manager{
		config:        config,
		logger:        logger.With(zap.String("component", "degradation")),
		utilizationFn: utilizationFn,
		stopCh:        make(chan struct{}),
	}
	m.healthySince = time.Now()
	return m
}

// Level 返回当前降级等级（无锁读）。
func (m *Manager) Level() Level {
	return Level(m.level.Load())
}

// OnChange 注册等级变更回调。回调在独立 goroutine 中执行。
func (m *Manager) OnChange(fn func(from, to Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Observe 记录一次请求结果，供滚动健康窗口使用。
func (m *Manager) Observe(latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{at: time.Now(), latency: latency, failed: failed})
}

// Override 手动设定等级（事故响应用）。自动评估随之暂停，
// 直到调用 ClearOverride。
func (m *Manager) Override(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overridden = true
	m.setLevel(level, "manual override")
}

// ClearOverride 解除手动覆盖，恢复自动评估。
func (m *Manager) ClearOverride() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overridden = false
	m.breachSince = time.Time{}
	m.healthySince = time.Now()
	m.logger.Info("degradation override cleared")
}

// Start 启动后台评估循环。
func (m *Manager) Start() {
	interval := m.config.EvalInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evaluate(time.Now())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop 停止后台评估。
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// evaluate 根据滚动窗口健康状况推进状态机。
func (m *Manager) evaluate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overridden {
		return
	}

	m.pruneLocked(now)
	unhealthy := m.unhealthyLocked()

	if unhealthy {
		m.healthySince = time.Time{}
		if m.breachSince.IsZero() {
			m.breachSince = now
			return
		}
		if now.Sub(m.breachSince) >= m.config.BreachWindow {
			cur := Level(m.level.Load())
			if cur < LevelCritical {
				m.setLevel(cur+1, "sustained breach")
			}
			m.breachSince = now // 下一格升级重新计时
		}
		return
	}

	m.breachSince = time.Time{}
	if m.healthySince.IsZero() {
		m.healthySince = now
		return
	}
	if now.Sub(m.healthySince) >= m.config.RecoveryWindow {
		cur := Level(m.level.Load())
		if cur > LevelNormal {
			m.setLevel(cur-1, "sustained recovery")
		}
		m.healthySince = now
	}
}

// unhealthyLocked 判断当前滚动窗口是否失守。
func (m *Manager) unhealthyLocked() bool {
	if m.utilizationFn != nil && m.utilizationFn() >= m.config.UtilizationThreshold {
		return true
	}
	if len(m.samples) == 0 {
		return false
	}

	failed := 0
	latencies := make([]time.Duration, 0, len(m.samples))
	for _, s := range m.samples {
		if s.failed {
			failed++
		}
		latencies = append(latencies, s.latency)
	}

	if float64(failed)/float64(len(m.samples)) >= m.config.ErrorRateThreshold {
		return true
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p95 := latencies[len(latencies)*95/100]
	return p95 >= m.config.LatencyP95Threshold
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.config.SampleWindow)
	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

// setLevel 修改等级并触发回调。调用方必须持有 m.mu。
func (m *Manager) setLevel(to Level, reason string) {
	from := Level(m.level.Load())
	if from == to {
		return
	}
	m.level.Store(int32(to))

	m.logger.Warn("degradation level changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))

	for _, fn := range m.onChange {
		go fn(from, to)
	}
}
