package governor

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/degradation"
)

// Decision 预算评估结论。
type Decision int

const (
	// Allow 放行
	Allow Decision = iota
	// Warn 放行但记录越线告警
	Warn
	// Downgrade 仅允许经济档
	Downgrade
	// Block 阻断（调用方必须走降级选择器）
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case Warn:
		return "Warn"
	case Downgrade:
		return "Downgrade"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// Quality 调用方的质量要求。
type Quality int

const (
	// QualityStandard 常规质量，允许被降档
	QualityStandard Quality = iota
	// QualityRequired 硬性要求高质量档。注意：预算压力下守卫仍会给出
	// Downgrade 而非静默放行，调用方需要自行走降级选择器。
	QualityRequired
)

// Threshold 越线事件的阈值类别。
type Threshold string

const (
	ThresholdWarn      Threshold = "warn"
	ThresholdDowngrade Threshold = "downgrade"
	ThresholdBlock     Threshold = "block"
)

// ThresholdEvent 预算越线事件。同一主体同一周期内每个阈值至多触发一次。
type ThresholdEvent struct {
	Principal   string    `json:"principal"`
	Threshold   Threshold `json:"threshold"`
	Utilization float64   `json:"utilization"`
	At          time.Time `json:"at"`
}

// EventHandler 越线事件回调。
type EventHandler func(ev ThresholdEvent)

// Config 预算守卫配置。
type Config struct {
	// Period 预算周期，花费在周期边界归零
	Period time.Duration `yaml:"period"`
	// DefaultHardLimit 主体默认硬上限（USD）
	DefaultHardLimit float64 `yaml:"default_hard_limit"`
	// PrincipalLimits 主体级硬上限覆盖
	PrincipalLimits map[string]float64 `yaml:"principal_limits"`
	// GlobalHardLimit 全局硬上限，0 表示不限制
	GlobalHardLimit float64 `yaml:"global_hard_limit"`
	// WarnAt / DowngradeAt / BlockAt 阈值（利用率，0-1 递增）
	WarnAt      float64 `yaml:"warn_at"`
	DowngradeAt float64 `yaml:"downgrade_at"`
	BlockAt     float64 `yaml:"block_at"`
	// Privileged 特权主体集合（Block 态可用紧急放行）
	Privileged map[string]bool `yaml:"privileged"`
	// EmergencyOverride 紧急放行开关，仅对特权主体生效
	EmergencyOverride bool `yaml:"emergency_override"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Period:           24 * time.Hour,
		DefaultHardLimit: 100.0,
		WarnAt:           0.5,
		DowngradeAt:      0.8,
		BlockAt:          0.95,
	}
}

// budgetState 单主体预算状态。只能在所属分片锁内读写。
type budgetState struct {
	periodStart time.Time
	spend       float64 // 已提交花费，周期内单调不减
	pending     float64 // 在途预留

	firedWarn      bool
	firedDowngrade bool
	firedBlock     bool
}

const shardCount = 64

type shard struct {
	mu     sync.Mutex
	states map[string]*budgetState
}

// Governor 预算守卫。
// 主体状态按哈希分片，同一主体的读改写全程持有分片锁，
// 两个并发请求不可能都基于同一份过期花费放行。
type Governor struct {
	config Config
	logger *zap.Logger
	level  func() degradation.Level // 降级等级来源，可为 nil

	shards [shardCount]shard
	global struct {
		mu      sync.Mutex
		state   budgetState
		started bool
	}

	handlerMu sync.RWMutex
	handlers  []EventHandler
}

// New 创建预算守卫。levelFn 提供当前降级等级（可为 nil）。
func New(config Config, levelFn func() degradation.Level, logger *zap.Logger) *Governor {
	if config.Period <= 0 {
		config.Period = 24 * time.Hour
	}
	g := &Governor{
		config: config,
		logger: logger.With(zap.String("component", "governor")),
		level:  levelFn,
	}
	for i := range g.shards {
		g.shards[i].states = make(map[string]*budgetState)
	}
	return g
}

// OnThreshold 注册越线事件回调。回调在独立 goroutine 中执行。
func (g *Governor) OnThreshold(h EventHandler) {
	g.handlerMu.Lock()
	defer g.handlerMu.Unlock()
	g.handlers = append(g.handlers, h)
}

// Evaluation 一次评估的结果。
type Evaluation struct {
	Decision    Decision
	Utilization float64 // 含降级乘数调整后的利用率
	Reservation *Reservation
	Reason      string
}

// Reservation 在途花费预留。放行后由调用方在生成完成时 Commit 实际花费，
// 或在失败/放弃时 Release。未兑现的预留会一直占用预算额度。
type Reservation struct {
	g         *Governor
	principal string
	amount    float64
	done      sync.Once
}

// Commit 以实际花费兑现预留。
func (r *Reservation) Commit(actualCost float64) {
	r.done.Do(func() { r.g.settle(r.principal, r.amount, actualCost) })
}

// Release 释放预留，不计入花费。
func (r *Reservation) Release() {
	r.done.Do(func() { r.g.settle(r.principal, r.amount, 0) })
}

// Evaluate 评估一次拟发生的操作。
// 阈值按严重度升序比较；质量硬性要求在 Downgrade 区间内不会换来放行，
// 守卫从不静默升档。Allow/Warn/Downgrade 附带预留，Block 无预留。
func (g *Governor) Evaluate(principal string, estimatedCost float64, quality Quality) Evaluation {
	now := time.Now()
	mult := 1.0
	if g.level != nil {
		mult = g.level().BudgetMultiplier()
	}

	// 全局预算先行：全局阻断对非特权主体一票否决。
	if g.config.GlobalHardLimit > 0 {
		gu := g.globalUtilization(now, estimatedCost) * mult
		if gu >= g.config.BlockAt && !g.overrideAllowed(principal) {
			return Evaluation{Decision: Block, Utilization: gu, Reason: "global budget exhausted"}
		}
	}

	sh := g.shardFor(principal)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := g.stateLocked(sh, principal, now)
	limit := g.limitFor(principal)

	effective := (st.spend + st.pending + estimatedCost) / limit * mult

	switch {
	case effective >= g.config.BlockAt:
		if g.overrideAllowed(principal) {
			g.fireLocked(st, principal, ThresholdBlock, effective, now)
			return Evaluation{
				Decision:    Downgrade,
				Utilization: effective,
				Reservation: g.reserveLocked(st, principal, estimatedCost),
				Reason:      "emergency override for privileged principal",
			}
		}
		g.fireLocked(st, principal, ThresholdBlock, effective, now)
		return Evaluation{Decision: Block, Utilization: effective, Reason: "hard-block threshold reached"}

	case effective >= g.config.DowngradeAt:
		g.fireLocked(st, principal, ThresholdDowngrade, effective, now)
		reason := "downgrade threshold reached"
		if quality == QualityRequired {
			// 不静默升档：质量要求下仍给 Downgrade，由降级选择器兜底。
			reason = "downgrade threshold reached despite quality requirement"
		}
		return Evaluation{
			Decision:    Downgrade,
			Utilization: effective,
			Reservation: g.reserveLocked(st, principal, estimatedCost),
			Reason:      reason,
		}

	case effective >= g.config.WarnAt:
		g.fireLocked(st, principal, ThresholdWarn, effective, now)
		g.logger.Warn("budget warn threshold crossed",
			zap.String("principal", principal),
			zap.Float64("utilization", effective))
		return Evaluation{
			Decision:    Warn,
			Utilization: effective,
			Reservation: g.reserveLocked(st, principal, estimatedCost),
			Reason:      "soft-warn threshold reached",
		}

	default:
		return Evaluation{
			Decision:    Allow,
			Utilization: effective,
			Reservation: g.reserveLocked(st, principal, estimatedCost),
			Reason:      "within budget",
		}
	}
}

// Snapshot 主体预算状态的只读副本（管理接口用）。
type Snapshot struct {
	Principal   string    `json:"principal"`
	PeriodStart time.Time `json:"period_start"`
	Spend       float64   `json:"spend"`
	Pending     float64   `json:"pending"`
	HardLimit   float64   `json:"hard_limit"`
	Utilization float64   `json:"utilization"`
}

// SnapshotOf 返回主体当前预算状态快照。
func (g *Governor) SnapshotOf(principal string) Snapshot {
	sh := g.shardFor(principal)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := g.stateLocked(sh, principal, time.Now())
	limit := g.limitFor(principal)
	return Snapshot{
		Principal:   principal,
		PeriodStart: st.periodStart,
		Spend:       st.spend,
		Pending:     st.pending,
		HardLimit:   limit,
		Utilization: (st.spend + st.pending) / limit,
	}
}

// GlobalUtilization 返回全局花费比（降级管理器消费）。
func (g *Governor) GlobalUtilization() float64 {
	if g.config.GlobalHardLimit <= 0 {
		return 0
	}
	return g.globalUtilization(time.Now(), 0)
}

// IsPrivileged 返回主体是否属于特权集合。
func (g *Governor) IsPrivileged(principal string) bool {
	return g.config.Privileged[principal]
}

// ====== 内部辅助 ======

func (g *Governor) shardFor(principal string) *shard {
	h := fnv.New32a()
	h.Write([]byte(principal))
	return &g.shards[h.Sum32()%shardCount]
}

func (g *Governor) limitFor(principal string) float64 {
	if limit, ok := g.config.PrincipalLimits[principal]; ok && limit > 0 {
		return limit
	}
	if g.config.DefaultHardLimit > 0 {
		return g.config.DefaultHardLimit
	}
	return 1
}

func (g *Governor) overrideAllowed(principal string) bool {
	return g.config.EmergencyOverride && g.config.Privileged[principal]
}

// stateLocked 取出主体状态，周期翻转时归零重建。调用方必须持有分片锁。
func (g *Governor) stateLocked(sh *shard, principal string, now time.Time) *budgetState {
	st, ok := sh.states[principal]
	periodStart := now.Truncate(g.config.Period)
	if !ok {
		st = &budgetState{periodStart: periodStart}
		sh.states[principal] = st
		return st
	}
	if periodStart.After(st.periodStart) {
		// 周期边界：花费归零，越线标记复位。在途预留跨边界保留，
		// 由 settle 落到新周期。
		st.periodStart = periodStart
		st.spend = 0
		st.firedWarn = false
		st.firedDowngrade = false
		st.firedBlock = false
	}
	return st
}

func (g *Governor) reserveLocked(st *budgetState, principal string, amount float64) *Reservation {
	st.pending += amount
	g.bumpGlobalPending(amount)
	return &Reservation{g: g, principal: principal, amount: amount}
}

// settle 将预留转为实际花费（actual 为 0 表示释放）。
func (g *Governor) settle(principal string, reserved, actual float64) {
	sh := g.shardFor(principal)
	sh.mu.Lock()
	st := g.stateLocked(sh, principal, time.Now())
	st.pending -= reserved
	if st.pending < 0 {
		st.pending = 0
	}
	st.spend += actual
	sh.mu.Unlock()

	g.global.mu.Lock()
	g.global.state.pending -= reserved
	if g.global.state.pending < 0 {
		g.global.state.pending = 0
	}
	g.global.state.spend += actual
	g.global.mu.Unlock()
}

func (g *Governor) bumpGlobalPending(amount float64) {
	g.global.mu.Lock()
	g.resetGlobalLocked(time.Now())
	g.global.state.pending += amount
	g.global.mu.Unlock()
}

func (g *Governor) globalUtilization(now time.Time, extra float64) float64 {
	g.global.mu.Lock()
	defer g.global.mu.Unlock()
	g.resetGlobalLocked(now)
	if g.config.GlobalHardLimit <= 0 {
		return 0
	}
	return (g.global.state.spend + g.global.state.pending + extra) / g.config.GlobalHardLimit
}

func (g *Governor) resetGlobalLocked(now time.Time) {
	periodStart := now.Truncate(g.config.Period)
	if !g.global.started {
		g.global.started = true
		g.global.state.periodStart = periodStart
		return
	}
	if periodStart.After(g.global.state.periodStart) {
		g.global.state.periodStart = periodStart
		g.global.state.spend = 0
	}
}

// fireLocked 触发越线事件，同周期同阈值只触发一次。调用方必须持有分片锁。
func (g *Governor) fireLocked(st *budgetState, principal string, threshold Threshold, utilization float64, now time.Time) {
	var fired *bool
	switch threshold {
	case ThresholdWarn:
		fired = &st.firedWarn
	case ThresholdDowngrade:
		fired = &st.firedDowngrade
	case ThresholdBlock:
		fired = &st.firedBlock
	default:
		return
	}
	if *fired {
		return
	}
	*fired = true

	ev := ThresholdEvent{Principal: principal, Threshold: threshold, Utilization: utilization, At: now}
	g.handlerMu.RLock()
	handlers := g.handlers
	g.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(ev)
	}
}
