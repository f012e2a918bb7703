package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/provider"
)

var (
	ErrInvalidPrincipal = errors.New("invalid principal")
	ErrInvalidWindow    = errors.New("invalid aggregation window")
)

// Window 汇总时间窗口。
type Window string

const (
	WindowHourly  Window = "hourly"
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// UsageRecord 单条用量记录。写入后不可变。
type UsageRecord struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	RequestID  string        `gorm:"uniqueIndex;size:64" json:"request_id"`
	Principal  string        `gorm:"index;size:128" json:"principal"`
	TokensIn   int           `json:"tokens_in"`
	TokensOut  int           `json:"tokens_out"`
	Cost       float64       `json:"cost"`
	Tier       provider.Tier `gorm:"size:16" json:"tier"`
	Category   string        `gorm:"size:32" json:"category"`
	RecordedAt time.Time     `gorm:"index" json:"recorded_at"`
}

// Config 用量账本配置。
type Config struct {
	// Rates 档位费率表
	Rates RateTable `yaml:"rates"`
	// WriteRetries 写入失败的最大重试次数
	WriteRetries int `yaml:"write_retries"`
	// RetryBackoff 首次重试退避，之后指数增长
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Retention 记录保留时长，0 表示不修剪
	Retention time.Duration `yaml:"retention"`
	// PruneInterval 后台修剪周期
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Rates:         DefaultRateTable(),
		WriteRetries:  3,
		RetryBackoff:  100 * time.Millisecond,
		Retention:     90 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// Ledger 按主体记账的追加式用量账本。
// 记账相对用户体验是尽力而为的：写入失败有界重试后仅记日志，
// 绝不阻塞响应路径。
type Ledger struct {
	config Config
	store  Store
	logger *zap.Logger

	mu         sync.RWMutex
	principals map[string]struct{}

	stopCh  chan struct{}
	stopped sync.Once
}

// New 创建用量账本。
func New(config Config, store Store, logger *zap.Logger) *Ledger {
	if config.Rates == nil {
		config.Rates = DefaultRateTable()
	}
	return &Ledger{
		config:     config,
		store:      store,
		logger:     logger.With(zap.String("component", "ledger")),
		principals: make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// RegisterPrincipal 登记一个可计费主体。未登记主体的记账请求会被拒绝。
func (l *Ledger) RegisterPrincipal(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.principals[principal] = struct{}{}
}

// KnownPrincipal 检查主体是否已登记。
func (l *Ledger) KnownPrincipal(principal string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.principals[principal]
	return ok
}

// Rates 返回当前费率表。
func (l *Ledger) Rates() RateTable {
	return l.config.Rates
}

// Record 记录一次已完成生成的用量。
// requestID 为幂等键：同一请求重放（如超时重试）不会重复计费。
// 返回的记录已计算好花费；存储写入在后台带退避重试。
func (l *Ledger) Record(ctx context.Context, principal, requestID string, tokensIn, tokensOut int, tier provider.Tier, category string) (*UsageRecord, error) {
	if !l.KnownPrincipal(principal) {
		return nil, ErrInvalidPrincipal
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	rec := &UsageRecord{
		RequestID:  requestID,
		Principal:  principal,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Cost:       l.config.Rates.Cost(tier, tokensIn, tokensOut),
		Tier:       tier,
		Category:   category,
		RecordedAt: time.Now(),
	}

	if err := l.appendWithRetry(ctx, rec); err != nil {
		// 纯记账失败不向上冒泡：花费已算出，调用方照常拿到记录。
		l.logger.Error("usage write failed after retries",
			zap.String("principal", principal),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	return rec, nil
}

// Aggregate 汇总主体在指定窗口内的总花费。
func (l *Ledger) Aggregate(ctx context.Context, principal string, window Window) (float64, error) {
	if !l.KnownPrincipal(principal) {
		return 0, ErrInvalidPrincipal
	}
	since, err := windowStart(window, time.Now())
	if err != nil {
		return 0, err
	}
	return l.store.SumCost(ctx, principal, since)
}

// StartPruner 启动后台保留策略修剪。
func (l *Ledger) StartPruner() {
	if l.config.Retention <= 0 {
		return
	}
	interval := l.config.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := l.store.Prune(context.Background(), time.Now().Add(-l.config.Retention))
				if err != nil {
					l.logger.Warn("usage prune failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					l.logger.Info("usage records pruned", zap.Int64("removed", removed))
				}
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop 停止后台修剪。
func (l *Ledger) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
}

func (l *Ledger) appendWithRetry(ctx context.Context, rec *UsageRecord) error {
	backoff := l.config.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= l.config.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if lastErr = l.store.Append(ctx, rec); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func windowStart(window Window, now time.Time) (time.Time, error) {
	switch window {
	case WindowHourly:
		return now.Truncate(time.Hour), nil
	case WindowDaily:
		return now.Truncate(24 * time.Hour), nil
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), nil
	default:
		return time.Time{}, ErrInvalidWindow
	}
}
