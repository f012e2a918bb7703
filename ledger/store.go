package ledger

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 用量记录的持久化接口。
// 记录只追加，从不更新；按保留策略修剪。
type Store interface {
	// Append 写入一条用量记录。同一 RequestID 重复写入应当幂等。
	Append(ctx context.Context, rec *UsageRecord) error

	// SumCost 汇总某个主体自 since 以来的总花费。
	SumCost(ctx context.Context, principal string, since time.Time) (float64, error)

	// Prune 删除 before 之前的记录，返回删除条数。
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ====== GORM 持久化实现 ======

// GormStore 基于 gorm 的用量存储（默认 sqlite 方言，兼容 pg/mysql）。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 gorm 存储并迁移表结构。
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Append 实现 Store.Append。RequestID 唯一索引 + DoNothing 保证重放幂等。
func (s *GormStore) Append(ctx context.Context, rec *UsageRecord) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(rec).Error
}

// SumCost 实现 Store.SumCost。
func (s *GormStore) SumCost(ctx context.Context, principal string, since time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("principal = ? AND recorded_at >= ?", principal, since).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	return total, err
}

// Prune 实现 Store.Prune。
func (s *GormStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("recorded_at < ?", before).
		Delete(&UsageRecord{})
	return res.RowsAffected, res.Error
}

// ====== 内存实现（测试与无持久化部署）======

// MemoryStore 内存用量存储。
type MemoryStore struct {
	mu      sync.RWMutex
	records []UsageRecord
	byReqID map[string]struct{}
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byReqID: make(map[string]struct{})}
}

// Append 实现 Store.Append。
func (s *MemoryStore) Append(ctx context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byReqID[rec.RequestID]; dup {
		return nil
	}
	s.byReqID[rec.RequestID] = struct{}{}
	s.records = append(s.records, *rec)
	return nil
}

// SumCost 实现 Store.SumCost。
func (s *MemoryStore) SumCost(ctx context.Context, principal string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, r := range s.records {
		if r.Principal == principal && !r.RecordedAt.Before(since) {
			total += r.Cost
		}
	}
	return total, nil
}

// Prune 实现 Store.Prune。
func (s *MemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if r.RecordedAt.Before(before) {
			delete(s.byReqID, r.RequestID)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

// Count 返回当前记录条数（测试用）。
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
