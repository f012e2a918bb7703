package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "costpilot:respcache:"

// RedisLevel Redis 二级缓存，仅承担精确指纹匹配。
// 相似检索需要遍历嵌入向量，留在本地分片内完成。
type RedisLevel struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLevel 创建 Redis 二级缓存。
func NewRedisLevel(client *redis.Client, logger *zap.Logger) *RedisLevel {
	return &RedisLevel{
		client: client,
		logger: logger.With(zap.String("component", "respcache_redis")),
	}
}

// Get 按指纹读取条目。
func (r *RedisLevel) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis get error", zap.Error(err))
		}
		return nil, ErrCacheMiss
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, ErrCacheMiss
	}
	return &entry, nil
}

// Set 写入条目并设置 TTL。
func (r *RedisLevel) Set(ctx context.Context, fingerprint string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+fingerprint, data, ttl).Err()
}
