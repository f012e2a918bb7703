// =============================================================================
// 📦 CostPilot 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/costpilot/dedup"
	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/ledger"
	"github.com/BaSui01/costpilot/orchestrator"
	"github.com/BaSui01/costpilot/respcache"
	"github.com/BaSui01/costpilot/router"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Provider:     DefaultProviderConfig(),
		Embedder:     DefaultEmbedderConfig(),
		Budget:       governor.DefaultConfig(),
		Ledger:       ledger.DefaultConfig(),
		Cache:        respcache.DefaultConfig(),
		Dedup:        dedup.Config{JoinTimeout: 30 * time.Second},
		Router:       router.DefaultConfig(),
		Degradation:  degradation.DefaultConfig(),
		Fallback:     DefaultFallbackConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Worker:       orchestrator.DefaultWorkerConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认账本存储配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: "sqlite",
		Path:   "costpilot.db",
	}
}

// DefaultProviderConfig 返回默认上游配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{Kind: "mock"}
}

// DefaultEmbedderConfig 返回默认嵌入器配置
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		Kind:       "local",
		Dimensions: 128,
	}
}

// DefaultFallbackConfig 返回默认降级配置
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Selector:      fallback.DefaultConfig(),
		QueueCapacity: 1024,
		QueueMaxAge:   5 * time.Minute,
	}
}
