// =============================================================================
// 📦 CostPilot 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("COSTPILOT").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/costpilot/dedup"
	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/ledger"
	"github.com/BaSui01/costpilot/orchestrator"
	"github.com/BaSui01/costpilot/provider"
	"github.com/BaSui01/costpilot/respcache"
	"github.com/BaSui01/costpilot/retrieval"
	"github.com/BaSui01/costpilot/router"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 CostPilot 的完整配置结构。
// 组件级配置（预算、缓存、路由等）直接复用各包的 Config 类型，
// 从 YAML 反序列化；基础设施配置（服务器、日志、存储）带 env 标签
// 支持环境变量覆盖。
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Redis 缓存二级存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 账本存储配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Provider 生成上游配置
	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`

	// Embedder 嵌入器配置
	Embedder EmbedderConfig `yaml:"embedder" env:"EMBEDDER"`

	// Knowledge 检索语料配置
	Knowledge KnowledgeConfig `yaml:"knowledge" env:"KNOWLEDGE"`

	// Principals 启动时登记的计费主体列表；
	// budget.principal_limits 与 budget.privileged 中出现的主体会自动并入
	Principals []string `yaml:"principals"`

	// Budget 预算守卫配置
	Budget governor.Config `yaml:"budget"`

	// Ledger 用量账本配置
	Ledger ledger.Config `yaml:"ledger"`

	// Cache 响应缓存配置
	Cache respcache.Config `yaml:"cache"`

	// Dedup 在途合并配置
	Dedup dedup.Config `yaml:"dedup"`

	// Router 档位路由配置
	Router router.Config `yaml:"router"`

	// Degradation 降级管理配置
	Degradation degradation.Config `yaml:"degradation"`

	// Fallback 降级选择器配置
	Fallback FallbackConfig `yaml:"fallback"`

	// Orchestrator 编排器配置
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Worker 延迟回放配置
	Worker orchestrator.WorkerConfig `yaml:"worker"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 允许的跨域来源，空表示拒绝跨域
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 单 IP 限流速率（请求/秒），0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发额度
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// RedisConfig Redis 配置（响应缓存的可选二级存储）
type RedisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 账本数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, memory
	Driver string `yaml:"driver" env:"DRIVER"`
	// 数据库文件路径（sqlite）
	Path string `yaml:"path" env:"PATH"`
}

// ProviderConfig 生成上游配置
type ProviderConfig struct {
	// 类型: http, mock
	Kind string `yaml:"kind" env:"KIND"`
	// HTTP 上游配置
	HTTP provider.HTTPConfig `yaml:"http"`
}

// EmbedderConfig 嵌入器配置
type EmbedderConfig struct {
	// 类型: local, http
	Kind string `yaml:"kind" env:"KIND"`
	// 本地嵌入维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// HTTP 嵌入接口配置
	HTTP retrieval.HTTPEmbedderConfig `yaml:"http"`
}

// KnowledgeConfig 检索语料配置
type KnowledgeConfig struct {
	// 启动时加载的语料文件路径（YAML，文档数组），空则跳过
	Path string `yaml:"path" env:"PATH"`
}

// FallbackConfig 降级选择器与延迟队列配置
type FallbackConfig struct {
	// Selector 选择器配置
	Selector fallback.Config `yaml:"selector"`
	// QueueCapacity 延迟队列容量
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// QueueMaxAge 低优先级最大滞留时长
	QueueMaxAge time.Duration `yaml:"queue_max_age" env:"QUEUE_MAX_AGE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COSTPILOT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证预算阈值：严格递增且落在 (0,1]
	b := c.Budget
	if !(b.WarnAt > 0 && b.WarnAt < b.DowngradeAt && b.DowngradeAt < b.BlockAt && b.BlockAt <= 1) {
		errs = append(errs, "budget thresholds must satisfy 0 < warn_at < downgrade_at < block_at <= 1")
	}
	if b.DefaultHardLimit <= 0 {
		errs = append(errs, "default_hard_limit must be positive")
	}

	// 验证缓存配置
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		errs = append(errs, "cache similarity_threshold must be in (0, 1]")
	}

	// 验证上游配置
	switch c.Provider.Kind {
	case "http":
		if c.Provider.HTTP.BaseURL == "" {
			errs = append(errs, "provider.http.base_url required for http provider")
		}
	case "mock", "":
	default:
		errs = append(errs, "unknown provider kind: "+c.Provider.Kind)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
