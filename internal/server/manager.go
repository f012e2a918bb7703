package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器生命周期
// =============================================================================

// 生命周期状态
const (
	stateNew = iota
	stateServing
	stateStopped
)

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// DrainHook 有序的关闭回调。HTTP 停止接收请求后按注册顺序执行，
// 用于在进程退出前结清在途预留、落盘账目、断开外部连接。
type DrainHook struct {
	Name string
	Stop func(ctx context.Context) error
}

// Manager 管理一个 HTTP 监听及其排水式关闭：先停外部流量，
// 再依次执行 DrainHook，保证编排管线不留未结算的请求。
type Manager struct {
	srv    *http.Server
	ln     net.Listener
	cfg    Config
	logger *zap.Logger
	failed chan error

	mu    sync.RWMutex
	state int
	hooks []DrainHook
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		srv: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		failed: make(chan error, 1),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// OnDrain 注册关闭回调。必须在 Shutdown 之前调用；回调按注册顺序执行。
func (m *Manager) OnDrain(name string, stop func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, DrainHook{Name: name, Stop: stop})
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateServing:
		return fmt.Errorf("server already started")
	case stateStopped:
		return fmt.Errorf("server is closed")
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}

	m.ln = ln
	m.state = stateServing
	m.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("HTTP server failed", zap.Error(err))
			select {
			case m.failed <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 优雅关闭：先停 HTTP 监听排空在途连接，再按顺序执行 DrainHook。
// 重复调用是无害的空操作。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateStopped {
		m.mu.Unlock()
		return nil
	}
	wasServing := m.state == stateServing
	m.state = stateStopped
	hooks := make([]DrainHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if wasServing {
		m.logger.Info("shutting down HTTP server")
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("HTTP server shutdown failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	for _, h := range hooks {
		start := time.Now()
		if err := h.Stop(shutdownCtx); err != nil {
			m.logger.Error("drain hook failed",
				zap.String("hook", h.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("drain %s: %w", h.Name, err))
			continue
		}
		m.logger.Info("drained",
			zap.String("hook", h.Name),
			zap.Duration("took", time.Since(start)))
	}

	m.logger.Info("HTTP server stopped")
	return errors.Join(errs...)
}

// WaitForShutdown 阻塞直到收到退出信号或服务异常退出，然后排水关闭
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.failed:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors 返回异步的服务错误通道
func (m *Manager) Errors() <-chan error {
	return m.failed
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址。未启动时返回配置地址，
// 启动后返回绑定地址（配置 ":0" 时为系统分配的端口）。
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.cfg.Addr
}

// IsRunning 检查服务器是否尚未进入关闭流程
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != stateStopped
}
