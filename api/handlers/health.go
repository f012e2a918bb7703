package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/degradation"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// probeTimeout 单次就绪检查的总超时
const probeTimeout = 5 * time.Second

// HealthHandler 健康检查处理器。除依赖探针外，还上报当前降级等级
// 和全局预算占用率，供负载均衡与运维侧判断服务状态。
type HealthHandler struct {
	logger      *zap.Logger
	level       func() degradation.Level
	utilization func() float64

	mu     sync.RWMutex
	probes []Probe
}

// Probe 就绪探针：一个具名的依赖检查函数
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status            string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	DegradationLevel  string                 `json:"degradation_level"`
	BudgetUtilization float64                `json:"budget_utilization"`
	Timestamp         time.Time              `json:"timestamp"`
	Probes            map[string]ProbeResult `json:"probes,omitempty"`
}

// ProbeResult 单个探针结果
type ProbeResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器。level / utilization 可为 nil，
// 此时对应字段按正常水位上报。
func NewHealthHandler(logger *zap.Logger, level func() degradation.Level, utilization func() float64) *HealthHandler {
	if level == nil {
		level = func() degradation.Level { return degradation.LevelNormal }
	}
	if utilization == nil {
		utilization = func() float64 { return 0 }
	}
	return &HealthHandler{
		logger:      logger,
		level:       level,
		utilization: utilization,
	}
}

// RegisterProbe 注册就绪探针
func (h *HealthHandler) RegisterProbe(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, Probe{Name: name, Check: check})
}

// statusOf 把降级等级折算为对外的健康状态文案
func statusOf(lv degradation.Level) string {
	switch {
	case lv == degradation.LevelNormal:
		return "healthy"
	case lv < degradation.LevelCritical:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// snapshot 当前等级与预算占用的健康快照
func (h *HealthHandler) snapshot() HealthStatus {
	lv := h.level()
	return HealthStatus{
		Status:            statusOf(lv),
		DegradationLevel:  lv.String(),
		BudgetUtilization: h.utilization(),
		Timestamp:         time.Now(),
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求。降级中也返回 200：服务仍在应答，
// 只是应答质量在降，状态字段说明到什么程度。
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.snapshot())
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 存活探针，只确认进程在跑）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 与 /readyz 请求。依赖探针失败、或预算已进入
// Critical 级（仅剩延迟/拒绝兜底）时返回 503，让上游把流量引走。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	h.mu.RLock()
	probes := make([]Probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	status := h.snapshot()
	status.Probes = make(map[string]ProbeResult, len(probes))

	ready := true
	for _, p := range probes {
		start := time.Now()
		err := p.Check(ctx)
		latency := time.Since(start)

		result := ProbeResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			ready = false

			h.logger.Warn("readiness probe failed",
				zap.String("probe", p.Name),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Probes[p.Name] = result
	}

	if h.level() >= degradation.LevelCritical {
		ready = false
		h.logger.Warn("not ready: budget pressure at critical level",
			zap.Float64("utilization", status.BudgetUtilization))
	}

	if !ready {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
