package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/dedup"
	"github.com/BaSui01/costpilot/degradation"
	"github.com/BaSui01/costpilot/fallback"
	"github.com/BaSui01/costpilot/governor"
	"github.com/BaSui01/costpilot/ledger"
	"github.com/BaSui01/costpilot/respcache"
)

// =============================================================================
// 🛠️ 管理接口 Handler
// =============================================================================

// AdminHandler 管理接口处理器（预算/降级/缓存只读视图 + 降级覆盖）
type AdminHandler struct {
	governor *governor.Governor
	degrade  *degradation.Manager
	cache    *respcache.Cache
	queue    *fallback.DeferredQueue
	dedup    *dedup.Deduplicator
	ledger   *ledger.Ledger
	logger   *zap.Logger
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(
	gov *governor.Governor,
	degrade *degradation.Manager,
	cache *respcache.Cache,
	queue *fallback.DeferredQueue,
	dd *dedup.Deduplicator,
	led *ledger.Ledger,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		governor: gov,
		degrade:  degrade,
		cache:    cache,
		queue:    queue,
		dedup:    dd,
		ledger:   led,
		logger:   logger.With(zap.String("handler", "admin")),
	}
}

// HandleBudget 处理 GET /admin/budget/{principal}
// @Summary 主体预算状态
// @Description 返回主体在当前周期内的花费、在途预留与利用率
// @Tags 管理
// @Produce json
// @Router /admin/budget/{principal} [get]
func (h *AdminHandler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	principal := r.PathValue("principal")
	if principal == "" {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "principal required", h.logger)
		return
	}
	if !h.ledger.KnownPrincipal(principal) {
		WriteErrorMessage(w, http.StatusNotFound, "UNKNOWN_PRINCIPAL", "principal not registered", h.logger)
		return
	}
	WriteSuccess(w, h.governor.SnapshotOf(principal))
}

// HandleUsage 处理 GET /admin/usage/{principal}?window=daily
// @Summary 主体用量聚合
// @Description 返回主体在指定窗口内的累计花费
// @Tags 管理
// @Produce json
// @Router /admin/usage/{principal} [get]
func (h *AdminHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	principal := r.PathValue("principal")
	window := ledger.Window(r.URL.Query().Get("window"))
	if window == "" {
		window = ledger.WindowDaily
	}

	total, err := h.ledger.Aggregate(r.Context(), principal, window)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, map[string]any{
		"principal": principal,
		"window":    window,
		"cost":      total,
	})
}

// degradationView 降级状态视图
type degradationView struct {
	Level            int     `json:"level"`
	Name             string  `json:"name"`
	BudgetMultiplier float64 `json:"budget_multiplier"`
	DeferredQueueLen int     `json:"deferred_queue_len"`
}

// HandleDegradation 处理 GET /admin/degradation
// @Summary 降级状态
// @Tags 管理
// @Produce json
// @Router /admin/degradation [get]
func (h *AdminHandler) HandleDegradation(w http.ResponseWriter, r *http.Request) {
	level := h.degrade.Level()
	WriteSuccess(w, degradationView{
		Level:            int(level),
		Name:             level.String(),
		BudgetMultiplier: level.BudgetMultiplier(),
		DeferredQueueLen: h.queue.Len(),
	})
}

// overrideRequest 降级覆盖请求体
type overrideRequest struct {
	// Level 覆盖到的等级名: normal, minor, moderate, severe, critical
	Level string `json:"level,omitempty"`
	// Clear 为真时清除覆盖，恢复自动评估
	Clear bool `json:"clear,omitempty"`
}

// HandleOverride 处理 POST /admin/degradation
// @Summary 手动覆盖降级等级
// @Description 覆盖期间自动评估暂停；clear=true 恢复自动评估
// @Tags 管理
// @Accept json
// @Produce json
// @Router /admin/degradation [post]
func (h *AdminHandler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Clear {
		h.degrade.ClearOverride()
		h.logger.Info("degradation override cleared")
		WriteSuccess(w, map[string]string{"status": "auto evaluation resumed"})
		return
	}

	level, ok := parseLevel(req.Level)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown level "+req.Level, h.logger)
		return
	}
	h.degrade.Override(level)
	h.logger.Info("degradation override set", zap.String("level", level.String()))
	WriteSuccess(w, map[string]string{"level": level.String()})
}

// HandleCacheStats 处理 GET /admin/cache/stats
// @Summary 响应缓存统计
// @Tags 管理
// @Produce json
// @Router /admin/cache/stats [get]
func (h *AdminHandler) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.cache.Stats())
}

// HandleDedupStats 处理 GET /admin/dedup/stats
// @Summary 在途合并统计
// @Tags 管理
// @Produce json
// @Router /admin/dedup/stats [get]
func (h *AdminHandler) HandleDedupStats(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.dedup.Stats())
}

// HandleGlobalBudget 处理 GET /admin/budget
// @Summary 全局预算利用率
// @Tags 管理
// @Produce json
// @Router /admin/budget [get]
func (h *AdminHandler) HandleGlobalBudget(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]float64{"global_utilization": h.governor.GlobalUtilization()})
}

func parseLevel(name string) (degradation.Level, bool) {
	switch strings.ToLower(name) {
	case "normal":
		return degradation.LevelNormal, true
	case "minor":
		return degradation.LevelMinor, true
	case "moderate":
		return degradation.LevelModerate, true
	case "severe":
		return degradation.LevelSevere, true
	case "critical":
		return degradation.LevelCritical, true
	default:
		return degradation.LevelNormal, false
	}
}
