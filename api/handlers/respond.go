package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/api"
	"github.com/BaSui01/costpilot/orchestrator"
)

// =============================================================================
// 💬 应答 Handler
// =============================================================================

// RespondHandler 应答请求处理器
type RespondHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewRespondHandler 创建应答处理器
func NewRespondHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *RespondHandler {
	return &RespondHandler{
		orch:   orch,
		logger: logger.With(zap.String("handler", "respond")),
	}
}

// HandleRespond 处理 POST /v1/respond
// @Summary 生成应答
// @Description 经过预算裁决、缓存与降级管线生成一次应答
// @Tags 应答
// @Accept json
// @Produce json
// @Success 200 {object} api.RespondResponse "应答结果"
// @Failure 400 {object} Response "请求非法"
// @Failure 403 {object} Response "主体未注册"
// @Router /v1/respond [post]
func (h *RespondHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST", h.logger)
		return
	}

	var req api.RespondRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	oreq, err := req.ToOrchestrator()
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), h.logger)
		return
	}

	res, err := h.orch.Handle(r.Context(), oreq)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.FromResult(res))
}
