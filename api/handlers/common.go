package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costpilot/orchestrator"
	"github.com/BaSui01/costpilot/provider"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 编码失败时响应头已写出，只能放弃
		return
	}
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入错误响应
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string, logger *zap.Logger) {
	if logger != nil {
		logger.Warn("API error",
			zap.String("code", code),
			zap.String("message", message),
			zap.Int("status", status),
		)
	}
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

// WriteDomainError 把编排/生成错误映射为 HTTP 响应
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), logger)
		return
	case errors.Is(err, orchestrator.ErrUnknownPrincipal):
		WriteErrorMessage(w, http.StatusForbidden, "UNKNOWN_PRINCIPAL", err.Error(), logger)
		return
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		WriteJSON(w, mapProviderErrorStatus(pe.Code), Response{
			Success:   false,
			Error:     &ErrorInfo{Code: string(pe.Code), Message: pe.Message, Retryable: pe.Retryable},
			Timestamp: time.Now(),
		})
		return
	}

	if logger != nil {
		logger.Error("unhandled API error", zap.Error(err))
	}
	WriteErrorMessage(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapProviderErrorStatus(code provider.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case provider.ErrInvalidRequest:
		return http.StatusBadRequest
	case provider.ErrContentFiltered:
		return http.StatusUnprocessableEntity
	case provider.ErrRateLimited:
		return http.StatusTooManyRequests

	// 5xx 服务端错误
	case provider.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case provider.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case provider.ErrUpstreamError:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// maxBodySize 请求体大小上限（1 MB）
const maxBodySize = 1 << 20

// DecodeJSONBody 解码 JSON 请求体
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is empty", logger)
		return errors.New("request body is empty")
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields() // 严格模式：拒绝未知字段

	if err := decoder.Decode(dst); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", logger)
		return err
	}

	return nil
}

// ValidateContentType 校验 Content-Type 是否为 application/json
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	ct := r.Header.Get("Content-Type")
	mediaType := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	if !strings.EqualFold(mediaType, "application/json") {
		WriteErrorMessage(w, http.StatusUnsupportedMediaType, "INVALID_REQUEST",
			"Content-Type must be application/json", logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
