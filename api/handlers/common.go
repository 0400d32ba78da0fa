package handlers

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/a2aflow/types"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	TaskID     string `json:"task_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败只能放弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus writes a successful envelope with a non-200 status.
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	writeError(w, err, nil, logger)
}

func writeError(w http.ResponseWriter, err *types.Error, data any, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	if logger != nil {
		level := logger.Warn
		if status >= http.StatusInternalServerError {
			level = logger.Error
		}
		level("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Error(err.Cause),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Data:    data,
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			TaskID:     err.TaskID,
			AgentID:    err.AgentID,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// errorInfoOf 用于嵌套在 data 中的逐项错误
func errorInfoOf(err error) *ErrorInfo {
	e := asAPIError(err)
	return &ErrorInfo{
		Code:      string(e.Code),
		Message:   e.Message,
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		Retryable: e.Retryable,
	}
}

// asAPIError 将任意错误转换为 *types.Error，未编码的错误视为 INTERNAL_ERROR
func asAPIError(err error) *types.Error {
	return types.WrapError(err, types.ErrInternalError, "internal error")
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidMessage, types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrUnknownAgent, types.ErrTaskNotFound:
		return http.StatusNotFound
	case types.ErrUnsupportedVerb:
		return http.StatusMethodNotAllowed
	case types.ErrDuplicateAgent, types.ErrInvalidTransition:
		return http.StatusConflict
	case types.ErrRetryLimitExceeded:
		return http.StatusUnprocessableEntity
	case types.ErrForwardLimit:
		return http.StatusLoopDetected
	case types.ErrBackend:
		return http.StatusBadGateway
	case types.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 限制 + 严格模式），失败时已写出响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidMessage, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidMessage, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
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

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets the websocket upgrade take over the connection through
// wrapping middleware.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, brw, err := http.NewResponseController(rw.ResponseWriter).Hijack()
	if err == nil {
		rw.StatusCode = http.StatusSwitchingProtocols
		rw.Written = true
	}
	return conn, brw, err
}

// Flush implements http.Flusher.
func (rw *ResponseWriter) Flush() {
	_ = http.NewResponseController(rw.ResponseWriter).Flush()
}
