// Package handlers implements the HTTP endpoints of the service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/types"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyStart
)

// WithRequestID stores the request id on the context. Set by middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestID returns the request id, or "" when middleware did not run.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// WithStartTime stores the request arrival time on the context.
func WithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyStart, t)
}

func startTime(ctx context.Context) time.Time {
	t, _ := ctx.Value(ctxKeyStart).(time.Time)
	return t
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata 响应元数据
type Metadata struct {
	ResponseTime int64 `json:"responseTime"` // 毫秒
}

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Success  bool       `json:"success"`
	Error    *ErrorInfo `json:"error"`
	Metadata *Metadata  `json:"metadata,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// asError 将任意 error 归一为 *types.Error，未知错误映射为 INTERNAL_ERROR
// 且不向客户端泄露原始消息。
func asError(err error) *types.Error {
	var e *types.Error
	if errors.As(err, &e) {
		return e
	}
	return types.NewError(types.ErrInternal, "internal server error").WithCause(err)
}

// WriteError 写入错误响应。429 时带 Retry-After 头。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	apiErr := asError(err)
	status := apiErr.HTTPStatus
	if status == 0 {
		status = statusForCode(apiErr.Code)
	}

	if status == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
	}

	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(apiErr.Code)),
			zap.String("message", apiErr.Message),
			zap.Int("status", status),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(apiErr.Cause),
		)
	}

	resp := ErrorResponse{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(apiErr.Code),
			Message:   apiErr.Message,
			RequestID: RequestID(r.Context()),
			Timestamp: time.Now(),
		},
	}
	if start := startTime(r.Context()); !start.IsZero() {
		resp.Metadata = &Metadata{ResponseTime: time.Since(start).Milliseconds()}
	}
	WriteJSON(w, status, resp)
}

// DecodeJSONBody 解码 JSON 请求体；失败时已写出 400 响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrValidation, "request body is empty")
		WriteError(w, r, err, logger)
		return err
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrValidation, "invalid JSON body").WithCause(err)
		WriteError(w, r, apiErr, logger)
		return apiErr
	}
	return nil
}

// statusForCode 错误码到 HTTP 状态码映射
func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation, types.ErrCodeTooLarge, types.ErrStdinTooLarge,
		types.ErrDangerousPattern, types.ErrUnsupportedLang, types.ErrSessionNotActive:
		return http.StatusBadRequest
	case types.ErrAuthentication:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrRateLimited, types.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case types.ErrRuntimeUnavailable, types.ErrProviderUnavailable,
		types.ErrProviderOverloaded, types.ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamTimeout, types.ErrExecutionTimeout:
		return http.StatusGatewayTimeout
	case types.ErrProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
