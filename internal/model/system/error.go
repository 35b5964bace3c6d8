/**
 * 模型:错误定义
 * @author: sun977
 * @date: 2025.10.21
 * @description: 统一的业务错误分类，handler 据此映射HTTP状态码和机器可读的错误类型
 * @func: AppError, ErrorKind, 构造函数, KindOf/HTTPStatus
 */
package system

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind 错误类型
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation_error"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindDeliveryFailed     ErrorKind = "permanent_delivery_failure"
	KindBadRequest         ErrorKind = "bad_request"
	KindTimeout            ErrorKind = "timeout"
	KindInternal           ErrorKind = "internal_error"
)

// 常用哨兵错误
var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentDeregistered = errors.New("agent is deregistered")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrRuleNotFound      = errors.New("alert rule not found")
	ErrAlertResolved     = errors.New("alert already resolved")
	ErrDuplicateActive   = errors.New("an unresolved alert already exists for this rule and agent")
)

// ValidationError 字段校验错误
type ValidationError struct {
	Field   string `json:"field"`   // 字段名
	Message string `json:"message"` // 错误消息
}

// Error 实现error接口
func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// AppError 业务错误
type AppError struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Fields  []ValidationError `json:"fields,omitempty"`
	Err     error             `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Error())
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap 支持 errors.Is/As
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError 校验失败，fields 列出全部不合法字段
func NewValidationError(message string, fields ...ValidationError) *AppError {
	return &AppError{Kind: KindValidation, Message: message, Fields: fields}
}

// NewNotFoundError 资源不存在
func NewNotFoundError(err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewConflictError 状态冲突
func NewConflictError(err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewTransientStorageError 存储暂时不可用，内部重试；到达API时映射为503
func NewTransientStorageError(err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindStorageUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewPermanentDeliveryError 通知投递重试耗尽
func NewPermanentDeliveryError(err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindDeliveryFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewBadRequestError 请求参数格式错误
func NewBadRequestError(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError 请求处理超时
func NewTimeoutError(err error) *AppError {
	return &AppError{Kind: KindTimeout, Message: "request timed out", Err: err}
}

// KindOf 提取错误类型，非 AppError 视为 internal_error
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind 判断错误类型
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus 错误对应的HTTP状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindStorageUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 可以返回给调用方的错误消息
// 存储和内部错误使用通用描述，不暴露底层错误文本
func PublicMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "internal server error"
	}
	switch appErr.Kind {
	case KindStorageUnavailable:
		return "storage temporarily unavailable"
	case KindInternal, KindDeliveryFailed:
		return "internal server error"
	default:
		return appErr.Message
	}
}
