/*
 * @author: sun977
 * @date: 2025.10.21
 * @description: 通用的工具包
 * @func: 上下文键、请求信息读取、分页参数归一化
 */

package utils

import (
	"context"
)

// ContextKey 类型用于标准上下文键的定义，避免使用裸字符串造成键冲突
type ContextKey string

const (
	// ContextKeyClientIP 标准上下文中存储客户端IP的统一键
	ContextKeyClientIP ContextKey = "client_ip"
	// ContextKeyRequestID 标准上下文中存储请求ID的统一键
	ContextKeyRequestID ContextKey = "request_id"
)

// GetClientIPFromContext 从标准上下文读取客户端IP
// 写入方：logging 中间件 GinLoggingMiddleware()
// 适用范围：service 层以下获取当前 clientIP 使用，不存在时返回空字符串
func GetClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// GetRequestIDFromContext 从标准上下文读取请求ID
func GetRequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// WithRequestInfo 把请求ID和客户端IP写入标准上下文
func WithRequestInfo(ctx context.Context, requestID, clientIP string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyRequestID, requestID)
	return context.WithValue(ctx, ContextKeyClientIP, clientIP)
}

// NormalizePage 分页参数归一化，page 从1开始，pageSize 限制在 [1, maxSize]
func NormalizePage(page, pageSize, maxSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return page, pageSize
}
