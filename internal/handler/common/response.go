/**
 * 处理器公共:统一响应
 * @author: sun977
 * @date: 2025.10.31
 * @description: 所有 handler 统一使用 system.APIResponse 输出，错误按 system.ErrorKind 映射状态码
 * @func: Success, Fail, BindFailed, Actor
 */
package common

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/utils"
)

// HeaderActor 调用方标识头，写入审计日志
const HeaderActor = "X-Actor"

// Success 成功响应
func Success(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, system.APIResponse{
		Code:    status,
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

// Fail 错误响应，funcName 用于日志定位
// 4xx 记业务错误日志，5xx 记错误日志；存储和内部错误不返回底层错误文本
func Fail(c *gin.Context, err error, funcName string) {
	if errors.Is(err, context.DeadlineExceeded) && system.KindOf(err) == system.KindInternal {
		err = system.NewTimeoutError(err)
	}
	status := system.HTTPStatus(err)
	kind := system.KindOf(err)

	ctx := c.Request.Context()
	extra := map[string]interface{}{
		"func_name":   funcName,
		"status_code": status,
		"kind":        string(kind),
	}
	if status >= http.StatusInternalServerError {
		logger.LogError(err, utils.GetRequestIDFromContext(ctx), utils.GetClientIPFromContext(ctx), c.Request.URL.Path, c.Request.Method, extra)
	} else {
		logger.LogBusinessError(err, utils.GetRequestIDFromContext(ctx), utils.GetClientIPFromContext(ctx), c.Request.URL.Path, c.Request.Method, extra)
	}
	_ = c.Error(err)

	resp := system.APIResponse{
		Code:    status,
		Status:  "error",
		Message: system.PublicMessage(err),
		Error:   string(kind),
	}
	var appErr *system.AppError
	if errors.As(err, &appErr) && appErr.Kind == system.KindValidation {
		resp.Errors = appErr.Fields
	}
	c.AbortWithStatusJSON(status, resp)
}

// BindFailed 请求体或查询参数解析失败
func BindFailed(c *gin.Context, err error, funcName string) {
	Fail(c, system.NewBadRequestError("invalid request: %s", err.Error()), funcName)
}

// Actor 调用方标识，没有时返回空由服务层兜底
func Actor(c *gin.Context) string {
	return c.GetHeader(HeaderActor)
}
