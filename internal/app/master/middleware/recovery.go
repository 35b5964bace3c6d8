package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/utils"
)

// GinRecoveryMiddleware panic 恢复中间件，记录堆栈并返回统一的 500 响应
func (m *MiddlewareManager) GinRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.LogError(fmt.Errorf("panic: %v", r), RequestID(c), utils.GetClientIP(c), c.Request.URL.Path, c.Request.Method, map[string]interface{}{
					"operation": "panic_recovery",
					"func_name": "middleware.recovery.GinRecoveryMiddleware",
					"stack":     string(debug.Stack()),
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, system.APIResponse{
					Code:    http.StatusInternalServerError,
					Status:  "error",
					Message: "internal server error",
					Error:   string(system.KindInternal),
				})
			}
		}()
		c.Next()
	}
}
