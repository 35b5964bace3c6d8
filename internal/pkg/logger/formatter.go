// 结构化日志辅助方法
package logger

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TimestampFormat 统一的毫秒精度时间格式
const TimestampFormat = "2006-01-02 15:04:05.000"

// FormatTimestamp 格式化时间戳
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}

// LogType 日志类型枚举，FileHook 据此分文件
type LogType string

const (
	// AccessLog 访问日志 - HTTP请求
	AccessLog LogType = "access"
	// BusinessLog 业务日志 - 注册、心跳、告警状态变化等
	BusinessLog LogType = "business"
	// ErrorLog 错误日志
	ErrorLog LogType = "error"
	// SystemLog 系统日志 - 组件启停、降级、调度
	SystemLog LogType = "system"
	// DebugLog 调试日志
	DebugLog LogType = "debug"
	// AuditLog 审计日志 - 运维操作
	AuditLog LogType = "audit"
)

func mergeFields(fields logrus.Fields, extraFields map[string]interface{}) logrus.Fields {
	for k, v := range extraFields {
		fields[k] = v
	}
	return fields
}

// LogAccessRequest 记录HTTP访问日志
func LogAccessRequest(c *gin.Context, startTime time.Time, requestID string) {
	if LoggerInstance == nil {
		return
	}

	LoggerInstance.logger.WithFields(logrus.Fields{
		"type":          AccessLog,
		"method":        c.Request.Method,
		"path":          c.Request.URL.Path,
		"query":         c.Request.URL.RawQuery,
		"status_code":   c.Writer.Status(),
		"response_time": time.Since(startTime).Milliseconds(),
		"client_ip":     c.ClientIP(),
		"user_agent":    c.Request.UserAgent(),
		"request_id":    requestID,
		"request_size":  c.Request.ContentLength,
		"response_size": c.Writer.Size(),
	}).Info("HTTP request processed")
}

// LogBusinessOperation 记录业务操作日志
// result 为 success 时记 info，否则记 warn
func LogBusinessOperation(operation, actor, clientIP, requestID, result, message string, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	fields := mergeFields(logrus.Fields{
		"type":       BusinessLog,
		"operation":  operation,
		"actor":      actor,
		"client_ip":  clientIP,
		"result":     result,
		"request_id": requestID,
	}, extraFields)

	if result == "success" {
		LoggerInstance.logger.WithFields(fields).Info(message)
	} else {
		LoggerInstance.logger.WithFields(fields).Warn(message)
	}
}

// LogInfo 记录普通业务信息
// path 在非HTTP场景下填写调用位置，例如 service.registry.Register
func LogInfo(message, requestID, clientIP, path, method string, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	LoggerInstance.logger.WithFields(mergeFields(logrus.Fields{
		"type":       BusinessLog,
		"request_id": requestID,
		"client_ip":  clientIP,
		"path":       path,
		"method":     method,
	}, extraFields)).Info(message)
}

// LogWarn 记录警告信息
func LogWarn(message, requestID, clientIP, path, method string, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	LoggerInstance.logger.WithFields(mergeFields(logrus.Fields{
		"type":       BusinessLog,
		"request_id": requestID,
		"client_ip":  clientIP,
		"path":       path,
		"method":     method,
	}, extraFields)).Warn(message)
}

// LogError 记录系统错误
func LogError(err error, requestID, clientIP, path, method string, extraFields map[string]interface{}) {
	if LoggerInstance == nil || err == nil {
		return
	}

	LoggerInstance.logger.WithFields(mergeFields(logrus.Fields{
		"type":       ErrorLog,
		"error":      err.Error(),
		"request_id": requestID,
		"client_ip":  clientIP,
		"path":       path,
		"method":     method,
	}, extraFields)).Errorf("System error occurred: %s", err.Error())
}

// LogBusinessError 记录业务层面的失败(校验失败、资源不存在、状态冲突)
// 这类错误是调用方问题，只记 warn 并写入业务日志
func LogBusinessError(err error, requestID, clientIP, path, method string, extraFields map[string]interface{}) {
	if LoggerInstance == nil || err == nil {
		return
	}

	LoggerInstance.logger.WithFields(mergeFields(logrus.Fields{
		"type":       BusinessLog,
		"error":      err.Error(),
		"request_id": requestID,
		"client_ip":  clientIP,
		"path":       path,
		"method":     method,
	}, extraFields)).Warnf("Business error: %s", err.Error())
}

// LogSystemEvent 记录系统事件日志
// 组件启停、存储降级、调度周期等
func LogSystemEvent(component, event, message string, level logrus.Level, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	entry := LoggerInstance.logger.WithFields(mergeFields(logrus.Fields{
		"type":      SystemLog,
		"component": component,
		"event":     event,
		"detail":    message,
	}, extraFields))
	msg := fmt.Sprintf("System event: %s - %s", component, event)

	switch level {
	case logrus.DebugLevel:
		entry.Debug(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	case logrus.ErrorLevel:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

// LogAuditOperation 记录审计日志
func LogAuditOperation(actor, action, resource, result, clientIP, userAgent, requestID string, extraFields map[string]interface{}) {
	if LoggerInstance == nil {
		return
	}

	LoggerInstance.logger.WithFields(mergeFields(logrus.Fields{
		"type":       AuditLog,
		"actor":      actor,
		"action":     action,
		"resource":   resource,
		"result":     result,
		"client_ip":  clientIP,
		"user_agent": userAgent,
		"request_id": requestID,
	}, extraFields)).Info(fmt.Sprintf("Audit: %s performed %s on %s", actor, action, resource))
}
