package system

import (
	"time"

	"agentmonitor/internal/model/basemodel"
)

// AuditAction 审计动作
type AuditAction string

const (
	AuditRegister     AuditAction = "register"
	AuditDeregister   AuditAction = "deregister"
	AuditMaintenance  AuditAction = "maintenance"
	AuditAcknowledge  AuditAction = "ack"
	AuditResolve      AuditAction = "resolve"
	AuditRuleCreate   AuditAction = "rule_create"
	AuditRuleUpdate   AuditAction = "rule_update"
	AuditConfigUpdate AuditAction = "config_update"
)

// AuditLog 审计记录，冷存储长期保留
type AuditLog struct {
	basemodel.BaseModel

	Actor        string            `json:"actor" gorm:"size:100;comment:操作者"`
	Action       AuditAction       `json:"action" gorm:"size:50;index;not null;comment:动作"`
	ResourceType string            `json:"resource_type" gorm:"size:50;comment:资源类型"`
	ResourceID   string            `json:"resource_id" gorm:"size:128;index;comment:资源标识"`
	ClientIP     string            `json:"client_ip" gorm:"size:45;comment:客户端IP"`
	OldValues    basemodel.JSONMap `json:"old_values" gorm:"type:json"`
	NewValues    basemodel.JSONMap `json:"new_values" gorm:"type:json"`
	Timestamp    time.Time         `json:"timestamp" gorm:"index"`
}

// TableName 定义表名
func (AuditLog) TableName() string {
	return "audit_logs"
}
