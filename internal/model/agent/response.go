/**
 * 模型:Agent 响应模型
 * @author: sun977
 * @date: 2025.10.21
 * @description: 注册结果、Agent 概要、健康报告、仪表盘和系统健康的响应结构体
 * @func: RegisterResponse/AgentSummary/HealthReport/DashboardOverview/SystemHealth
 */
package agent

import "time"

// RegisterResponse 注册响应，附带监控端点
type RegisterResponse struct {
	AgentID    string            `json:"agent_id"`
	Status     AgentStatus       `json:"status"`
	Registered bool              `json:"registered"` // false 表示命中已有身份(幂等注册)
	Endpoints  map[string]string `json:"monitoring_endpoints"`
}

// ListResponse Agent 列表
type ListResponse struct {
	Agents   []*Agent `json:"agents"`
	Total    int64    `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// AgentSummary 单个Agent概要
type AgentSummary struct {
	AgentID       string      `json:"agent_id"`
	Name          string      `json:"name"`
	Type          AgentType   `json:"type"`
	Environment   string      `json:"environment"`
	Status        AgentStatus `json:"status"`
	StatusReason  string      `json:"status_reason,omitempty"`
	LastSeen      time.Time   `json:"last_seen"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	HealthScore   float64     `json:"health_score"`
	ActiveAlerts  int         `json:"active_alerts"`
}

// HealthCheckResult 单项健康检查结果
type HealthCheckResult struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"` // pass, warn, fail
	Value   float64 `json:"value"`
	Message string  `json:"message"`
}

// HealthReport 单个Agent健康报告
type HealthReport struct {
	AgentID     string              `json:"agent_id"`
	Status      AgentStatus         `json:"status"`
	HealthScore float64             `json:"health_score"`
	Checks      []HealthCheckResult `json:"checks"`
	CheckedAt   time.Time           `json:"checked_at"`
}

// DashboardOverview 仪表盘总览
type DashboardOverview struct {
	TotalAgents      int                    `json:"total_agents"`
	StatusCounts     map[AgentStatus]int    `json:"status_counts"`
	Environments     map[string]int         `json:"environment_distribution"`
	Types            map[AgentType]int      `json:"type_distribution"`
	HealthPercentage float64                `json:"health_percentage"`
	ActiveAlerts     int                    `json:"active_alerts"`
	Metrics          map[string]interface{} `json:"metrics,omitempty"`
	GeneratedAt      time.Time              `json:"generated_at"`
}

// SystemHealthStatus 系统整体健康级别
type SystemHealthStatus string

const (
	SystemHealthy   SystemHealthStatus = "healthy"
	SystemDegraded  SystemHealthStatus = "degraded"
	SystemUnhealthy SystemHealthStatus = "unhealthy"
)

// SelfUsage 监控服务自身的资源使用
type SelfUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	HostCPU       float64 `json:"host_cpu_percent"`
	HostMemory    float64 `json:"host_memory_percent"`
}

// SystemHealth 系统健康
type SystemHealth struct {
	Status             SystemHealthStatus  `json:"status"`
	TotalAgents        int                 `json:"total_agents"`
	HealthyAgents      int                 `json:"healthy_agents"`
	HealthRatio        float64             `json:"health_ratio"`
	StatusDistribution map[AgentStatus]int `json:"status_distribution"`
	StorageDegraded    bool                `json:"storage_degraded"`
	Self               *SelfUsage          `json:"self,omitempty"`
	CheckedAt          time.Time           `json:"checked_at"`
}
