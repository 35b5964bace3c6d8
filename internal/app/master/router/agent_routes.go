package router

import "github.com/gin-gonic/gin"

// setupAgentRoutes Agent注册中心、指标上报和实时推送
func (r *Router) setupAgentRoutes(v1 *gin.RouterGroup) {
	agents := v1.Group("/agents")
	{
		agents.POST("", r.agentHandler.Register)
		agents.GET("", r.agentHandler.List)
		agents.GET("/:id", r.agentHandler.Get)
		agents.DELETE("/:id", r.agentHandler.Deregister)
		agents.GET("/:id/summary", r.agentHandler.Summary)
		agents.POST("/:id/heartbeat", r.agentHandler.Heartbeat)
		agents.PUT("/:id/maintenance", r.agentHandler.SetMaintenance)
		agents.PUT("/:id/config", r.agentHandler.UpdateConfig)
		agents.GET("/:id/config", r.agentHandler.GetConfig)

		agents.POST("/:id/metrics", r.agentHandler.SubmitMetrics)
		agents.GET("/:id/metrics/recent", r.agentHandler.RecentMetrics)
		agents.GET("/:id/stream", r.agentHandler.Stream)
	}
}

// setupMetricsRoutes 指标查询
func (r *Router) setupMetricsRoutes(v1 *gin.RouterGroup) {
	metricsGroup := v1.Group("/metrics")
	{
		metricsGroup.GET("", r.metricsHandler.Query)
		metricsGroup.GET("/summary/:agent_id", r.metricsHandler.AgentSummary)
		metricsGroup.GET("/system/summary", r.metricsHandler.FleetSummary)
		metricsGroup.GET("/trends/:agent_id", r.metricsHandler.Trends)
	}
}

// setupAlertRoutes 告警实例与规则
func (r *Router) setupAlertRoutes(v1 *gin.RouterGroup) {
	alerts := v1.Group("/alerts")
	{
		alerts.GET("", r.alertHandler.List)
		alerts.POST("", r.alertHandler.CreateRule)

		alerts.GET("/rules", r.alertHandler.ListRules)
		alerts.POST("/rules", r.alertHandler.CreateRule)
		alerts.GET("/rules/:id", r.alertHandler.GetRule)
		alerts.PATCH("/rules/:id", r.alertHandler.UpdateRule)
		alerts.DELETE("/rules/:id", r.alertHandler.DeleteRule)

		alerts.GET("/:id", r.alertHandler.Get)
		alerts.POST("/:id/ack", r.alertHandler.Acknowledge)
		alerts.POST("/:id/resolve", r.alertHandler.Resolve)
	}
}

// setupMonitorRoutes 仪表盘、健康报告、接入统计
func (r *Router) setupMonitorRoutes(v1 *gin.RouterGroup) {
	v1.GET("/dashboard", r.monitorHandler.Dashboard)

	health := v1.Group("/health")
	{
		health.GET("/agents/:id", r.monitorHandler.AgentHealth)
		health.GET("/system", r.monitorHandler.SystemHealth)
	}

	v1.GET("/system/ingestion", r.monitorHandler.IngestionStats)
}
