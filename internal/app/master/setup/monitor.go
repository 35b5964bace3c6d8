package setup

import (
	monitorHandler "agentmonitor/internal/handler/monitor"
	alertService "agentmonitor/internal/service/alert"
	"agentmonitor/internal/service/ingestion"
	monitorService "agentmonitor/internal/service/monitor"
	"agentmonitor/internal/service/registry"
	"agentmonitor/internal/service/storage"
)

// BuildMonitorModule 构建监控总览模块
func BuildMonitorModule(deps *Deps, registryService registry.RegistryService, ingestionService ingestion.IngestionService, engine alertService.AlertEngine, flusher storage.Flusher) *MonitorModule {
	service := monitorService.NewMonitorService(registryService, ingestionService, engine, flusher, monitorService.ProcessSampler(), deps.Clock)
	return &MonitorModule{
		MonitorHandler: monitorHandler.NewMonitorHandler(service, ingestionService),
		Service:        service,
	}
}
