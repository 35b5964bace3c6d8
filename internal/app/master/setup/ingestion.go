package setup

import (
	"github.com/sirupsen/logrus"

	agentHandler "agentmonitor/internal/handler/agent"
	metricsHandler "agentmonitor/internal/handler/metrics"
	"agentmonitor/internal/pkg/logger"
	alertService "agentmonitor/internal/service/alert"
	"agentmonitor/internal/service/ingestion"
	"agentmonitor/internal/service/registry"
	"agentmonitor/internal/service/stream"
)

// BuildIngestionModule 构建指标接入模块，同时聚合 Agent 和指标查询处理器
func BuildIngestionModule(deps *Deps, storageModule *StorageModule, registryService registry.RegistryService, engine alertService.AlertEngine) *IngestionModule {
	logger.WithFields(logrus.Fields{
		"path":      "internal.app.master.setup.ingestion.BuildIngestionModule",
		"operation": "setup",
		"option":    "setup.ingestion.begin",
		"func_name": "setup.ingestion.BuildIngestionModule",
		"workers":   deps.Config.Ingestion.Workers,
	}).Info("开始构建指标接入模块")

	hub := stream.NewHub(0)
	service := ingestion.NewIngestionService(
		deps.Config.Ingestion,
		registryService,
		storageModule.Hot,
		storageModule.Warm,
		engine,
		hub,
		deps.Clock,
	)

	return &IngestionModule{
		AgentHandler:   agentHandler.NewAgentHandler(registryService, service, hub),
		MetricsHandler: metricsHandler.NewMetricsHandler(storageModule.Query, service, registryService),
		Service:        service,
		Hub:            hub,
	}
}
