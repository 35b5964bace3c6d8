package setup

import (
	"github.com/sirupsen/logrus"

	"agentmonitor/internal/pkg/logger"
	agentRepo "agentmonitor/internal/repo/mysql/agent"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
	auditRepo "agentmonitor/internal/repo/mysql/audit"
	"agentmonitor/internal/service/registry"
)

// BuildRegistryModule 构建 Agent 注册中心模块
// 未恢复告警计数直接读告警实例仓库，注册中心不依赖告警引擎
func BuildRegistryModule(deps *Deps, module *StorageModule) *RegistryModule {
	logger.WithFields(logrus.Fields{
		"path":      "internal.app.master.setup.registry.BuildRegistryModule",
		"operation": "setup",
		"option":    "setup.registry.begin",
		"func_name": "setup.registry.BuildRegistryModule",
	}).Info("开始构建 Agent 注册中心模块")

	cfg := deps.Config
	service := registry.NewRegistryService(
		cfg.Registry,
		agentRepo.NewAgentRepository(deps.DB),
		agentRepo.NewAgentConfigRepository(deps.DB),
		auditRepo.NewAuditRepository(deps.DB),
		module.Hot,
		alertRepo.NewAlertInstanceRepository(deps.DB),
		deps.Clock,
	)

	return &RegistryModule{
		Service: service,
		Sweeper: registry.NewSweeper(service, cfg.Registry.SweepInterval, deps.Clock),
	}
}
