package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"

	agentModel "agentmonitor/internal/model/agent"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/retry"
	"agentmonitor/internal/repo/mysql/timeseries"
)

// BuildModules 按依赖顺序装配全部模块
// 存储 -> 注册中心 -> 告警(含通知) -> 刷写器 -> 接入 -> 监控总览
func BuildModules(deps *Deps) (*Modules, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return nil, fmt.Errorf("setup: config and database are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.ContextSleep
	}

	storageModule, err := BuildStorageModule(deps)
	if err != nil {
		return nil, err
	}
	registryModule := BuildRegistryModule(deps, storageModule)
	alertModule := BuildAlertModule(deps, registryModule.Service)
	AttachFlusher(deps, storageModule, registryModule.Service, alertModule.Engine)
	ingestionModule := BuildIngestionModule(deps, storageModule, registryModule.Service, alertModule.Engine)
	monitorModule := BuildMonitorModule(deps, registryModule.Service, ingestionModule.Service, alertModule.Engine, storageModule.Flusher)

	logger.WithFields(logrus.Fields{
		"path":      "internal.app.master.setup.modules.BuildModules",
		"operation": "setup",
		"option":    "setup.modules.done",
		"func_name": "setup.modules.BuildModules",
	}).Info("全部模块构建完成")

	return &Modules{
		Storage:   storageModule,
		Registry:  registryModule,
		Alert:     alertModule,
		Ingestion: ingestionModule,
		Monitor:   monitorModule,
	}, nil
}

// Models 冷存储和 gorm 温存储的全部表模型(迁移工具和测试共用)
func Models() []interface{} {
	models := []interface{}{
		&agentModel.Agent{},
		&agentModel.AgentConfiguration{},
		&alertModel.AlertRule{},
		&alertModel.AlertInstance{},
		&alertModel.AlertNotification{},
		&system.AuditLog{},
	}
	return append(models, timeseries.Models()...)
}
