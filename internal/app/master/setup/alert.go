package setup

import (
	"github.com/sirupsen/logrus"

	alertHandler "agentmonitor/internal/handler/alert"
	"agentmonitor/internal/pkg/logger"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
	auditRepo "agentmonitor/internal/repo/mysql/audit"
	alertService "agentmonitor/internal/service/alert"
	"agentmonitor/internal/service/notification"
	"agentmonitor/internal/service/registry"
)

// BuildAlertModule 构建告警模块
// 通知路由先于引擎创建，引擎把状态变化事件交给路由按周期批量投递
func BuildAlertModule(deps *Deps, registryService registry.RegistryService) *AlertModule {
	logger.WithFields(logrus.Fields{
		"path":      "internal.app.master.setup.alert.BuildAlertModule",
		"operation": "setup",
		"option":    "setup.alert.begin",
		"func_name": "setup.alert.BuildAlertModule",
		"channels":  len(deps.Config.Notification.Channels),
	}).Info("开始构建告警模块")

	cfg := deps.Config
	notifications := notification.NewRouter(cfg.Notification, alertRepo.NewNotificationRepository(deps.DB), deps.Sleep, deps.Clock)
	engine := alertService.NewAlertEngine(
		cfg.Alert,
		alertRepo.NewAlertRuleRepository(deps.DB),
		alertRepo.NewAlertInstanceRepository(deps.DB),
		auditRepo.NewAuditRepository(deps.DB),
		registryService,
		notifications,
		deps.Clock,
	)

	return &AlertModule{
		AlertHandler:  alertHandler.NewAlertHandler(engine),
		Engine:        engine,
		Scheduler:     alertService.NewScheduler(engine, cfg.Alert.SweepInterval, deps.Clock),
		Notifications: notifications,
	}
}
