/**
 * 初始化
 * @author: sun977
 * @date: 2025.10.31
 * @description: 监控服务初始化相关的类型定义
 * @func: Deps 为外部资源，*Module 为各模块的聚合输出(Handler + Service + 后台组件)
 */
package setup

import (
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"agentmonitor/internal/config"
	agentHandler "agentmonitor/internal/handler/agent"
	alertHandler "agentmonitor/internal/handler/alert"
	metricsHandler "agentmonitor/internal/handler/metrics"
	monitorHandler "agentmonitor/internal/handler/monitor"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/retry"
	alertService "agentmonitor/internal/service/alert"
	"agentmonitor/internal/service/ingestion"
	monitorService "agentmonitor/internal/service/monitor"
	"agentmonitor/internal/service/notification"
	"agentmonitor/internal/service/registry"
	"agentmonitor/internal/service/storage"
	"agentmonitor/internal/service/stream"
)

// Deps 模块装配所需的外部资源
// Redis 和 ClickHouse 只在配置选择对应后端时需要
type Deps struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	ClickHouse driver.Conn
	Clock      clock.Clock
	Sleep      retry.Sleeper
}

// StorageModule 分层存储模块
type StorageModule struct {
	Hot         storage.HotStore
	Warm        storage.WarmStore
	Query       storage.QueryService
	Downsampler storage.Downsampler
	Flusher     storage.Flusher // 依赖注册中心和告警引擎，由 AttachFlusher 填充
}

// RegistryModule Agent注册中心模块
type RegistryModule struct {
	Service registry.RegistryService
	Sweeper registry.Sweeper
}

// AlertModule 告警模块(规则引擎 + 生命周期扫描 + 通知路由)
type AlertModule struct {
	AlertHandler *alertHandler.AlertHandler

	Engine        alertService.AlertEngine
	Scheduler     *alertService.Scheduler
	Notifications *notification.Router
}

// IngestionModule 指标接入模块
type IngestionModule struct {
	AgentHandler   *agentHandler.AgentHandler
	MetricsHandler *metricsHandler.MetricsHandler

	Service ingestion.IngestionService
	Hub     *stream.Hub
}

// MonitorModule 监控总览模块
type MonitorModule struct {
	MonitorHandler *monitorHandler.MonitorHandler

	Service monitorService.MonitorService
}

// Modules 全部模块
type Modules struct {
	Storage   *StorageModule
	Registry  *RegistryModule
	Alert     *AlertModule
	Ingestion *IngestionModule
	Monitor   *MonitorModule
}
