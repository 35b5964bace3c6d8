package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/repo/clickhouse"
	"agentmonitor/internal/repo/memory"
	"agentmonitor/internal/repo/mysql/timeseries"
	redisRepo "agentmonitor/internal/repo/redis"
	alertService "agentmonitor/internal/service/alert"
	"agentmonitor/internal/service/registry"
	"agentmonitor/internal/service/storage"
)

// BuildStorageModule 按配置选择热存储(memory/redis)和温存储(gorm/clickhouse)
func BuildStorageModule(deps *Deps) (*StorageModule, error) {
	cfg := deps.Config
	logger.WithFields(logrus.Fields{
		"path":      "internal.app.master.setup.storage.BuildStorageModule",
		"operation": "setup",
		"option":    "setup.storage.begin",
		"func_name": "setup.storage.BuildStorageModule",
		"hot_store": cfg.Ingestion.HotStore,
		"warm":      cfg.Storage.Warm.Driver,
	}).Info("开始构建分层存储模块")

	var hot storage.HotStore
	switch cfg.Ingestion.HotStore {
	case "memory", "":
		hot = memory.NewHotStore(cfg.Ingestion.HotCapacity, cfg.Ingestion.HotWindow, deps.Clock)
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("hot store redis selected but no redis client configured")
		}
		hot = redisRepo.NewHotStore(deps.Redis, cfg.Database.Redis.KeyPrefix, cfg.Ingestion.HotCapacity, cfg.Ingestion.HotWindow, deps.Clock)
	default:
		return nil, fmt.Errorf("unsupported hot store: %s", cfg.Ingestion.HotStore)
	}

	var warm storage.WarmStore
	switch cfg.Storage.Warm.Driver {
	case "gorm", "":
		warm = timeseries.NewWarmRepository(deps.DB)
	case "clickhouse":
		if deps.ClickHouse == nil {
			return nil, fmt.Errorf("warm store clickhouse selected but no clickhouse connection configured")
		}
		warm = clickhouse.NewWarmStore(deps.ClickHouse)
	default:
		return nil, fmt.Errorf("unsupported warm store: %s", cfg.Storage.Warm.Driver)
	}

	module := &StorageModule{
		Hot:         hot,
		Warm:        warm,
		Query:       storage.NewQueryService(cfg.Storage, hot, warm, deps.Clock),
		Downsampler: storage.NewDownsampler(cfg.Storage, warm, deps.Clock),
	}

	logger.WithFields(logrus.Fields{
		"path":      "internal.app.master.setup.storage.BuildStorageModule",
		"operation": "setup",
		"option":    "setup.storage.done",
		"func_name": "setup.storage.BuildStorageModule",
	}).Info("分层存储模块构建完成")
	return module, nil
}

// AttachFlusher 刷写器需要注册中心(补充环境维度)和告警引擎(降级时的系统告警)
func AttachFlusher(deps *Deps, module *StorageModule, registryService registry.RegistryService, engine alertService.AlertEngine) {
	module.Flusher = storage.NewFlusher(deps.Config.Storage, module.Hot, module.Warm, registryService, engine, deps.Clock, deps.Sleep)
	module.Flusher.SetListener(module.Downsampler)
}
