/**
 * 应用程序
 * @author: sun977
 * @date: 2025.10.31
 * @description: 装配模块和路由，管理后台组件的启动/停止以及配置热更新
 * @func: NewApp、Start、Stop、WatchConfig
 */
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/app/master/router"
	"agentmonitor/internal/app/master/setup"
	"agentmonitor/internal/config"
	"agentmonitor/internal/pkg/logger"
)

// 关闭时最后一次刷写的时间上限
const shutdownFlushTimeout = 5 * time.Second

// App 应用程序结构体
type App struct {
	config  *config.Config
	deps    *setup.Deps
	modules *setup.Modules
	router  *router.Router
	watcher *config.ConfigWatcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewApp 创建应用程序实例：装配全部模块并注册路由
func NewApp(deps *setup.Deps) (*App, error) {
	if deps == nil || deps.Config == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	modules, err := setup.BuildModules(deps)
	if err != nil {
		return nil, fmt.Errorf("build modules: %w", err)
	}

	r := router.NewRouter(deps.Config, modules, readinessChecks(deps, modules)...)
	r.SetupRoutes()

	return &App{
		config:  deps.Config,
		deps:    deps,
		modules: modules,
		router:  r,
	}, nil
}

// readinessChecks 就绪探针依赖项
func readinessChecks(deps *setup.Deps, modules *setup.Modules) []router.ReadinessCheck {
	checks := []router.ReadinessCheck{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := deps.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, {
		Name:  "warm_store",
		Check: modules.Storage.Warm.Ping,
	}}
	if deps.Redis != nil {
		checks = append(checks, router.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		})
	}
	return checks
}

// GetRouter 获取路由器实例
func (a *App) GetRouter() *router.Router {
	return a.router
}

// GetConfig 获取配置
func (a *App) GetConfig() *config.Config {
	return a.config
}

// Modules 已装配的模块
func (a *App) Modules() *setup.Modules {
	return a.modules
}

// Start 启动后台组件
// 顺序: 离线扫描 -> 接入工作池 -> 刷写 -> 降采样 -> 告警扫描 -> 通知路由
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m := a.modules

	m.Registry.Sweeper.Start(ctx)
	m.Ingestion.Service.Start(ctx)
	m.Storage.Flusher.Start(ctx)
	if err := m.Storage.Downsampler.Start(ctx); err != nil {
		m.Storage.Flusher.Stop()
		m.Ingestion.Service.Stop()
		m.Registry.Sweeper.Stop()
		cancel()
		return fmt.Errorf("start downsampler: %w", err)
	}
	m.Alert.Scheduler.Start(ctx)
	m.Alert.Notifications.Start(ctx)

	a.cancel = cancel
	a.started = true

	logger.LogSystemEvent("app", "start", "background components started", logrus.InfoLevel, map[string]interface{}{
		"hot_store":  a.config.Ingestion.HotStore,
		"warm_store": a.config.Storage.Warm.Driver,
	})
	return nil
}

// Stop 按启动的逆序停止后台组件，接入队列排空后做最后一次刷写
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			logger.LogSystemEvent("app", "stop", "stop config watcher failed: "+err.Error(), logrus.WarnLevel, nil)
		}
		a.watcher = nil
	}
	if !a.started {
		return nil
	}

	m := a.modules
	m.Alert.Scheduler.Stop()
	m.Storage.Downsampler.Stop()
	m.Ingestion.Service.Stop()
	m.Storage.Flusher.Stop()
	m.Registry.Sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	report, err := m.Storage.Flusher.FlushNow(ctx)
	if err != nil {
		logger.LogSystemEvent("app", "stop", "final flush failed: "+err.Error(), logrus.ErrorLevel, nil)
	}

	// 最后停通知路由，Stop 会投递剩余的告警事件
	m.Alert.Notifications.Stop()

	a.cancel()
	a.started = false
	logger.LogSystemEvent("app", "stop", "background components stopped", logrus.InfoLevel, map[string]interface{}{
		"final_flush_points": report.Points,
	})
	return err
}

// WatchConfig 监听配置文件，热更新日志级别和各模块的运行参数
func (a *App) WatchConfig(configPath, env string) error {
	watcher, err := config.NewConfigWatcher(configPath, env, a.config)
	if err != nil {
		return err
	}
	watcher.AddCallback(a.applyConfig)
	if err := watcher.Start(); err != nil {
		return err
	}
	a.mu.Lock()
	a.watcher = watcher
	a.mu.Unlock()
	return nil
}

// applyConfig 配置变更回调
// 服务器地址、数据库和存储后端的变更需要重启才生效
func (a *App) applyConfig(oldConfig, newConfig *config.Config) error {
	sections := config.ChangedSections(oldConfig, newConfig)
	for _, section := range sections {
		switch section {
		case "log":
			if logger.LoggerInstance != nil {
				if err := logger.LoggerInstance.UpdateConfig(&newConfig.Log); err != nil {
					return err
				}
			}
		case "registry":
			a.modules.Registry.Service.UpdateSettings(newConfig.Registry)
		case "alert":
			a.modules.Alert.Engine.UpdateSettings(newConfig.Alert)
		case "notification":
			a.modules.Alert.Notifications.UpdateSettings(newConfig.Notification)
		default:
			logger.LogSystemEvent("app", "config_reload", "section "+section+" changed, restart required", logrus.WarnLevel, nil)
		}
	}
	logger.LogSystemEvent("app", "config_reload", "configuration reloaded", logrus.InfoLevel, map[string]interface{}{
		"sections": sections,
	})
	return nil
}
