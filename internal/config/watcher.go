/*
ConfigWatcher 配置文件监听器
监听配置目录，配置文件写入或创建后经过500ms防抖重新加载，并把新旧配置交给回调。
可热更新的部分：日志级别/格式、注册中心超时、告警引擎时间参数、通知批次周期。
数据库、热存储、温存储后端的切换需要重启进程。
*/
package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify" // 文件系统监听库
)

// ConfigWatcher 配置文件监听器
type ConfigWatcher struct {
	watcher    *fsnotify.Watcher  // 文件系统监听器
	configPath string             // 配置文件路径
	env        string             // 环境标识
	callbacks  []ReloadCallback   // 重载回调函数列表
	mu         sync.RWMutex       // 读写锁
	ctx        context.Context    // 上下文
	cancel     context.CancelFunc // 取消函数
	done       chan struct{}      // 完成信号
	current    *Config            // 当前生效的配置
}

// ReloadCallback 配置重载回调函数类型
type ReloadCallback func(oldConfig, newConfig *Config) error

// NewConfigWatcher 创建配置文件监听器
func NewConfigWatcher(configPath, env string, current *Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cw := &ConfigWatcher{
		watcher:    watcher,
		configPath: configPath,
		env:        env,
		callbacks:  make([]ReloadCallback, 0),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		current:    current,
	}

	return cw, nil
}

// Start 启动配置文件监听
func (cw *ConfigWatcher) Start() error {
	if cw.configPath == "" {
		cw.configPath = getDefaultConfigPath()
	}

	// 添加监听目录
	if err := cw.watcher.Add(cw.configPath); err != nil {
		return fmt.Errorf("failed to add config path to watcher: %w", err)
	}

	go cw.watchLoop()

	log.Printf("Config watcher started, watching path: %s", cw.configPath)
	return nil
}

// Stop 停止配置文件监听
func (cw *ConfigWatcher) Stop() error {
	cw.cancel()

	select {
	case <-cw.done:
	case <-time.After(5 * time.Second):
		log.Println("Config watcher stop timeout")
	}

	return cw.watcher.Close()
}

// AddCallback 添加配置重载回调函数
func (cw *ConfigWatcher) AddCallback(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop 监听循环
func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)

	// 防抖动定时器
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}

	for {
		select {
		case <-cw.ctx.Done():
			log.Println("Config watcher stopped")
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				log.Println("Config watcher events channel closed")
				return
			}

			// 只处理写入和创建事件
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if isConfigFile(event.Name) {
					log.Printf("Config file changed: %s", event.Name)
					debounceTimer.Reset(500 * time.Millisecond)
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				log.Println("Config watcher errors channel closed")
				return
			}
			log.Printf("Config watcher error: %v", err)

		case <-debounceTimer.C:
			if err := cw.reloadConfig(); err != nil {
				log.Printf("Failed to reload config: %v", err)
			}
		}
	}
}

// isConfigFile 检查是否为配置文件
func isConfigFile(filename string) bool {
	switch filepath.Base(filename) {
	case "config.yaml", "config.yml",
		"config.dev.yaml", "config.dev.yml",
		"config.test.yaml", "config.test.yml",
		"config.prod.yaml", "config.prod.yml":
		return true
	}
	return false
}

// reloadConfig 重载配置
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath, cw.env)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	cw.mu.Lock()
	oldConfig := cw.current
	cw.current = newConfig
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			// 继续执行其他回调，不因为一个回调失败而中断
			log.Printf("Config reload callback error: %v", err)
		}
	}

	log.Println("Config reloaded successfully")
	return nil
}

// ChangedSections 返回新旧配置之间发生变化的可热更新配置段
func ChangedSections(oldConfig, newConfig *Config) []string {
	if oldConfig == nil || newConfig == nil {
		return nil
	}
	var changed []string
	if oldConfig.Log != newConfig.Log {
		changed = append(changed, "log")
	}
	if oldConfig.Registry.SweepInterval != newConfig.Registry.SweepInterval ||
		oldConfig.Registry.ErrorGrace != newConfig.Registry.ErrorGrace ||
		oldConfig.Registry.OfflineTimeout != newConfig.Registry.OfflineTimeout {
		changed = append(changed, "registry")
	}
	if oldConfig.Alert != newConfig.Alert {
		changed = append(changed, "alert")
	}
	if oldConfig.Notification.BatchInterval != newConfig.Notification.BatchInterval ||
		oldConfig.Notification.MaxAttempts != newConfig.Notification.MaxAttempts {
		changed = append(changed, "notification")
	}
	if oldConfig.Database.Driver != newConfig.Database.Driver ||
		oldConfig.Ingestion.HotStore != newConfig.Ingestion.HotStore ||
		oldConfig.Storage.Warm.Driver != newConfig.Storage.Warm.Driver {
		changed = append(changed, "restart_required")
	}
	return changed
}
