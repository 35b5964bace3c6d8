/**
 * 通知路由
 * @author: sun977
 * @date: 2025.10.30
 * @description: 收集告警事件，每个分发周期按(Agent,通道)合并为一个批次投递，并记录 alert_notifications
 * @func: Enqueue、Flush、Start/Stop、UpdateSettings
 */
package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/config"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/retry"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
)

// FlushReport 一个分发周期的结果
type FlushReport struct {
	Batches   int `json:"batches"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Router 告警通知路由
type Router struct {
	dispatcher *Dispatcher
	repo       alertRepo.NotificationRepository
	clock      clock.Clock

	cfgMu sync.RWMutex
	cfg   config.NotificationConfig

	mu      sync.Mutex
	pending map[string][]alertModel.AlertEvent
	flushMu sync.Mutex

	loopMu   sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewRouter 创建通知路由，repo 为 nil 时不记录投递结果
func NewRouter(cfg config.NotificationConfig, repo alertRepo.NotificationRepository, sleep retry.Sleeper, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{
		dispatcher: NewDispatcher(cfg, sleep, clk),
		repo:       repo,
		clock:      clk,
		cfg:        cfg,
		pending:    make(map[string][]alertModel.AlertEvent),
	}
}

// Enqueue 加入待发送队列，不阻塞
func (r *Router) Enqueue(event alertModel.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[event.Alert.AgentID] = append(r.pending[event.Alert.AgentID], event)
}

// Pending 待发送事件数
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, events := range r.pending {
		n += len(events)
	}
	return n
}

// UpdateSettings 热更新通道和重试配置
func (r *Router) UpdateSettings(cfg config.NotificationConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
	r.dispatcher.UpdateSettings(cfg)
}

func (r *Router) settings() config.NotificationConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Flush 发送当前积累的全部事件：每个Agent每个通道一个批次
func (r *Router) Flush(ctx context.Context) FlushReport {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string][]alertModel.AlertEvent)
	r.mu.Unlock()

	var report FlushReport
	if len(pending) == 0 {
		return report
	}
	cfg := r.settings()

	agentIDs := make([]string, 0, len(pending))
	for id := range pending {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	for _, agentID := range agentIDs {
		byChannel := groupByChannel(pending[agentID], cfg.DefaultChannels)
		names := make([]string, 0, len(byChannel))
		for name := range byChannel {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			batch := Batch{AgentID: agentID, Channel: name, Events: byChannel[name], CreatedAt: r.clock.Now().UTC()}
			result := r.dispatcher.Dispatch(ctx, batch, resolveChannel(cfg, name))
			report.Batches++
			switch result.Status {
			case StatusDelivered:
				report.Delivered++
			case StatusSkipped:
				report.Skipped++
				continue
			default:
				report.Failed++
			}
			r.record(ctx, batch, result)
		}
	}
	return report
}

// groupByChannel 事件按通道分组，规则未指定通道时使用默认通道
func groupByChannel(events []alertModel.AlertEvent, defaults []string) map[string][]alertModel.AlertEvent {
	if len(defaults) == 0 {
		defaults = []string{DefaultChannelName}
	}
	out := make(map[string][]alertModel.AlertEvent)
	for _, e := range events {
		channels := e.Channels
		if len(channels) == 0 {
			channels = defaults
		}
		seen := make(map[string]bool, len(channels))
		for _, name := range channels {
			if seen[name] {
				continue
			}
			seen[name] = true
			out[name] = append(out[name], e)
		}
	}
	return out
}

// resolveChannel 按名称查找通道配置；未配置的内置 log 通道默认启用
// 其余未知名称返回类型为空的配置，分发时作为配置错误处理
func resolveChannel(cfg config.NotificationConfig, name string) config.ChannelConfig {
	if ch, ok := cfg.FindChannel(name); ok {
		return ch
	}
	if name == DefaultChannelName {
		return config.ChannelConfig{Name: name, Type: ChannelTypeLog, Enabled: true}
	}
	return config.ChannelConfig{Name: name, Type: "unknown", Enabled: true}
}

func (r *Router) record(ctx context.Context, batch Batch, result DeliveryResult) {
	if r.repo == nil {
		return
	}
	now := r.clock.Now().UTC()
	status := alertModel.NotificationSent
	errMsg := ""
	var sentAt *time.Time
	if result.Status == StatusDelivered {
		sentAt = &now
	} else {
		status = alertModel.NotificationPermanentFailure
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
	}

	alertIDs := batch.AlertIDs()
	records := make([]*alertModel.AlertNotification, 0, len(alertIDs))
	for _, id := range alertIDs {
		records = append(records, &alertModel.AlertNotification{
			AlertID:      id,
			Channel:      batch.Channel,
			Status:       status,
			Attempts:     result.Attempts,
			ErrorMessage: errMsg,
			SentAt:       sentAt,
		})
	}
	if err := r.repo.Create(ctx, records); err != nil {
		logger.LogError(err, "", "", "service.notification.record", "", map[string]interface{}{
			"operation": "record_notifications",
			"channel":   batch.Channel,
			"agent_id":  batch.AgentID,
		})
	}
}

// Start 启动分发循环，batch_interval 默认 30s
func (r *Router) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.stopChan != nil {
		return
	}
	interval := r.settings().BatchInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.stopChan = make(chan struct{})
	r.done = make(chan struct{})
	logger.LogInfo("Starting notification router", "", "", "service.notification.Router.Start", "", map[string]interface{}{
		"interval": interval.String(),
	})
	go r.loop(ctx, r.clock.NewTicker(interval), r.stopChan, r.done)
}

// Stop 停止循环，剩余事件做最后一次投递
func (r *Router) Stop() {
	r.loopMu.Lock()
	stop, done := r.stopChan, r.done
	r.stopChan, r.done = nil, nil
	r.loopMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Flush(ctx)
	logger.LogInfo("Notification router stopped", "", "", "service.notification.Router.Stop", "", nil)
}

func (r *Router) loop(ctx context.Context, ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C():
			report := r.Flush(ctx)
			if report.Failed > 0 {
				logger.LogSystemEvent("notification", "dispatch_cycle", "some notification batches failed", logrus.WarnLevel, map[string]interface{}{
					"batches": report.Batches,
					"failed":  report.Failed,
				})
			}
		}
	}
}
