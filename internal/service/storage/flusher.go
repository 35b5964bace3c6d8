package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/config"
	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/retry"
)

// FlushAlertKey 刷写降级时的自监控告警键
const FlushAlertKey = "storage.flush"

// AgentLookup 读取 Agent 的环境和部署方式(写入原始点时冗余保存)
type AgentLookup interface {
	Get(ctx context.Context, agentID string) (*agentModel.Agent, error)
}

// SystemAlerter 自监控告警
type SystemAlerter interface {
	RaiseSystemAlert(ctx context.Context, key, message string) error
	ClearSystemAlert(ctx context.Context, key string) error
}

// FlushReport 一次刷写的结果
type FlushReport struct {
	Agents  int `json:"agents"`
	Samples int `json:"samples"`
	Points  int `json:"points"`
	Failed  int `json:"failed"`
}

// Flusher 热存储到温存储的异步刷写
type Flusher interface {
	Start(ctx context.Context)
	Stop()
	FlushNow(ctx context.Context) (FlushReport, error)
	Degraded() bool
	SetListener(l FlushListener)
}

// FlushListener 接收每批写入温存储的最早原始点时间
type FlushListener interface {
	MarkDirty(earliest time.Time)
}

type flusher struct {
	hot      HotStore
	warm     WarmStore
	agents   AgentLookup
	alerter  SystemAlerter
	clock    clock.Clock
	sleep    retry.Sleeper
	interval time.Duration
	batch    int
	policy   retry.Policy

	flushMu  sync.Mutex // 同一时刻只有一轮刷写
	stateMu  sync.Mutex
	degraded bool
	listener FlushListener

	runMu    sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewFlusher 创建刷写器，alerter 可以为 nil，sleep 为 nil 时使用可取消的真实等待
func NewFlusher(cfg config.StorageConfig, hot HotStore, warm WarmStore, agents AgentLookup, alerter SystemAlerter, clk clock.Clock, sleep retry.Sleeper) Flusher {
	if clk == nil {
		clk = clock.Real()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	batch := cfg.FlushBatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &flusher{
		hot:      hot,
		warm:     warm,
		agents:   agents,
		alerter:  alerter,
		clock:    clk,
		sleep:    sleep,
		interval: interval,
		batch:    batch,
		policy: retry.Policy{
			Initial:     cfg.Retry.Initial,
			Max:         cfg.Retry.Max,
			Multiplier:  cfg.Retry.Multiplier,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}
}

// Start 启动刷写循环
func (f *flusher) Start(ctx context.Context) {
	f.runMu.Lock()
	defer f.runMu.Unlock()
	if f.stopChan != nil {
		return
	}
	f.stopChan = make(chan struct{})
	f.done = make(chan struct{})
	logger.LogInfo("Starting storage flusher", "", "", "service.storage.Flusher.Start", "", map[string]interface{}{
		"interval": f.interval.String(),
		"batch":    f.batch,
	})
	go f.loop(ctx, f.clock.NewTicker(f.interval), f.stopChan, f.done)
}

// Stop 停止刷写循环，剩余数据由调用方 FlushNow
func (f *flusher) Stop() {
	f.runMu.Lock()
	stop, done := f.stopChan, f.done
	f.stopChan, f.done = nil, nil
	f.runMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	logger.LogInfo("Storage flusher stopped", "", "", "service.storage.Flusher.Stop", "", nil)
}

func (f *flusher) loop(ctx context.Context, ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C():
			if _, err := f.FlushNow(ctx); err != nil && ctx.Err() == nil {
				logger.LogError(err, "", "", "service.storage.Flusher.loop", "", map[string]interface{}{
					"operation": "flush",
				})
			}
		}
	}
}

// SetListener 设置写入通知(降采样器据此重算迟到数据所在的桶)
func (f *flusher) SetListener(l FlushListener) {
	f.stateMu.Lock()
	f.listener = l
	f.stateMu.Unlock()
}

// Degraded 是否处于降级状态(重试耗尽后，下一次成功刷写前)
func (f *flusher) Degraded() bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.degraded
}

// FlushNow 立即刷写全部Agent
// 每个Agent: 读取水位线之后的样本，按 (timestamp, seq) 排序写入温存储并推进水位线，确认后再标记热存储
func (f *flusher) FlushNow(ctx context.Context) (FlushReport, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	var report FlushReport
	agentIDs, err := f.hot.Agents(ctx)
	if err != nil {
		f.markFailure(ctx, err)
		return report, fmt.Errorf("list hot agents: %w", err)
	}

	for _, agentID := range agentIDs {
		flushed := 0
		for {
			samples, points, err := f.flushAgent(ctx, agentID)
			if err != nil {
				report.Failed++
				// 重试耗尽说明温存储不可用，本轮不再尝试其他Agent
				f.markFailure(ctx, err)
				return report, err
			}
			flushed += samples
			report.Samples += samples
			report.Points += points
			if samples < f.batch {
				break
			}
		}
		if flushed > 0 {
			report.Agents++
		}
	}
	f.markSuccess(ctx)
	return report, nil
}

func (f *flusher) flushAgent(ctx context.Context, agentID string) (int, int, error) {
	var wm *metrics.FlushWatermark
	_, err := retry.Do(ctx, f.policy, f.sleep, func(int) error {
		var getErr error
		wm, getErr = f.warm.GetWatermark(ctx, agentID)
		return getErr
	})
	if err != nil {
		return 0, 0, fmt.Errorf("read watermark %s: %w", agentID, err)
	}
	var after uint64
	if wm != nil {
		after = wm.FlushedSeq
	}

	samples, err := f.hot.Range(ctx, agentID, after, f.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("read hot samples %s: %w", agentID, err)
	}
	if len(samples) == 0 {
		return 0, 0, nil
	}

	var maxSeq uint64
	var until time.Time
	for _, s := range samples {
		if s.Seq > maxSeq {
			maxSeq = s.Seq
		}
		if s.Timestamp.After(until) {
			until = s.Timestamp
		}
	}
	if wm != nil && wm.FlushedUntil.After(until) {
		until = wm.FlushedUntil
	}
	metrics.SortSamples(samples)

	env, deploy := "", ""
	if f.agents != nil {
		if a, err := f.agents.Get(ctx, agentID); err == nil && a != nil {
			env, deploy = a.Environment, string(a.DeploymentType)
		}
	}
	points := make([]*metrics.MetricPoint, 0, len(samples)*24)
	var earliest time.Time
	for _, s := range samples {
		if s.Sampled {
			continue
		}
		if earliest.IsZero() || s.Timestamp.Before(earliest) {
			earliest = s.Timestamp
		}
		points = append(points, ExplodeSample(s, env, deploy)...)
	}
	next := &metrics.FlushWatermark{AgentID: agentID, FlushedUntil: until.UTC(), FlushedSeq: maxSeq}

	attempts, err := retry.Do(ctx, f.policy, f.sleep, func(int) error {
		return f.warm.WriteBatch(ctx, points, next)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("write warm batch %s after %d attempts: %w", agentID, attempts, err)
	}
	if len(points) > 0 {
		f.stateMu.Lock()
		l := f.listener
		f.stateMu.Unlock()
		if l != nil {
			l.MarkDirty(earliest)
		}
	}
	// 写入确认之后才推进热存储
	if err := f.hot.Trim(ctx, agentID, maxSeq); err != nil {
		logger.LogWarn("hot store trim failed", "", "", "service.storage.Flusher.flushAgent", "", map[string]interface{}{
			"agent_id": agentID,
			"seq":      maxSeq,
			"error":    err.Error(),
		})
	}
	return len(samples), len(points), nil
}

func (f *flusher) markFailure(ctx context.Context, err error) {
	f.stateMu.Lock()
	wasDegraded := f.degraded
	f.degraded = true
	f.stateMu.Unlock()

	if wasDegraded {
		return
	}
	logger.LogSystemEvent("storage", "flush_degraded", "warm tier writes failing, keeping hot data", logrus.ErrorLevel, map[string]interface{}{
		"error": err.Error(),
	})
	if f.alerter != nil {
		msg := fmt.Sprintf("metrics flush to warm storage failing: %v", err)
		if alertErr := f.alerter.RaiseSystemAlert(ctx, FlushAlertKey, msg); alertErr != nil {
			logger.LogError(alertErr, "", "", "service.storage.Flusher.markFailure", "", nil)
		}
	}
}

func (f *flusher) markSuccess(ctx context.Context) {
	f.stateMu.Lock()
	wasDegraded := f.degraded
	f.degraded = false
	f.stateMu.Unlock()

	if !wasDegraded {
		return
	}
	logger.LogSystemEvent("storage", "flush_recovered", "warm tier writes recovered", logrus.InfoLevel, nil)
	if f.alerter != nil {
		if err := f.alerter.ClearSystemAlert(ctx, FlushAlertKey); err != nil {
			logger.LogError(err, "", "", "service.storage.Flusher.markSuccess", "", nil)
		}
	}
}
