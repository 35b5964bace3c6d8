package alert

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
)

// Scheduler 告警生命周期扫描循环
type Scheduler struct {
	engine   AlertEngine
	interval time.Duration
	clock    clock.Clock

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewScheduler 创建扫描循环，interval 默认 10s
func NewScheduler(engine AlertEngine, interval time.Duration, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{engine: engine, interval: interval, clock: clk}
}

// Start 启动，重复调用忽略
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	logger.LogInfo("Starting alert scheduler", "", "", "service.alert.Scheduler.Start", "", map[string]interface{}{
		"interval": s.interval.String(),
	})
	go s.loop(ctx, s.clock.NewTicker(s.interval), s.stopChan, s.done)
}

// Stop 停止并等待当前一轮扫描结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stopChan, s.done
	s.stopChan, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	logger.LogInfo("Alert scheduler stopped", "", "", "service.alert.Scheduler.Stop", "", nil)
}

func (s *Scheduler) loop(ctx context.Context, ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C():
			report, err := s.engine.Sweep(ctx)
			if err != nil {
				logger.LogError(err, "", "", "service.alert.Scheduler.loop", "", map[string]interface{}{
					"operation": "alert_sweep",
				})
				continue
			}
			if report.Promoted+report.Escalated+report.Resolved > 0 {
				logger.LogSystemEvent("alert", "lifecycle_sweep", "alert states changed by sweep", logrus.InfoLevel, map[string]interface{}{
					"promoted":  report.Promoted,
					"escalated": report.Escalated,
					"resolved":  report.Resolved,
				})
			}
		}
	}
}
