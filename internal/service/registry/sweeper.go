package registry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
)

// Sweeper 离线扫描循环，可取消、可重复启动
type Sweeper interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

type sweeper struct {
	registry RegistryService
	interval time.Duration
	clock    clock.Clock

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewSweeper 创建离线扫描器
func NewSweeper(registry RegistryService, interval time.Duration, clk clock.Clock) Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &sweeper{registry: registry, interval: interval, clock: clk}
}

// Start 启动扫描循环，已在运行时忽略
func (s *sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopChan != nil {
		return
	}
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	logger.LogInfo("Starting offline sweeper", "", "", "service.registry.Sweeper.Start", "", map[string]interface{}{
		"interval": s.interval.String(),
	})
	// ticker 在 Start 中同步创建
	go s.loop(ctx, s.clock.NewTicker(s.interval), s.stopChan, s.done)
}

// Stop 停止扫描循环并等待当前一轮结束
func (s *sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stopChan, s.done
	s.stopChan, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	logger.LogInfo("Offline sweeper stopped", "", "", "service.registry.Sweeper.Stop", "", nil)
}

// Running 是否在运行
func (s *sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopChan != nil
}

func (s *sweeper) loop(ctx context.Context, ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C():
			changed, err := s.registry.Sweep(ctx)
			if err != nil {
				logger.LogError(err, "", "", "service.registry.Sweeper.loop", "", map[string]interface{}{
					"operation": "offline_sweep",
				})
				continue
			}
			if changed > 0 {
				logger.LogSystemEvent("registry", "offline_sweep", "agent statuses changed by sweep", logrus.InfoLevel, map[string]interface{}{
					"changed": changed,
				})
			}
		}
	}
}
