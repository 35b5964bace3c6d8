package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"agentmonitor/internal/config"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/retry"
)

// DeliveryStatus 投递结果
type DeliveryStatus string

const (
	StatusDelivered        DeliveryStatus = "delivered"
	StatusPermanentFailure DeliveryStatus = "permanent_failure"
	StatusSkipped          DeliveryStatus = "skipped"
)

// DeliveryResult 一次分发的结果，Err 仅在 permanent_failure 时非空
type DeliveryResult struct {
	Channel  string         `json:"channel"`
	Status   DeliveryStatus `json:"status"`
	Attempts int            `json:"attempts"`
	Err      error          `json:"-"`
}

// Dispatcher 带重试的批次分发，至少一次投递
type Dispatcher struct {
	policy retry.Policy
	sleep  retry.Sleeper
	clock  clock.Clock

	mu       sync.Mutex
	channels map[string]channelEntry
}

type channelEntry struct {
	cfg config.ChannelConfig
	ch  Channel
}

// NewDispatcher 创建分发器，sleep 为 nil 时使用可取消的真实等待
func NewDispatcher(cfg config.NotificationConfig, sleep retry.Sleeper, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	return &Dispatcher{
		policy:   policyFrom(cfg),
		sleep:    sleep,
		clock:    clk,
		channels: make(map[string]channelEntry),
	}
}

func policyFrom(cfg config.NotificationConfig) retry.Policy {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return retry.Policy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff, Multiplier: 2, MaxAttempts: attempts}
}

// UpdateSettings 更新重试策略并清空通道缓存
func (d *Dispatcher) UpdateSettings(cfg config.NotificationConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = policyFrom(cfg)
	d.channels = make(map[string]channelEntry)
}

// Dispatch 把批次投递到通道
// 停用的通道返回 skipped；配置错误和永久错误立即失败；可重试错误按指数退避直到次数耗尽
func (d *Dispatcher) Dispatch(ctx context.Context, batch Batch, cfg config.ChannelConfig) (result DeliveryResult) {
	result = DeliveryResult{Channel: cfg.Name}
	if !cfg.Enabled {
		result.Status = StatusSkipped
		return result
	}

	ch, policy, err := d.channel(cfg)
	if err != nil {
		result.Status = StatusPermanentFailure
		result.Err = system.NewPermanentDeliveryError(err, "channel %s misconfigured", cfg.Name)
		d.logFailure(batch, result)
		return result
	}

	attempts, err := retry.Do(ctx, policy, d.sleep, func(int) error {
		return safeSend(ctx, ch, batch)
	})
	result.Attempts = attempts
	if err == nil {
		result.Status = StatusDelivered
		return result
	}

	result.Status = StatusPermanentFailure
	if retry.IsPermanent(err) {
		result.Err = system.NewPermanentDeliveryError(err, "channel %s rejected batch", cfg.Name)
	} else {
		result.Err = system.NewPermanentDeliveryError(err, "channel %s failed after %d attempts", cfg.Name, attempts)
	}
	d.logFailure(batch, result)
	return result
}

func (d *Dispatcher) channel(cfg config.ChannelConfig) (Channel, retry.Policy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.channels[cfg.Name]; ok && channelConfigEqual(e.cfg, cfg) {
		return e.ch, d.policy, nil
	}
	ch, err := NewChannel(cfg, d.clock)
	if err != nil {
		return nil, d.policy, err
	}
	d.channels[cfg.Name] = channelEntry{cfg: cfg, ch: ch}
	return ch, d.policy, nil
}

// safeSend 通道内 panic 视为永久错误
func safeSend(ctx context.Context, ch Channel, batch Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("channel %s panicked: %v", ch.Name(), r))
		}
	}()
	return ch.Send(ctx, batch)
}

func (d *Dispatcher) logFailure(batch Batch, result DeliveryResult) {
	logger.LogSystemEvent("notification", "delivery_failed", result.Err.Error(), logrus.ErrorLevel, map[string]interface{}{
		"channel":   result.Channel,
		"agent_id":  batch.AgentID,
		"alert_ids": batch.AlertIDs(),
		"attempts":  result.Attempts,
	})
}

func channelConfigEqual(a, b config.ChannelConfig) bool {
	if a.Type != b.Type || a.URL != b.URL || a.Secret != b.Secret || a.Issuer != b.Issuer ||
		a.Timeout != b.Timeout || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}
