/**
 * 通知通道
 * @author: sun977
 * @date: 2025.10.30
 * @description: 告警批次的投递通道，webhook(可选HS256签名) 和 log
 * @func: NewChannel、webhookChannel.Send、logChannel.Send
 */
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"agentmonitor/internal/config"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/pkg/auth"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/retry"
)

const (
	ChannelTypeWebhook = "webhook"
	ChannelTypeLog     = "log"

	// DefaultChannelName 未配置任何通道时使用的内置 log 通道
	DefaultChannelName = "log"

	defaultWebhookTimeout = 5 * time.Second
)

// Batch 一个Agent在一个分发周期内发往同一通道的告警事件
type Batch struct {
	AgentID   string                  `json:"agent_id"`
	Channel   string                  `json:"channel"`
	Events    []alertModel.AlertEvent `json:"events"`
	CreatedAt time.Time               `json:"created_at"`
}

// AlertIDs 批次内去重后的告警标识，按首次出现顺序
func (b Batch) AlertIDs() []string {
	seen := make(map[string]bool, len(b.Events))
	out := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		if !seen[e.Alert.AlertID] {
			seen[e.Alert.AlertID] = true
			out = append(out, e.Alert.AlertID)
		}
	}
	return out
}

// Channel 通知通道
// Send 返回 retry.Permanent 包装的错误表示不应重试
type Channel interface {
	Name() string
	Send(ctx context.Context, batch Batch) error
}

// NewChannel 按配置创建通道，配置错误返回 error
func NewChannel(cfg config.ChannelConfig, clk clock.Clock) (Channel, error) {
	if clk == nil {
		clk = clock.Real()
	}
	switch cfg.Type {
	case ChannelTypeWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("channel %s: webhook url is required", cfg.Name)
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		ch := &webhookChannel{
			name:    cfg.Name,
			url:     cfg.URL,
			headers: cfg.Headers,
			client:  &http.Client{Timeout: timeout},
			clock:   clk,
		}
		if cfg.Secret != "" {
			ch.signer = auth.NewTokenSigner(cfg.Secret, cfg.Issuer, 0)
		}
		return ch, nil
	case ChannelTypeLog, "":
		return &logChannel{name: cfg.Name}, nil
	default:
		return nil, fmt.Errorf("channel %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

// webhookPayload webhook 请求体
type webhookPayload struct {
	AgentID  string                  `json:"agent_id"`
	Channel  string                  `json:"channel"`
	AlertIDs []string                `json:"alert_ids"`
	Events   []alertModel.AlertEvent `json:"events"`
	SentAt   time.Time               `json:"sent_at"`
}

type webhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	signer  *auth.TokenSigner
	clock   clock.Clock
}

func (w *webhookChannel) Name() string { return w.name }

// Send JSON POST；2xx 成功，408/429 和 5xx 可重试，其余 4xx 为永久失败
func (w *webhookChannel) Send(ctx context.Context, batch Batch) error {
	now := w.clock.Now().UTC()
	alertIDs := batch.AlertIDs()
	body, err := json.Marshal(webhookPayload{
		AgentID:  batch.AgentID,
		Channel:  w.name,
		AlertIDs: alertIDs,
		Events:   batch.Events,
		SentAt:   now,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	keys := make([]string, 0, len(w.headers))
	for k := range w.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Header.Set(k, w.headers[k])
	}
	if w.signer != nil {
		token, err := w.signer.Sign(batch.AgentID, alertIDs, now)
		if err != nil {
			return retry.Permanent(fmt.Errorf("sign webhook token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s responded %d", w.name, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("webhook %s responded %d", w.name, resp.StatusCode))
	default:
		return fmt.Errorf("webhook %s responded %d", w.name, resp.StatusCode)
	}
}

type logChannel struct {
	name string
}

func (l *logChannel) Name() string { return l.name }

// Send 写入业务日志
func (l *logChannel) Send(_ context.Context, batch Batch) error {
	for _, e := range batch.Events {
		logger.LogBusinessOperation("alert_notification", "system", "", "", string(e.Type), e.Alert.Message, map[string]interface{}{
			"channel":    l.name,
			"alert_id":   e.Alert.AlertID,
			"rule_id":    e.Alert.RuleID,
			"rule_name":  e.RuleName,
			"agent_id":   batch.AgentID,
			"severity":   string(e.Alert.Severity),
			"state":      string(e.Alert.State),
			"value":      e.Alert.CurrentValue,
			"at":         e.At.Format(time.RFC3339),
			"batch_size": len(batch.Events),
		})
	}
	return nil
}
