package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmonitor/internal/config"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/auth"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/database"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
)

var t0 = time.Date(2025, 10, 30, 8, 0, 0, 0, time.UTC)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func event(agentID, alertID string, channels ...string) alertModel.AlertEvent {
	return alertModel.AlertEvent{
		Type: alertModel.EventTriggered,
		Alert: alertModel.AlertInstance{
			AlertID:  alertID,
			RuleID:   "high_cpu",
			AgentID:  agentID,
			State:    alertModel.StateTriggered,
			Severity: alertModel.SeverityWarning,
			Message:  "High CPU",
		},
		RuleName: "High CPU",
		Channels: channels,
		At:       t0,
	}
}

type webhookServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []webhookPayload
	auth     []string
	calls    int32
	statuses []int
}

// newWebhookServer 依次返回 statuses 中的状态码，用完后返回 200
func newWebhookServer(t *testing.T, statuses ...int) *webhookServer {
	t.Helper()
	ws := &webhookServer{statuses: statuses}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&ws.calls, 1))
		var p webhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		ws.mu.Lock()
		ws.payloads = append(ws.payloads, p)
		ws.auth = append(ws.auth, r.Header.Get("Authorization"))
		ws.mu.Unlock()
		if n <= len(ws.statuses) {
			w.WriteHeader(ws.statuses[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func notificationConfig(channels ...config.ChannelConfig) config.NotificationConfig {
	return config.NotificationConfig{
		BatchInterval:  30 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Channels:       channels,
	}
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	ws := newWebhookServer(t, http.StatusInternalServerError, http.StatusTooManyRequests)
	d := NewDispatcher(notificationConfig(), noSleep, clock.NewFake(t0))

	res := d.Dispatch(context.Background(), Batch{AgentID: "a1", Events: []alertModel.AlertEvent{event("a1", "x1")}},
		config.ChannelConfig{Name: "ops", Type: ChannelTypeWebhook, URL: ws.URL, Enabled: true})
	assert.Equal(t, StatusDelivered, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestDispatch_PermanentClientError(t *testing.T) {
	ws := newWebhookServer(t, http.StatusBadRequest)
	d := NewDispatcher(notificationConfig(), noSleep, clock.NewFake(t0))

	res := d.Dispatch(context.Background(), Batch{AgentID: "a1", Events: []alertModel.AlertEvent{event("a1", "x1")}},
		config.ChannelConfig{Name: "ops", Type: ChannelTypeWebhook, URL: ws.URL, Enabled: true})
	assert.Equal(t, StatusPermanentFailure, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, system.IsKind(res.Err, system.KindDeliveryFailed), "got %v", res.Err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ws.calls))
}

func TestDispatch_BudgetExhausted(t *testing.T) {
	ws := newWebhookServer(t, 503, 503, 503, 503)
	d := NewDispatcher(notificationConfig(), noSleep, clock.NewFake(t0))

	res := d.Dispatch(context.Background(), Batch{AgentID: "a1", Events: []alertModel.AlertEvent{event("a1", "x1")}},
		config.ChannelConfig{Name: "ops", Type: ChannelTypeWebhook, URL: ws.URL, Enabled: true})
	assert.Equal(t, StatusPermanentFailure, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, system.IsKind(res.Err, system.KindDeliveryFailed))
}

func TestDispatch_SkippedAndMisconfigured(t *testing.T) {
	d := NewDispatcher(notificationConfig(), noSleep, clock.NewFake(t0))
	batch := Batch{AgentID: "a1", Events: []alertModel.AlertEvent{event("a1", "x1")}}

	res := d.Dispatch(context.Background(), batch, config.ChannelConfig{Name: "off", Type: ChannelTypeWebhook, URL: "http://127.0.0.1:1"})
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, 0, res.Attempts)

	res = d.Dispatch(context.Background(), batch, config.ChannelConfig{Name: "bad", Type: ChannelTypeWebhook, Enabled: true})
	assert.Equal(t, StatusPermanentFailure, res.Status)
	assert.True(t, system.IsKind(res.Err, system.KindDeliveryFailed))

	res = d.Dispatch(context.Background(), batch, config.ChannelConfig{Name: "pager", Type: "pager", Enabled: true})
	assert.Equal(t, StatusPermanentFailure, res.Status)
}

type panickingChannel struct{}

func (panickingChannel) Name() string                      { return "boom" }
func (panickingChannel) Send(context.Context, Batch) error { panic("boom") }

func TestSafeSend_RecoversPanics(t *testing.T) {
	err := safeSend(context.Background(), panickingChannel{}, Batch{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestWebhook_SignedToken(t *testing.T) {
	ws := newWebhookServer(t)
	d := NewDispatcher(notificationConfig(), noSleep, clock.NewFake(t0))

	batch := Batch{AgentID: "a1", Events: []alertModel.AlertEvent{event("a1", "x1"), event("a1", "x2"), event("a1", "x1")}}
	res := d.Dispatch(context.Background(), batch, config.ChannelConfig{
		Name: "ops", Type: ChannelTypeWebhook, URL: ws.URL, Secret: "hook-secret", Issuer: "monitor", Enabled: true,
		Headers: map[string]string{"X-Team": "sre"},
	})
	require.Equal(t, StatusDelivered, res.Status)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.Len(t, ws.payloads, 1)
	assert.Equal(t, []string{"x1", "x2"}, ws.payloads[0].AlertIDs)
	assert.Len(t, ws.payloads[0].Events, 3)

	token := auth.ExtractTokenFromHeader(ws.auth[0])
	require.NotEmpty(t, token)
	claims, err := auth.NewTokenSigner("hook-secret", "monitor", 0).Verify(token, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "a1", claims.AgentID)
	assert.Equal(t, []string{"x1", "x2"}, claims.AlertIDs)
}

func TestRouter_OneBatchPerAgentPerChannel(t *testing.T) {
	db, err := database.NewTestDB(&alertModel.AlertNotification{})
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	repo := alertRepo.NewNotificationRepository(db)
	ws := newWebhookServer(t)
	cfg := notificationConfig(config.ChannelConfig{Name: "ops", Type: ChannelTypeWebhook, URL: ws.URL, Enabled: true})
	cfg.DefaultChannels = []string{"ops"}
	r := NewRouter(cfg, repo, noSleep, clock.NewFake(t0))

	r.Enqueue(event("a1", "x1"))
	r.Enqueue(event("a1", "x2"))
	r.Enqueue(event("a2", "y1"))
	r.Enqueue(event("a2", "y2", "ops", "log"))
	r.Enqueue(event("a2", "y3", "missing"))
	assert.Equal(t, 5, r.Pending())

	report := r.Flush(context.Background())
	assert.Equal(t, 0, r.Pending())
	// a1/ops, a2/log, a2/missing, a2/ops
	assert.Equal(t, 4, report.Batches)
	assert.Equal(t, 3, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.EqualValues(t, 2, atomic.LoadInt32(&ws.calls))

	ctx := context.Background()
	x1, err := repo.ListByAlert(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, x1, 1)
	assert.Equal(t, alertModel.NotificationSent, x1[0].Status)
	assert.Equal(t, "ops", x1[0].Channel)
	assert.NotNil(t, x1[0].SentAt)

	y2, err := repo.ListByAlert(ctx, "y2")
	require.NoError(t, err)
	assert.Len(t, y2, 2)

	y3, err := repo.ListByAlert(ctx, "y3")
	require.NoError(t, err)
	require.Len(t, y3, 1)
	assert.Equal(t, alertModel.NotificationPermanentFailure, y3[0].Status)
	assert.NotEmpty(t, y3[0].ErrorMessage)

	// 空周期不投递
	assert.Equal(t, FlushReport{}, r.Flush(ctx))
}

func TestRouter_FlushesOnTickAndStop(t *testing.T) {
	clk := clock.NewFake(t0)
	r := NewRouter(notificationConfig(), nil, noSleep, clk)
	ctx := context.Background()

	r.Start(ctx)
	r.Enqueue(event("a1", "x1"))
	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	r.Enqueue(event("a1", "x2"))
	r.Stop()
	assert.Equal(t, 0, r.Pending())
	r.Stop()
}

func TestGroupByChannel_DefaultsToLog(t *testing.T) {
	groups := groupByChannel([]alertModel.AlertEvent{event("a1", "x1"), event("a1", "x2", "ops", "ops")}, nil)
	assert.Len(t, groups[DefaultChannelName], 1)
	assert.Len(t, groups["ops"], 1)
}
