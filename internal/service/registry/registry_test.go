package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmonitor/internal/config"
	agentModel "agentmonitor/internal/model/agent"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/database"
	agentRepo "agentmonitor/internal/repo/mysql/agent"
	auditRepo "agentmonitor/internal/repo/mysql/audit"
)

var t0 = time.Date(2025, 10, 27, 10, 0, 0, 0, time.UTC)

type fakeHot struct {
	samples map[string]*metrics.MetricSample
}

func (f *fakeHot) Latest(_ context.Context, agentID string, n int) ([]*metrics.MetricSample, error) {
	if s, ok := f.samples[agentID]; ok && n > 0 {
		return []*metrics.MetricSample{s}, nil
	}
	return nil, nil
}

// flakyAgents 可以让 last_seen/status 写入失败
type flakyAgents struct {
	agentRepo.AgentRepository
	failWrites atomic.Bool
}

var errStorageDown = errors.New("storage down")

func (r *flakyAgents) UpdateLastSeen(ctx context.Context, agentID string, seenAt time.Time, metricsAt *time.Time) error {
	if r.failWrites.Load() {
		return errStorageDown
	}
	return r.AgentRepository.UpdateLastSeen(ctx, agentID, seenAt, metricsAt)
}

func (r *flakyAgents) UpdateStatus(ctx context.Context, agentID string, status agentModel.AgentStatus, reason string) error {
	if r.failWrites.Load() {
		return errStorageDown
	}
	return r.AgentRepository.UpdateStatus(ctx, agentID, status, reason)
}

type fixture struct {
	svc   RegistryService
	clk   *clock.FakeClock
	hot   *fakeHot
	audit auditRepo.AuditRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewTestDB(&agentModel.Agent{}, &agentModel.AgentConfiguration{}, &system.AuditLog{})
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	clk := clock.NewFake(t0)
	hot := &fakeHot{samples: map[string]*metrics.MetricSample{}}
	audit := auditRepo.NewAuditRepository(db)
	cfg := config.RegistryConfig{
		SweepInterval:  time.Second,
		ErrorGrace:     time.Minute,
		OfflineTimeout: 5 * time.Minute,
		CriticalChecks: []string{"database"},
	}
	svc := NewRegistryService(cfg, agentRepo.NewAgentRepository(db), agentRepo.NewAgentConfigRepository(db), audit, hot, nil, clk)
	return &fixture{svc: svc, clk: clk, hot: hot, audit: audit}
}

func registerReq(name string) *agentModel.RegisterRequest {
	return &agentModel.RegisterRequest{
		Name:           name,
		Type:           agentModel.AgentTypeLLM,
		DeploymentType: agentModel.DeploymentDocker,
		Host:           "10.0.0.5",
		Port:           8080,
		Environment:    "prod",
		Tags:           []string{"gpu"},
	}
}

func (f *fixture) register(t *testing.T, name string) string {
	t.Helper()
	resp, err := f.svc.Register(context.Background(), registerReq(name), "tester")
	require.NoError(t, err)
	return resp.AgentID
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), &agentModel.RegisterRequest{Type: "robot"}, "")
	require.Error(t, err)
	assert.Equal(t, system.KindValidation, system.KindOf(err))

	var appErr *system.AppError
	require.ErrorAs(t, err, &appErr)
	fields := map[string]bool{}
	for _, fe := range appErr.Fields {
		fields[fe.Field] = true
	}
	for _, name := range []string{"name", "type", "deployment_type", "host", "environment"} {
		assert.True(t, fields[name], "missing field error for %s", name)
	}
}

func TestRegister_IdempotentByIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Register(ctx, registerReq("llm-1"), "tester")
	require.NoError(t, err)
	assert.True(t, first.Registered)
	assert.Equal(t, agentModel.AgentStatusUnknown, first.Status)
	assert.Equal(t, "/api/v1/agents/"+first.AgentID+"/metrics", first.Endpoints["metrics"])

	again := registerReq("llm-1")
	again.Tags = []string{"gpu", "batch"}
	again.Config = map[string]interface{}{"max_tokens": float64(4096)}
	second, err := f.svc.Register(ctx, again, "tester")
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.False(t, second.Registered)

	got, err := f.svc.Get(ctx, first.AgentID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gpu", "batch"}, []string(got.Tags))

	cfgRows, err := f.svc.GetConfig(ctx, first.AgentID)
	require.NoError(t, err)
	require.Len(t, cfgRows, 1)
	assert.Equal(t, agentModel.ConfigTypeInteger, cfgRows[0].ConfigType)
	assert.Equal(t, "4096", cfgRows[0].ConfigValue)

	// 不同环境是不同身份
	other := registerReq("llm-1")
	other.Environment = "staging"
	third, err := f.svc.Register(ctx, other, "tester")
	require.NoError(t, err)
	assert.NotEqual(t, first.AgentID, third.AgentID)
}

func TestRegister_SuppliedIDAndRevive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := registerReq("llm-2")
	req.AgentID = "fixed-id"
	resp, err := f.svc.Register(ctx, req, "tester")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", resp.AgentID)

	require.NoError(t, f.svc.Deregister(ctx, "fixed-id", "ops"))
	// 重复注销无副作用
	require.NoError(t, f.svc.Deregister(ctx, "fixed-id", "ops"))

	_, err = f.svc.Heartbeat(ctx, "fixed-id", nil)
	assert.Equal(t, system.KindConflict, system.KindOf(err))

	revived, err := f.svc.Register(ctx, req, "tester")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", revived.AgentID)
	assert.Equal(t, agentModel.AgentStatusUnknown, revived.Status)

	logs, err := f.audit.ListByResource(ctx, "agent", "fixed-id", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 3) // register, deregister, revive
}

func TestHeartbeat_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "hb")

	f.clk.Advance(10 * time.Second)
	ts := f.clk.Now()
	req := &agentModel.HeartbeatRequest{Timestamp: &ts}

	a1, err := f.svc.Heartbeat(ctx, id, req)
	require.NoError(t, err)
	a2, err := f.svc.Heartbeat(ctx, id, req)
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusOnline, a1.Status)
	assert.Equal(t, a1.Status, a2.Status)
	assert.True(t, a1.LastSeen.Equal(a2.LastSeen))

	// 更早的时间戳不会让 last_seen 回退
	older := ts.Add(-5 * time.Second)
	_, err = f.svc.Heartbeat(ctx, id, &agentModel.HeartbeatRequest{Timestamp: &older})
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(ts), "last_seen regressed to %v", got.LastSeen)

	_, err = f.svc.Heartbeat(ctx, "missing", nil)
	assert.Equal(t, system.KindNotFound, system.KindOf(err))

	_, err = f.svc.Heartbeat(ctx, id, &agentModel.HeartbeatRequest{Status: agentModel.AgentStatusOffline})
	assert.Equal(t, system.KindValidation, system.KindOf(err))
}

func TestHeartbeat_InfersFromHealthChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "checks")

	tests := []struct {
		name   string
		checks map[string]bool
		want   agentModel.AgentStatus
	}{
		{"all pass", map[string]bool{"database": true, "cache": true}, agentModel.AgentStatusOnline},
		{"non critical failing", map[string]bool{"database": true, "cache": false}, agentModel.AgentStatusWarning},
		{"critical failing", map[string]bool{"database": false, "cache": true}, agentModel.AgentStatusError},
		{"recovered", map[string]bool{"database": true}, agentModel.AgentStatusOnline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.hot.samples[id] = &metrics.MetricSample{AgentID: id, HealthChecks: tt.checks}
			got, err := f.svc.Heartbeat(ctx, id, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}

	// 显式状态优先
	got, err := f.svc.Heartbeat(ctx, id, &agentModel.HeartbeatRequest{Status: agentModel.AgentStatusWarning})
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusWarning, got.Status)
}

func TestApplyAlertSeverity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "alerts")

	// unknown 状态不受告警影响
	require.NoError(t, f.svc.ApplyAlertSeverity(ctx, id, alertModel.SeverityCritical))
	got, _ := f.svc.Get(ctx, id)
	assert.Equal(t, agentModel.AgentStatusUnknown, got.Status)

	// 心跳后 critical 告警仍在，取更严重者
	got, err := f.svc.Heartbeat(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusError, got.Status)

	require.NoError(t, f.svc.ApplyAlertSeverity(ctx, id, alertModel.SeverityWarning))
	got, _ = f.svc.Get(ctx, id)
	assert.Equal(t, agentModel.AgentStatusWarning, got.Status)

	require.NoError(t, f.svc.ApplyAlertSeverity(ctx, id, ""))
	got, _ = f.svc.Get(ctx, id)
	assert.Equal(t, agentModel.AgentStatusOnline, got.Status)

	// 自监控告警不对应 Agent
	assert.NoError(t, f.svc.ApplyAlertSeverity(ctx, alertModel.SystemAgentID, alertModel.SeverityCritical))
	assert.Equal(t, system.KindNotFound, system.KindOf(f.svc.ApplyAlertSeverity(ctx, "missing", "")))
}

func TestSweep_ErrorThenOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	live := f.register(t, "live")
	quiet := f.register(t, "quiet")
	maint := f.register(t, "maint")

	for _, id := range []string{live, quiet, maint} {
		_, err := f.svc.Heartbeat(ctx, id, nil)
		require.NoError(t, err)
	}
	_, err := f.svc.SetMaintenance(ctx, maint, true, "upgrade", "ops")
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	_, err = f.svc.Heartbeat(ctx, live, nil)
	require.NoError(t, err)

	changed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	got, _ := f.svc.Get(ctx, quiet)
	assert.Equal(t, agentModel.AgentStatusError, got.Status)

	// 扫描幂等
	changed, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	f.clk.Advance(4 * time.Minute)
	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	got, _ = f.svc.Get(ctx, quiet)
	assert.Equal(t, agentModel.AgentStatusOffline, got.Status)
	got, _ = f.svc.Get(ctx, maint)
	assert.Equal(t, agentModel.AgentStatusMaintenance, got.Status)

	// 离线后下一次心跳恢复 online
	got, err = f.svc.Heartbeat(ctx, quiet, nil)
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusOnline, got.Status)
}

func TestSetMaintenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "m")

	got, err := f.svc.SetMaintenance(ctx, id, true, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusMaintenance, got.Status)

	// 维护期间心跳只更新 last_seen
	got, err = f.svc.Heartbeat(ctx, id, &agentModel.HeartbeatRequest{Status: agentModel.AgentStatusOnline})
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusMaintenance, got.Status)

	got, err = f.svc.SetMaintenance(ctx, id, false, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusUnknown, got.Status)

	got, err = f.svc.Heartbeat(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusOnline, got.Status)
}

func TestUpdateConfig_MasksSecrets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "cfg")

	rows, err := f.svc.UpdateConfig(ctx, id, &agentModel.ConfigUpdateRequest{
		Config: map[string]interface{}{
			"api_token":   "abc123",
			"temperature": 0.7,
			"streaming":   true,
			"endpoint":    "http://model:9000",
			"routing":     map[string]interface{}{"primary": "a"},
		},
		Secrets: []string{"endpoint"},
	}, "ops")
	require.NoError(t, err)
	require.Len(t, rows, 5)

	byKey := map[string]agentModel.AgentConfiguration{}
	for _, r := range rows {
		byKey[r.ConfigKey] = r
	}
	assert.Equal(t, agentModel.SecretMask, byKey["api_token"].ConfigValue)
	assert.Equal(t, agentModel.SecretMask, byKey["endpoint"].ConfigValue)
	assert.Equal(t, agentModel.ConfigTypeFloat, byKey["temperature"].ConfigType)
	assert.Equal(t, "true", byKey["streaming"].ConfigValue)
	assert.Equal(t, agentModel.ConfigTypeJSON, byKey["routing"].ConfigType)

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agentModel.SecretMask, got.Config["api_token"])

	_, err = f.svc.UpdateConfig(ctx, id, &agentModel.ConfigUpdateRequest{}, "ops")
	assert.Equal(t, system.KindValidation, system.KindOf(err))
}

func TestListAndSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c"} {
		f.register(t, name)
	}

	resp, err := f.svc.List(ctx, agentModel.ListFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Agents, 2)
	assert.Equal(t, 1, resp.Page)

	_, err = f.svc.List(ctx, agentModel.ListFilter{Status: "sleeping"})
	assert.Equal(t, system.KindBadRequest, system.KindOf(err))

	id := resp.Agents[0].AgentID
	_, err = f.svc.Heartbeat(ctx, id, nil)
	require.NoError(t, err)
	f.clk.Advance(3 * time.Minute)
	summary, err := f.svc.Summary(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, summary.HealthScore, 1e-9)
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		status agentModel.AgentStatus
		since  time.Duration
		want   float64
	}{
		{agentModel.AgentStatusOnline, 0, 1.0},
		{agentModel.AgentStatusOnline, 3 * time.Minute, 0.9},
		{agentModel.AgentStatusOnline, 10 * time.Minute, 0.8},
		{agentModel.AgentStatusWarning, 0, 0.7},
		{agentModel.AgentStatusError, 0, 0.3},
		{agentModel.AgentStatusOffline, 0, 0},
		{agentModel.AgentStatusMaintenance, 0, 0.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, HealthScore(tt.status, tt.since), 1e-9, "%s/%v", tt.status, tt.since)
	}
}

func TestSweeper_StartStopRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.register(t, "sw")
	_, err := f.svc.Heartbeat(ctx, id, nil)
	require.NoError(t, err)

	sw := NewSweeper(f.svc, 10*time.Second, f.clk)
	sw.Start(ctx)
	sw.Start(ctx)
	assert.True(t, sw.Running())

	f.clk.Advance(10 * time.Minute)
	assert.Eventually(t, func() bool {
		got, _ := f.svc.Get(ctx, id)
		return got.Status == agentModel.AgentStatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	sw.Stop()
	assert.False(t, sw.Running())
	sw.Stop()

	cctx, cancel := context.WithCancel(ctx)
	sw.Start(cctx)
	assert.True(t, sw.Running())
	cancel()
	sw.Stop()
}

func TestTouch_DefersWritesWhenStorageFails(t *testing.T) {
	ctx := context.Background()
	db, err := database.NewTestDB(&agentModel.Agent{}, &agentModel.AgentConfiguration{}, &system.AuditLog{})
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	clk := clock.NewFake(t0)
	agents := &flakyAgents{AgentRepository: agentRepo.NewAgentRepository(db)}
	svc := NewRegistryService(config.RegistryConfig{ErrorGrace: time.Minute, OfflineTimeout: 5 * time.Minute},
		agents, agentRepo.NewAgentConfigRepository(db), auditRepo.NewAuditRepository(db), nil, nil, clk)

	resp, err := svc.Register(ctx, registerReq("flaky"), "tester")
	require.NoError(t, err)
	id := resp.AgentID
	got, err := svc.Touch(ctx, id, clk.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusOnline, got.Status)

	agents.failWrites.Store(true)
	clk.Advance(2 * time.Minute)
	touchedAt := clk.Now()
	got, err = svc.Touch(ctx, id, touchedAt, map[string]bool{"database": false})
	require.NoError(t, err)
	assert.True(t, got.LastSeen.Equal(touchedAt))
	// 状态未能写入，保持原值
	assert.Equal(t, agentModel.AgentStatusOnline, got.Status)

	// 写入仍失败时，扫描以待重试的 last_seen 为准，不会误判超时
	changed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	agents.failWrites.Store(false)
	changed, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
	stored, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, stored.LastSeen.Equal(touchedAt), "last_seen %v", stored.LastSeen)
	require.NotNil(t, stored.LastMetricsAt)
	assert.True(t, stored.LastMetricsAt.Equal(touchedAt))

	// 存储恢复后下一次上报补写状态
	got, err = svc.Touch(ctx, id, clk.Now(), map[string]bool{"database": false})
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusWarning, got.Status)
	stored, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agentModel.AgentStatusWarning, stored.Status)
}
