package alert

import (
	"context"
	"sync"
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
	"agentmonitor/internal/pkg/rule_engine"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
	auditRepo "agentmonitor/internal/repo/mysql/audit"
)

var t0 = time.Date(2025, 10, 27, 10, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mu         sync.Mutex
	agents     map[string]*agentModel.Agent
	severities map[string]alertModel.Severity
	applied    int
}

func newFakeDirectory(agents ...*agentModel.Agent) *fakeDirectory {
	d := &fakeDirectory{agents: map[string]*agentModel.Agent{}, severities: map[string]alertModel.Severity{}}
	for _, a := range agents {
		d.agents[a.AgentID] = a
	}
	return d
}

func (d *fakeDirectory) Get(_ context.Context, agentID string) (*agentModel.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return nil, system.NewNotFoundError(system.ErrAgentNotFound, "agent %s not found", agentID)
	}
	cp := *a
	return &cp, nil
}

func (d *fakeDirectory) ApplyAlertSeverity(_ context.Context, agentID string, severity alertModel.Severity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.severities[agentID] = severity
	d.applied++
	return nil
}

func (d *fakeDirectory) setStatus(agentID string, status agentModel.AgentStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agentID].Status = status
}

func (d *fakeDirectory) severity(agentID string) alertModel.Severity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.severities[agentID]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alertModel.AlertEvent
}

func (n *recordingNotifier) Enqueue(event alertModel.AlertEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(t alertModel.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == t {
			c++
		}
	}
	return c
}

type fixture struct {
	engine   *engine
	dir      *fakeDirectory
	notifier *recordingNotifier
	clk      *clock.FakeClock
	audit    auditRepo.AuditRepository
}

func testAgent(id, env string) *agentModel.Agent {
	return &agentModel.Agent{AgentID: id, Name: id, Type: agentModel.AgentTypeLLM, Environment: env, Status: agentModel.AgentStatusOnline}
}

func newFixture(t *testing.T, cfg config.AlertConfig) *fixture {
	t.Helper()
	db, err := database.NewTestDB(&alertModel.AlertRule{}, &alertModel.AlertInstance{}, &system.AuditLog{})
	if err != nil {
		t.Fatalf("open test db failed: %v", err)
	}
	clk := clock.NewFake(t0)
	dir := newFakeDirectory(testAgent("a1", "prod"), testAgent("a2", "staging"))
	notifier := &recordingNotifier{}
	audit := auditRepo.NewAuditRepository(db)
	eng := NewAlertEngine(cfg,
		alertRepo.NewAlertRuleRepository(db),
		alertRepo.NewAlertInstanceRepository(db),
		audit, dir, notifier, clk).(*engine)
	return &fixture{engine: eng, dir: dir, notifier: notifier, clk: clk, audit: audit}
}

func defaultConfig() config.AlertConfig {
	return config.AlertConfig{
		SweepInterval:        10 * time.Second,
		DefaultResolveAfter:  60 * time.Second,
		DefaultEscalateAfter: 10 * time.Minute,
	}
}

func float(v float64) *float64 { return &v }

func cpuRule(t *testing.T, f *fixture, id string, threshold float64) *alertModel.AlertRule {
	t.Helper()
	rule, err := f.engine.CreateRule(context.Background(), &alertModel.CreateRuleRequest{
		RuleID:    id,
		Name:      "High CPU",
		Metric:    metrics.MetricCPUUsagePercent,
		Operator:  "gt",
		Threshold: float(threshold),
		Severity:  alertModel.SeverityWarning,
	}, "ops")
	require.NoError(t, err)
	return rule
}

func cpuSample(cpu float64) *metrics.MetricSample {
	return &metrics.MetricSample{
		Resource:    metrics.ResourceMetrics{CPUUsagePercent: cpu, MemoryUsagePercent: 40},
		Performance: metrics.PerformanceMetrics{AverageResponseTimeMs: 100},
	}
}

func openAlerts(t *testing.T, f *fixture) []*alertModel.AlertInstance {
	t.Helper()
	out, err := f.engine.List(context.Background(), alertModel.ListFilter{ActiveOnly: true})
	require.NoError(t, err)
	return out
}

func TestEvaluate_AtMostOneOpenAlertPerRuleAndAgent(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			assert.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(v)))
		}(90 + float64(i))
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Second)
		require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(99)))
	}

	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, "high_cpu", open[0].RuleID)
	assert.Equal(t, alertModel.StateActive, open[0].State)
	assert.Equal(t, 99.0, open[0].CurrentValue)
	assert.Equal(t, 80.0, open[0].ThresholdAtTrigger)
	assert.Equal(t, 1, f.notifier.count(alertModel.EventTriggered))
	assert.Equal(t, alertModel.SeverityWarning, f.dir.severity("a1"))
}

func TestEvaluate_ResolutionDebounce(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	f.clk.Advance(time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))

	// 短暂恢复后再次为真，false_since 被清除
	f.clk.Advance(10 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(50)))
	open := openAlerts(t, f)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].FalseSince)

	f.clk.Advance(30 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	open = openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Nil(t, open[0].FalseSince)
	alertID := open[0].AlertID

	f.clk.Advance(10 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(50)))
	f.clk.Advance(59 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(50)))
	require.Len(t, openAlerts(t, f), 1, "resolved before resolve_after elapsed")

	f.clk.Advance(time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(50)))
	assert.Empty(t, openAlerts(t, f))

	inst, err := f.engine.Get(ctx, alertID)
	require.NoError(t, err)
	assert.Equal(t, alertModel.StateResolved, inst.State)
	assert.Equal(t, "system", inst.ResolvedBy)
	assert.Equal(t, 1, f.notifier.count(alertModel.EventResolved))
	assert.Equal(t, alertModel.Severity(""), f.dir.severity("a1"))

	// 再次触发产生新实例
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	open = openAlerts(t, f)
	require.Len(t, open, 1)
	assert.NotEqual(t, alertID, open[0].AlertID)
}

func TestSweep_ResolvesDebouncedAlerts(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	f.clk.Advance(time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(10)))

	f.clk.Advance(30 * time.Second)
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)

	f.clk.Advance(30 * time.Second)
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Empty(t, openAlerts(t, f))
}

func TestEvaluate_CompositeCondition(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, err := f.engine.CreateRule(ctx, &alertModel.CreateRuleRequest{
		RuleID: "overload",
		Name:   "CPU and memory overload",
		Condition: &rule_engine.Condition{
			Logic: rule_engine.LogicAnd,
			Conditions: []rule_engine.Condition{
				{Metric: metrics.MetricCPUUsagePercent, Op: rule_engine.OpGreater, Threshold: 80},
				{Metric: metrics.MetricMemoryUsagePercent, Op: rule_engine.OpGreater, Threshold: 90},
			},
		},
		Severity: alertModel.SeverityCritical,
	}, "ops")
	require.NoError(t, err)

	s := cpuSample(85)
	s.Resource.MemoryUsagePercent = 50
	require.NoError(t, f.engine.Evaluate(ctx, "a1", s))
	assert.Empty(t, openAlerts(t, f))

	s.Resource.MemoryUsagePercent = 95
	require.NoError(t, f.engine.Evaluate(ctx, "a1", s))
	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, alertModel.SeverityCritical, open[0].Severity)
	assert.Equal(t, alertModel.SeverityCritical, f.dir.severity("a1"))

	// 窗口缺少内存指标，and 条件不成立
	require.NoError(t, f.engine.EvaluateWindow(ctx, "a2", map[string]float64{metrics.MetricCPUUsagePercent: 99}, t0))
	open = openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, "a1", open[0].AgentID)

	require.NoError(t, f.engine.EvaluateWindow(ctx, "a2", map[string]float64{
		metrics.MetricCPUUsagePercent:    99,
		metrics.MetricMemoryUsagePercent: 91,
	}, t0))
	assert.Len(t, openAlerts(t, f), 2)
}

func TestEvaluate_RuleScope(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, err := f.engine.CreateRule(ctx, &alertModel.CreateRuleRequest{
		RuleID:       "prod_cpu",
		Name:         "Prod CPU",
		Metric:       metrics.MetricCPUUsagePercent,
		Operator:     "ge",
		Threshold:    float(80),
		Severity:     alertModel.SeverityError,
		Environments: []string{"prod"},
	}, "ops")
	require.NoError(t, err)

	require.NoError(t, f.engine.Evaluate(ctx, "a2", cpuSample(95)))
	assert.Empty(t, openAlerts(t, f))
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(80)))
	assert.Len(t, openAlerts(t, f), 1)
}

func TestEvaluate_ForDuration(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, err := f.engine.CreateRule(ctx, &alertModel.CreateRuleRequest{
		RuleID:      "sustained_cpu",
		Name:        "Sustained CPU",
		Metric:      metrics.MetricCPUUsagePercent,
		Operator:    "gt",
		Threshold:   float(80),
		Severity:    alertModel.SeverityWarning,
		ForDuration: 30,
	}, "ops")
	require.NoError(t, err)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	f.clk.Advance(10 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	assert.Equal(t, alertModel.StateTriggered, openAlerts(t, f)[0].State)

	f.clk.Advance(25 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	open := openAlerts(t, f)
	assert.Equal(t, alertModel.StateActive, open[0].State)
	require.NotNil(t, open[0].ActivatedAt)
}

func TestSweep_PromotesAndEscalates(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	f.clk.Advance(time.Second)
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Escalated)

	f.clk.Advance(5 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(96)))
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, alertModel.StateEscalated, open[0].State)
	assert.Equal(t, alertModel.SeverityError, open[0].Severity)
	assert.Equal(t, 1, f.notifier.count(alertModel.EventEscalated))
	assert.Equal(t, alertModel.SeverityError, f.dir.severity("a1"))

	// 已升级的实例不会重复升级
	f.clk.Advance(20 * time.Minute)
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Escalated)
}

func TestSweep_NoEscalationWhileConditionFalse(t *testing.T) {
	cfg := defaultConfig()
	cfg.DefaultResolveAfter = 30 * time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	f.clk.Advance(time.Second)
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Promoted)

	// 条件转为假，处于恢复去抖期
	f.clk.Advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(10)))

	f.clk.Advance(10 * time.Minute)
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Escalated)

	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, alertModel.StateActive, open[0].State)
	assert.Equal(t, alertModel.SeverityWarning, open[0].Severity)
	assert.NotNil(t, open[0].FalseSince)
	assert.Equal(t, 0, f.notifier.count(alertModel.EventEscalated))

	// 再次为真后恢复升级计时条件
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(97)))
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)
}

func TestSweep_NoEscalationOnStaleObservation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	f.clk.Advance(time.Second)
	_, err := f.engine.Sweep(ctx)
	require.NoError(t, err)

	// 之后没有任何观测，不能算作持续为真
	f.clk.Advance(15 * time.Minute)
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Escalated)
	assert.Equal(t, alertModel.StateActive, openAlerts(t, f)[0].State)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	_, err := f.engine.Acknowledge(ctx, "missing", "alice")
	assert.True(t, system.IsKind(err, system.KindNotFound), "got %v", err)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	alertID := openAlerts(t, f)[0].AlertID

	inst, err := f.engine.Acknowledge(ctx, alertID, "alice")
	require.NoError(t, err)
	assert.Equal(t, alertModel.StateAcknowledged, inst.State)
	assert.Equal(t, "alice", inst.AcknowledgedBy)
	ackedAt := *inst.AcknowledgedAt

	f.clk.Advance(time.Minute)
	again, err := f.engine.Acknowledge(ctx, alertID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.AcknowledgedBy)
	assert.True(t, again.AcknowledgedAt.Equal(ackedAt))

	// 确认后不再升级
	f.clk.Advance(time.Hour)
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Escalated)

	// 但仍然会恢复
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(10)))
	f.clk.Advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(10)))
	assert.Empty(t, openAlerts(t, f))

	_, err = f.engine.Acknowledge(ctx, alertID, "alice")
	assert.True(t, system.IsKind(err, system.KindConflict), "got %v", err)

	logs, err := f.audit.ListByResource(ctx, "alert", alertID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, system.AuditAcknowledge, logs[0].Action)
}

func TestResolve_Manual(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	alertID := openAlerts(t, f)[0].AlertID

	inst, err := f.engine.Resolve(ctx, alertID, "alice")
	require.NoError(t, err)
	assert.Equal(t, alertModel.StateResolved, inst.State)
	assert.Equal(t, "alice", inst.ResolvedBy)
	assert.Equal(t, alertModel.Severity(""), f.dir.severity("a1"))

	again, err := f.engine.Resolve(ctx, alertID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.ResolvedBy)

	_, err = f.engine.Resolve(ctx, "missing", "bob")
	assert.True(t, system.IsKind(err, system.KindNotFound))
}

func TestSweep_DisabledRuleAndOfflineAgents(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResolveOnOffline = true
	f := newFixture(t, cfg)
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)
	cpuRule(t, f, "very_high_cpu", 90)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	require.NoError(t, f.engine.Evaluate(ctx, "a2", cpuSample(85)))
	require.Len(t, openAlerts(t, f), 3)

	_, err := f.engine.DisableRule(ctx, "very_high_cpu", "ops")
	require.NoError(t, err)
	f.dir.setStatus("a2", agentModel.AgentStatusOffline)

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Resolved)

	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, "a1", open[0].AgentID)
	assert.Equal(t, "high_cpu", open[0].RuleID)

	// 停用规则不再评估
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(99)))
	assert.Len(t, openAlerts(t, f), 1)
}

func TestSweep_OfflineAgentsKeepAlertsByDefault(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)
	require.NoError(t, f.engine.Evaluate(ctx, "a2", cpuSample(85)))
	f.dir.setStatus("a2", agentModel.AgentStatusOffline)

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)
	assert.Len(t, openAlerts(t, f), 1)
}

func TestSystemAlerts(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	require.NoError(t, f.engine.RaiseSystemAlert(ctx, "storage_flush", "warm store unavailable"))
	require.NoError(t, f.engine.RaiseSystemAlert(ctx, "storage_flush", "warm store still unavailable"))

	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, alertModel.SystemAgentID, open[0].AgentID)
	assert.Equal(t, "system.storage_flush", open[0].RuleID)
	assert.Equal(t, alertModel.StateActive, open[0].State)
	assert.Equal(t, alertModel.SeverityCritical, open[0].Severity)
	assert.Equal(t, "warm store still unavailable", open[0].Message)
	assert.Equal(t, 0, f.dir.applied)

	// 自监控告警不受规则停用扫描影响
	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)

	require.NoError(t, f.engine.ClearSystemAlert(ctx, "storage_flush"))
	require.NoError(t, f.engine.ClearSystemAlert(ctx, "storage_flush"))
	assert.Empty(t, openAlerts(t, f))
	assert.Equal(t, 1, f.notifier.count(alertModel.EventResolved))
}

func TestCreateRule_Validation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		req  *alertModel.CreateRuleRequest
	}{
		{"unknown metric", &alertModel.CreateRuleRequest{Name: "x", Metric: "bogus", Operator: "gt", Threshold: float(1), Severity: alertModel.SeverityInfo}},
		{"bad operator", &alertModel.CreateRuleRequest{Name: "x", Metric: metrics.MetricCPUUsagePercent, Operator: "between", Threshold: float(1), Severity: alertModel.SeverityInfo}},
		{"bad severity", &alertModel.CreateRuleRequest{Name: "x", Metric: metrics.MetricCPUUsagePercent, Operator: "gt", Threshold: float(1), Severity: "fatal"}},
		{"missing condition", &alertModel.CreateRuleRequest{Name: "x", Severity: alertModel.SeverityInfo}},
		{"reserved id", &alertModel.CreateRuleRequest{RuleID: "system.flush", Name: "x", Metric: metrics.MetricCPUUsagePercent, Operator: "gt", Threshold: float(1), Severity: alertModel.SeverityInfo}},
		{"nested composite", &alertModel.CreateRuleRequest{Name: "x", Severity: alertModel.SeverityInfo, Condition: &rule_engine.Condition{
			Logic: rule_engine.LogicOr,
			Conditions: []rule_engine.Condition{{
				Logic:      rule_engine.LogicAnd,
				Conditions: []rule_engine.Condition{{Metric: metrics.MetricCPUUsagePercent, Op: rule_engine.OpGreater, Threshold: 1}},
			}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateRule(ctx, tc.req, "ops")
			assert.True(t, system.IsKind(err, system.KindValidation), "got %v", err)
		})
	}

	cpuRule(t, f, "high_cpu", 80)
	_, err := f.engine.CreateRule(ctx, &alertModel.CreateRuleRequest{
		RuleID: "high_cpu", Name: "dup", Metric: metrics.MetricCPUUsagePercent, Operator: "gt", Threshold: float(1), Severity: alertModel.SeverityInfo,
	}, "ops")
	assert.True(t, system.IsKind(err, system.KindConflict), "got %v", err)
}

func TestUpdateRule(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)

	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(85)))

	rule, err := f.engine.UpdateRule(ctx, "high_cpu", &alertModel.UpdateRuleRequest{Threshold: float(90)}, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, rule.Version)
	assert.Equal(t, 90.0, rule.Condition.Tree().Threshold)

	// 已有实例保留触发时的阈值
	open := openAlerts(t, f)
	require.Len(t, open, 1)
	assert.Equal(t, 80.0, open[0].ThresholdAtTrigger)
	assert.Equal(t, 1, open[0].RuleVersion)

	_, err = f.engine.UpdateRule(ctx, "high_cpu", &alertModel.UpdateRuleRequest{Thresholds: map[string]float64{metrics.MetricErrorRate: 0.1}}, "ops")
	assert.True(t, system.IsKind(err, system.KindValidation), "got %v", err)

	_, err = f.engine.UpdateRule(ctx, "high_cpu", &alertModel.UpdateRuleRequest{}, "ops")
	assert.True(t, system.IsKind(err, system.KindValidation), "got %v", err)

	_, err = f.engine.UpdateRule(ctx, "missing", &alertModel.UpdateRuleRequest{Threshold: float(1)}, "ops")
	assert.True(t, system.IsKind(err, system.KindNotFound), "got %v", err)

	_, err = f.engine.UpdateRule(ctx, "system.storage_flush", &alertModel.UpdateRuleRequest{Threshold: float(1)}, "ops")
	assert.True(t, system.IsKind(err, system.KindConflict), "got %v", err)

	logs, err := f.audit.ListByResource(ctx, "alert_rule", "high_cpu", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))
	require.NoError(t, f.engine.Evaluate(ctx, "a2", cpuSample(95)))

	out, err := f.engine.List(ctx, alertModel.ListFilter{AgentID: "a2"})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = f.engine.List(ctx, alertModel.ListFilter{State: "sleeping"})
	assert.True(t, system.IsKind(err, system.KindBadRequest))
	_, err = f.engine.List(ctx, alertModel.ListFilter{Severity: "fatal"})
	assert.True(t, system.IsKind(err, system.KindBadRequest))

	counts, err := f.engine.CountOpenByAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a1": 1, "a2": 1}, counts)
}

func TestScheduler_SweepsOnTick(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	cpuRule(t, f, "high_cpu", 80)
	require.NoError(t, f.engine.Evaluate(ctx, "a1", cpuSample(95)))

	s := NewScheduler(f.engine, 10*time.Second, f.clk)
	s.Start(ctx)
	s.Start(ctx)
	f.clk.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		open := openAlerts(t, f)
		return len(open) == 1 && open[0].State == alertModel.StateActive
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
