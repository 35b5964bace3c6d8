/**
 * 告警规则引擎
 * @author: sun977
 * @date: 2025.10.29
 * @description: 按样本/聚合窗口评估规则，维护告警实例生命周期(触发、激活、升级、确认、恢复)，
 *               自监控告警，状态变化后通知注册中心和通知路由
 * @func: 规则管理、Evaluate/EvaluateWindow、Sweep、Acknowledge/Resolve、RaiseSystemAlert/ClearSystemAlert
 */
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"agentmonitor/internal/config"
	agentModel "agentmonitor/internal/model/agent"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/keylock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/rule_engine"
	"agentmonitor/internal/pkg/utils"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
	auditRepo "agentmonitor/internal/repo/mysql/audit"
)

// systemActor 引擎自动操作的操作者
const systemActor = "system"

// AgentDirectory 引擎依赖的注册中心操作，Agent 状态只由注册中心写入
type AgentDirectory interface {
	Get(ctx context.Context, agentID string) (*agentModel.Agent, error)
	ApplyAlertSeverity(ctx context.Context, agentID string, severity alertModel.Severity) error
}

// Notifier 通知路由入口，不阻塞
type Notifier interface {
	Enqueue(event alertModel.AlertEvent)
}

// SweepReport 一次生命周期扫描的结果
type SweepReport struct {
	Promoted  int `json:"promoted"`
	Escalated int `json:"escalated"`
	Resolved  int `json:"resolved"`
}

// AlertEngine 告警引擎接口
type AlertEngine interface {
	CreateRule(ctx context.Context, req *alertModel.CreateRuleRequest, actor string) (*alertModel.AlertRule, error)
	UpdateRule(ctx context.Context, ruleID string, req *alertModel.UpdateRuleRequest, actor string) (*alertModel.AlertRule, error)
	DisableRule(ctx context.Context, ruleID, actor string) (*alertModel.AlertRule, error)
	GetRule(ctx context.Context, ruleID string) (*alertModel.AlertRule, error)
	ListRules(ctx context.Context) ([]*alertModel.AlertRule, error)
	ReloadRules(ctx context.Context) error

	Evaluate(ctx context.Context, agentID string, sample *metrics.MetricSample) error
	EvaluateWindow(ctx context.Context, agentID string, window map[string]float64, at time.Time) error
	Sweep(ctx context.Context) (SweepReport, error)

	Acknowledge(ctx context.Context, alertID, by string) (*alertModel.AlertInstance, error)
	Resolve(ctx context.Context, alertID, by string) (*alertModel.AlertInstance, error)
	RaiseSystemAlert(ctx context.Context, key, message string) error
	ClearSystemAlert(ctx context.Context, key string) error

	List(ctx context.Context, filter alertModel.ListFilter) ([]*alertModel.AlertInstance, error)
	Get(ctx context.Context, alertID string) (*alertModel.AlertInstance, error)
	CountOpenByAgent(ctx context.Context) (map[string]int, error)

	UpdateSettings(cfg config.AlertConfig)
}

type engine struct {
	ruleRepo     alertRepo.AlertRuleRepository
	instanceRepo alertRepo.AlertInstanceRepository
	auditRepo    auditRepo.AuditRepository
	agents       AgentDirectory
	notifier     Notifier
	clock        clock.Clock
	locks        *keylock.KeyLock

	settingsMu sync.RWMutex
	settings   config.AlertConfig

	rulesMu     sync.RWMutex
	rules       []*alertModel.AlertRule
	rulesLoaded bool
}

// NewAlertEngine 创建告警引擎，notifier/auditRepo 可以为 nil
func NewAlertEngine(
	cfg config.AlertConfig,
	ruleRepo alertRepo.AlertRuleRepository,
	instanceRepo alertRepo.AlertInstanceRepository,
	auditRepository auditRepo.AuditRepository,
	agents AgentDirectory,
	notifier Notifier,
	clk clock.Clock,
) AlertEngine {
	if clk == nil {
		clk = clock.Real()
	}
	return &engine{
		ruleRepo:     ruleRepo,
		instanceRepo: instanceRepo,
		auditRepo:    auditRepository,
		agents:       agents,
		notifier:     notifier,
		clock:        clk,
		locks:        keylock.New(),
		settings:     cfg,
	}
}

// UpdateSettings 热更新防抖/升级默认值
func (e *engine) UpdateSettings(cfg config.AlertConfig) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.settings = cfg
}

func (e *engine) cfg() config.AlertConfig {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

func (e *engine) resolveAfter(rule *alertModel.AlertRule) time.Duration {
	if rule != nil && rule.ResolveAfter > 0 {
		return time.Duration(rule.ResolveAfter) * time.Second
	}
	return e.cfg().DefaultResolveAfter
}

func (e *engine) escalateAfter(rule *alertModel.AlertRule) time.Duration {
	if rule != nil && rule.EscalateAfter > 0 {
		return time.Duration(rule.EscalateAfter) * time.Second
	}
	return e.cfg().DefaultEscalateAfter
}

func forDuration(rule *alertModel.AlertRule) time.Duration {
	if rule == nil {
		return 0
	}
	return time.Duration(rule.ForDuration) * time.Second
}

// ============================================================================
// 评估
// ============================================================================

// Evaluate 在单个样本上评估作用于该Agent的全部启用规则
func (e *engine) Evaluate(ctx context.Context, agentID string, sample *metrics.MetricSample) error {
	if sample == nil {
		return nil
	}
	return e.evaluate(ctx, agentID, sample.Flatten(), map[string]interface{}{
		"source": "sample",
		"seq":    sample.Seq,
	})
}

// EvaluateWindow 在一个聚合窗口上评估，组合条件的各子条件使用同一窗口
func (e *engine) EvaluateWindow(ctx context.Context, agentID string, window map[string]float64, at time.Time) error {
	return e.evaluate(ctx, agentID, window, map[string]interface{}{
		"source":     "window",
		"window_end": at.UTC().Format(time.RFC3339Nano),
	})
}

func (e *engine) evaluate(ctx context.Context, agentID string, values map[string]float64, details map[string]interface{}) error {
	agentData, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agentData == nil || agentData.IsDeregistered() {
		return nil
	}
	rules, err := e.enabledRules(ctx)
	if err != nil {
		return err
	}

	changed := false
	for _, rule := range rules {
		if !rule.AppliesTo(agentID, agentData.Environment, string(agentData.Type)) {
			continue
		}
		res, err := rule_engine.Evaluate(rule.Condition.Tree(), values)
		if err != nil {
			// 单条规则出错不影响其他规则
			logger.LogError(err, "", "", "service.alert.Evaluate", "", map[string]interface{}{
				"operation": "evaluate_rule",
				"rule_id":   rule.RuleID,
				"agent_id":  agentID,
			})
			continue
		}
		c, err := e.observe(ctx, rule, agentID, res, details)
		if err != nil {
			logger.LogError(err, "", "", "service.alert.Evaluate", "", map[string]interface{}{
				"operation": "observe_rule",
				"rule_id":   rule.RuleID,
				"agent_id":  agentID,
			})
			continue
		}
		changed = changed || c
	}
	if changed {
		e.syncAgentSeverity(ctx, agentID)
	}
	return nil
}

// observe 记录一次条件观测，返回实例状态是否变化
func (e *engine) observe(ctx context.Context, rule *alertModel.AlertRule, agentID string, res rule_engine.Result, details map[string]interface{}) (bool, error) {
	unlock := e.locks.Lock(alertModel.ActiveKeyFor(rule.RuleID, agentID))
	defer unlock()

	now := e.clock.Now().UTC()
	inst, err := e.instanceRepo.GetOpen(ctx, rule.RuleID, agentID)
	if err != nil {
		return false, err
	}

	if res.Matched {
		if inst == nil {
			_, err := e.trigger(ctx, rule, agentID, res, details, now)
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, system.ErrDuplicateActive) {
				return false, err
			}
			// 并发插入，读取已存在的实例原地更新
			if inst, err = e.instanceRepo.GetOpen(ctx, rule.RuleID, agentID); err != nil || inst == nil {
				return false, err
			}
		}
		return e.holdTrue(ctx, rule, inst, res, now)
	}

	if inst == nil {
		return false, nil
	}
	if inst.FalseSince == nil {
		inst.FalseSince = &now
		if err := e.instanceRepo.Save(ctx, inst); err != nil {
			return false, err
		}
	}
	if now.Sub(*inst.FalseSince) >= e.resolveAfter(rule) {
		if err := e.resolve(ctx, inst, rule, systemActor, "condition cleared", now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (e *engine) trigger(ctx context.Context, rule *alertModel.AlertRule, agentID string, res rule_engine.Result, details map[string]interface{}, now time.Time) (*alertModel.AlertInstance, error) {
	key := alertModel.ActiveKeyFor(rule.RuleID, agentID)
	cond := rule.Condition.Tree()
	metric := res.Metric
	if metric == "" {
		metric = rule.Metric
	}
	d := make(map[string]interface{}, len(details)+2)
	for k, v := range details {
		d[k] = v
	}
	d["condition"] = cond.String()
	d["metric"] = metric

	inst := &alertModel.AlertInstance{
		AlertID:            uuid.New().String(),
		RuleID:             rule.RuleID,
		AgentID:            agentID,
		ActiveKey:          &key,
		State:              alertModel.StateTriggered,
		Severity:           rule.Severity,
		Message:            fmt.Sprintf("%s: %s (value %g)", rule.Name, cond.String(), res.Value),
		CurrentValue:       res.Value,
		ThresholdAtTrigger: thresholdFor(cond, metric),
		RuleVersion:        rule.Version,
		TriggeredAt:        now,
		LastTrueAt:         now,
		Details:            d,
	}
	if err := e.instanceRepo.Create(ctx, inst); err != nil {
		return nil, err
	}
	logger.LogSystemEvent("alert", "triggered", inst.Message, logrus.WarnLevel, map[string]interface{}{
		"alert_id": inst.AlertID,
		"rule_id":  rule.RuleID,
		"agent_id": agentID,
		"severity": string(inst.Severity),
	})
	e.notify(ctx, alertModel.EventTriggered, inst, rule)
	return inst, nil
}

// holdTrue 条件持续为真：更新当前值，清除 false_since，满足 for_duration 后激活
func (e *engine) holdTrue(ctx context.Context, rule *alertModel.AlertRule, inst *alertModel.AlertInstance, res rule_engine.Result, now time.Time) (bool, error) {
	changed := false
	inst.CurrentValue = res.Value
	inst.LastTrueAt = now
	inst.FalseSince = nil
	if inst.State == alertModel.StateTriggered && now.After(inst.TriggeredAt) && now.Sub(inst.TriggeredAt) >= forDuration(rule) {
		inst.State = alertModel.StateActive
		inst.ActivatedAt = &now
		changed = true
	}
	if err := e.instanceRepo.Save(ctx, inst); err != nil {
		return false, err
	}
	return changed, nil
}

func (e *engine) resolve(ctx context.Context, inst *alertModel.AlertInstance, rule *alertModel.AlertRule, by, reason string, now time.Time) error {
	inst.State = alertModel.StateResolved
	inst.ResolvedAt = &now
	inst.ResolvedBy = by
	inst.ActiveKey = nil
	if inst.Details == nil {
		inst.Details = map[string]interface{}{}
	}
	inst.Details["resolve_reason"] = reason
	if err := e.instanceRepo.Save(ctx, inst); err != nil {
		return err
	}
	logger.LogSystemEvent("alert", "resolved", inst.Message, logrus.InfoLevel, map[string]interface{}{
		"alert_id": inst.AlertID,
		"rule_id":  inst.RuleID,
		"agent_id": inst.AgentID,
		"by":       by,
		"reason":   reason,
	})
	e.notify(ctx, alertModel.EventResolved, inst, rule)
	return nil
}

// notify 交给通知路由，并累计通知次数
func (e *engine) notify(ctx context.Context, eventType alertModel.EventType, inst *alertModel.AlertInstance, rule *alertModel.AlertRule) {
	if e.notifier == nil {
		return
	}
	inst.NotifyCount++
	if err := e.instanceRepo.Save(ctx, inst); err != nil {
		logger.LogWarn("save notify count failed", "", "", "service.alert.notify", "", map[string]interface{}{
			"alert_id": inst.AlertID,
			"error":    err.Error(),
		})
	}
	event := alertModel.AlertEvent{Type: eventType, Alert: *inst, At: e.clock.Now().UTC()}
	if rule != nil {
		event.RuleName = rule.Name
		event.Channels = append([]string(nil), rule.Channels...)
	} else {
		event.RuleName = inst.RuleID
	}
	e.notifier.Enqueue(event)
}

// syncAgentSeverity 把该Agent未恢复告警的最高级别告知注册中心
func (e *engine) syncAgentSeverity(ctx context.Context, agentID string) {
	if agentID == alertModel.SystemAgentID || e.agents == nil {
		return
	}
	open, err := e.instanceRepo.List(ctx, alertModel.ListFilter{AgentID: agentID, ActiveOnly: true, Limit: 1000})
	if err != nil {
		logger.LogError(err, "", "", "service.alert.syncAgentSeverity", "", map[string]interface{}{
			"operation": "list_open_alerts",
			"agent_id":  agentID,
		})
		return
	}
	var worst alertModel.Severity
	for _, inst := range open {
		if inst.Severity.Rank() > worst.Rank() {
			worst = inst.Severity
		}
	}
	if err := e.agents.ApplyAlertSeverity(ctx, agentID, worst); err != nil && !system.IsKind(err, system.KindNotFound) {
		logger.LogError(err, "", "", "service.alert.syncAgentSeverity", "", map[string]interface{}{
			"operation": "apply_alert_severity",
			"agent_id":  agentID,
		})
	}
}

// ============================================================================
// 生命周期扫描
// ============================================================================

// Sweep 激活满足持续时间的 triggered 实例，升级超时未确认的实例，恢复防抖期满的实例
// resolve_on_offline 开启时恢复离线/注销Agent的告警；停用规则的实例直接恢复
func (e *engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	e.reloadQuietly(ctx)

	open, err := e.instanceRepo.ListOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("list open alerts: %w", err)
	}
	allRules, err := e.ruleRepo.List(ctx, false)
	if err != nil {
		return report, fmt.Errorf("list rules: %w", err)
	}
	rules := make(map[string]*alertModel.AlertRule, len(allRules))
	for _, r := range allRules {
		rules[r.RuleID] = r
	}

	touched := make(map[string]bool)
	for _, snapshot := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		action, err := e.sweepOne(ctx, snapshot.AlertID, rules)
		if err != nil {
			logger.LogError(err, "", "", "service.alert.Sweep", "", map[string]interface{}{
				"operation": "sweep_alert",
				"alert_id":  snapshot.AlertID,
			})
			continue
		}
		switch action {
		case sweepPromoted:
			report.Promoted++
		case sweepEscalated:
			report.Escalated++
		case sweepResolved:
			report.Resolved++
		default:
			continue
		}
		touched[snapshot.AgentID] = true
	}

	agentIDs := make([]string, 0, len(touched))
	for id := range touched {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	for _, id := range agentIDs {
		e.syncAgentSeverity(ctx, id)
	}
	return report, nil
}

type sweepAction int

const (
	sweepNone sweepAction = iota
	sweepPromoted
	sweepEscalated
	sweepResolved
)

func (e *engine) sweepOne(ctx context.Context, alertID string, rules map[string]*alertModel.AlertRule) (sweepAction, error) {
	inst, err := e.instanceRepo.GetByAlertID(ctx, alertID)
	if err != nil || inst == nil || !inst.IsOpen() {
		return sweepNone, err
	}
	unlock := e.locks.Lock(alertModel.ActiveKeyFor(inst.RuleID, inst.AgentID))
	defer unlock()
	// 加锁后重新读取
	inst, err = e.instanceRepo.GetByAlertID(ctx, alertID)
	if err != nil || inst == nil || !inst.IsOpen() {
		return sweepNone, err
	}

	now := e.clock.Now().UTC()
	isSystem := strings.HasPrefix(inst.RuleID, alertModel.SystemRulePrefix)
	rule := rules[inst.RuleID]

	if !isSystem {
		if rule == nil || !rule.Enabled {
			return sweepResolved, e.resolve(ctx, inst, rule, systemActor, "rule disabled", now)
		}
		if inst.FalseSince != nil && now.Sub(*inst.FalseSince) >= e.resolveAfter(rule) {
			return sweepResolved, e.resolve(ctx, inst, rule, systemActor, "condition cleared", now)
		}
		if e.cfg().ResolveOnOffline && e.agents != nil {
			agentData, err := e.agents.Get(ctx, inst.AgentID)
			if err == nil && agentData != nil &&
				(agentData.Status == agentModel.AgentStatusOffline || agentData.IsDeregistered()) {
				return sweepResolved, e.resolve(ctx, inst, rule, systemActor, "agent "+string(agentData.Status), now)
			}
		}
	}

	switch inst.State {
	case alertModel.StateTriggered:
		held := inst.LastTrueAt.Sub(inst.TriggeredAt)
		if inst.FalseSince == nil && held >= forDuration(rule) && now.After(inst.TriggeredAt) {
			inst.State = alertModel.StateActive
			inst.ActivatedAt = &now
			return sweepPromoted, e.instanceRepo.Save(ctx, inst)
		}
	case alertModel.StateActive:
		after := e.escalateAfter(rule)
		if after > 0 && now.Sub(inst.TriggeredAt) >= after && e.sustainedTrue(inst, rule, now) {
			inst.State = alertModel.StateEscalated
			inst.Severity = inst.Severity.Elevate()
			inst.EscalatedAt = &now
			if err := e.instanceRepo.Save(ctx, inst); err != nil {
				return sweepNone, err
			}
			logger.LogSystemEvent("alert", "escalated", inst.Message, logrus.WarnLevel, map[string]interface{}{
				"alert_id": inst.AlertID,
				"agent_id": inst.AgentID,
				"severity": string(inst.Severity),
			})
			e.notify(ctx, alertModel.EventEscalated, inst, rule)
			return sweepEscalated, nil
		}
	}
	return sweepNone, nil
}

// sustainedTrue 条件仍为真：没有进入恢复去抖，且最近一次为真的观测不早于一个恢复窗口
func (e *engine) sustainedTrue(inst *alertModel.AlertInstance, rule *alertModel.AlertRule, now time.Time) bool {
	if inst.FalseSince != nil {
		return false
	}
	return now.Sub(inst.LastTrueAt) <= e.resolveAfter(rule)
}

// ============================================================================
// 人工操作
// ============================================================================

// Acknowledge 确认告警；已确认幂等，已恢复返回 Conflict；确认后不再升级但仍可恢复
func (e *engine) Acknowledge(ctx context.Context, alertID, by string) (*alertModel.AlertInstance, error) {
	inst, unlock, err := e.lockInstance(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch inst.State {
	case alertModel.StateAcknowledged:
		return inst, nil
	case alertModel.StateResolved:
		return nil, system.NewConflictError(system.ErrAlertResolved, "alert %s is already resolved", alertID)
	}

	now := e.clock.Now().UTC()
	oldState := inst.State
	inst.State = alertModel.StateAcknowledged
	inst.AcknowledgedAt = &now
	inst.AcknowledgedBy = actorOr(by)
	if err := e.instanceRepo.Save(ctx, inst); err != nil {
		return nil, system.NewTransientStorageError(err, "acknowledge alert")
	}
	e.audit(ctx, by, system.AuditAcknowledge, "alert", alertID,
		map[string]interface{}{"state": string(oldState)},
		map[string]interface{}{"state": string(inst.State)})
	return inst, nil
}

// Resolve 人工恢复，已恢复的实例原样返回
func (e *engine) Resolve(ctx context.Context, alertID, by string) (*alertModel.AlertInstance, error) {
	inst, unlock, err := e.lockInstance(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if inst.State == alertModel.StateResolved {
		unlock()
		return inst, nil
	}

	rule, _ := e.ruleRepo.GetByRuleID(ctx, inst.RuleID)
	oldState := inst.State
	if err := e.resolve(ctx, inst, rule, actorOr(by), "manual", e.clock.Now().UTC()); err != nil {
		unlock()
		return nil, system.NewTransientStorageError(err, "resolve alert")
	}
	unlock()

	e.syncAgentSeverity(ctx, inst.AgentID)
	e.audit(ctx, by, system.AuditResolve, "alert", alertID,
		map[string]interface{}{"state": string(oldState)},
		map[string]interface{}{"state": string(inst.State)})
	return inst, nil
}

// lockInstance 读取实例并锁住其(规则,Agent)键，返回加锁后重新读取的实例
func (e *engine) lockInstance(ctx context.Context, alertID string) (*alertModel.AlertInstance, func(), error) {
	inst, err := e.instanceRepo.GetByAlertID(ctx, alertID)
	if err != nil {
		return nil, nil, system.NewTransientStorageError(err, "get alert")
	}
	if inst == nil {
		return nil, nil, system.NewNotFoundError(system.ErrAlertNotFound, "alert %s not found", alertID)
	}
	unlock := e.locks.Lock(alertModel.ActiveKeyFor(inst.RuleID, inst.AgentID))
	inst, err = e.instanceRepo.GetByAlertID(ctx, alertID)
	if err != nil || inst == nil {
		unlock()
		if err == nil {
			return nil, nil, system.NewNotFoundError(system.ErrAlertNotFound, "alert %s not found", alertID)
		}
		return nil, nil, system.NewTransientStorageError(err, "get alert")
	}
	return inst, unlock, nil
}

// ============================================================================
// 自监控告警
// ============================================================================

// RaiseSystemAlert 在保留规则 system.<key> 和保留Agent _system 下触发或更新自监控告警
func (e *engine) RaiseSystemAlert(ctx context.Context, key, message string) error {
	ruleID := alertModel.SystemRulePrefix + key
	unlock := e.locks.Lock(alertModel.ActiveKeyFor(ruleID, alertModel.SystemAgentID))
	defer unlock()

	now := e.clock.Now().UTC()
	inst, err := e.instanceRepo.GetOpen(ctx, ruleID, alertModel.SystemAgentID)
	if err != nil {
		return err
	}
	if inst != nil {
		inst.Message = message
		inst.LastTrueAt = now
		inst.FalseSince = nil
		return e.instanceRepo.Save(ctx, inst)
	}

	activeKey := alertModel.ActiveKeyFor(ruleID, alertModel.SystemAgentID)
	inst = &alertModel.AlertInstance{
		AlertID:     uuid.New().String(),
		RuleID:      ruleID,
		AgentID:     alertModel.SystemAgentID,
		ActiveKey:   &activeKey,
		State:       alertModel.StateActive,
		Severity:    alertModel.SeverityCritical,
		Message:     message,
		RuleVersion: 1,
		TriggeredAt: now,
		ActivatedAt: &now,
		LastTrueAt:  now,
		Details:     map[string]interface{}{"source": "self_monitoring"},
	}
	if err := e.instanceRepo.Create(ctx, inst); err != nil {
		if errors.Is(err, system.ErrDuplicateActive) {
			return nil
		}
		return err
	}
	logger.LogSystemEvent("alert", "system_alert_raised", message, logrus.ErrorLevel, map[string]interface{}{
		"rule_id":  ruleID,
		"alert_id": inst.AlertID,
	})
	e.notify(ctx, alertModel.EventTriggered, inst, nil)
	return nil
}

// ClearSystemAlert 恢复自监控告警，没有未恢复实例时为空操作
func (e *engine) ClearSystemAlert(ctx context.Context, key string) error {
	ruleID := alertModel.SystemRulePrefix + key
	unlock := e.locks.Lock(alertModel.ActiveKeyFor(ruleID, alertModel.SystemAgentID))
	defer unlock()

	inst, err := e.instanceRepo.GetOpen(ctx, ruleID, alertModel.SystemAgentID)
	if err != nil || inst == nil {
		return err
	}
	return e.resolve(ctx, inst, nil, systemActor, "recovered", e.clock.Now().UTC())
}

// ============================================================================
// 查询
// ============================================================================

// List 告警列表
func (e *engine) List(ctx context.Context, filter alertModel.ListFilter) ([]*alertModel.AlertInstance, error) {
	switch filter.State {
	case "", alertModel.StateTriggered, alertModel.StateActive, alertModel.StateEscalated,
		alertModel.StateAcknowledged, alertModel.StateResolved:
	default:
		return nil, system.NewBadRequestError("unknown state %q", filter.State)
	}
	if filter.Severity != "" && !filter.Severity.IsValid() {
		return nil, system.NewBadRequestError("unknown severity %q", filter.Severity)
	}
	out, err := e.instanceRepo.List(ctx, filter)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "list alerts")
	}
	if out == nil {
		out = []*alertModel.AlertInstance{}
	}
	return out, nil
}

// Get 获取告警
func (e *engine) Get(ctx context.Context, alertID string) (*alertModel.AlertInstance, error) {
	inst, err := e.instanceRepo.GetByAlertID(ctx, alertID)
	if err != nil {
		return nil, system.NewTransientStorageError(err, "get alert")
	}
	if inst == nil {
		return nil, system.NewNotFoundError(system.ErrAlertNotFound, "alert %s not found", alertID)
	}
	return inst, nil
}

// CountOpenByAgent 每个Agent的未恢复告警数
func (e *engine) CountOpenByAgent(ctx context.Context) (map[string]int, error) {
	return e.instanceRepo.CountOpenByAgent(ctx)
}

// ============================================================================
// 审计
// ============================================================================

func (e *engine) audit(ctx context.Context, actor string, action system.AuditAction, resourceType, resourceID string, oldValues, newValues map[string]interface{}) {
	clientIP := utils.GetClientIPFromContext(ctx)
	requestID := utils.GetRequestIDFromContext(ctx)
	record := &system.AuditLog{
		Actor:        actorOr(actor),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ClientIP:     clientIP,
		OldValues:    oldValues,
		NewValues:    newValues,
		Timestamp:    e.clock.Now().UTC(),
	}
	if e.auditRepo != nil {
		if err := e.auditRepo.Create(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
			logger.LogError(err, requestID, clientIP, "service.alert.audit", "", map[string]interface{}{
				"operation": "audit",
				"action":    string(action),
			})
		}
	}
	logger.LogAuditOperation(record.Actor, string(action), resourceType+":"+resourceID, "success", clientIP, "", requestID, nil)
}

func actorOr(actor string) string {
	if actor == "" {
		return "anonymous"
	}
	return actor
}
