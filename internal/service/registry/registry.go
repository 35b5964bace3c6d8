/**
 * 注册中心服务:Agent 注册、心跳与状态机
 * @author: sun977
 * @date: 2025.10.27
 * @description: Agent.status 的唯一写入方。心跳/指标推导的基础状态和告警推导的状态取更严重者
 *               同一个 Agent 的变更经 keylock 串行，不同 Agent 并行
 * @func: Register/Heartbeat/Touch/Deregister/SetMaintenance/ApplyAlertSeverity/UpdateConfig/Sweep
 */
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"agentmonitor/internal/config"
	agentModel "agentmonitor/internal/model/agent"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/model/system"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/keylock"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/pkg/utils"
	"agentmonitor/internal/pkg/validate"
	agentRepo "agentmonitor/internal/repo/mysql/agent"
	auditRepo "agentmonitor/internal/repo/mysql/audit"
)

// APIPrefix 注册响应中监控端点的前缀
const APIPrefix = "/api/v1"

// HotReader 读取最近样本(心跳未携带状态时据此推断)
type HotReader interface {
	Latest(ctx context.Context, agentID string, n int) ([]*metrics.MetricSample, error)
}

// AlertCounter 统计每个Agent的未恢复告警数
type AlertCounter interface {
	CountOpenByAgent(ctx context.Context) (map[string]int, error)
}

// RegistryService 注册中心服务接口
type RegistryService interface {
	Register(ctx context.Context, req *agentModel.RegisterRequest, actor string) (*agentModel.RegisterResponse, error)
	Heartbeat(ctx context.Context, agentID string, req *agentModel.HeartbeatRequest) (*agentModel.Agent, error)
	Touch(ctx context.Context, agentID string, at time.Time, checks map[string]bool) (*agentModel.Agent, error)
	Deregister(ctx context.Context, agentID, actor string) error
	SetMaintenance(ctx context.Context, agentID string, on bool, reason, actor string) (*agentModel.Agent, error)
	ApplyAlertSeverity(ctx context.Context, agentID string, severity alertModel.Severity) error

	Get(ctx context.Context, agentID string) (*agentModel.Agent, error)
	List(ctx context.Context, filter agentModel.ListFilter) (*agentModel.ListResponse, error)
	All(ctx context.Context) ([]*agentModel.Agent, error)
	Summary(ctx context.Context, agentID string) (*agentModel.AgentSummary, error)

	UpdateConfig(ctx context.Context, agentID string, req *agentModel.ConfigUpdateRequest, actor string) ([]agentModel.AgentConfiguration, error)
	GetConfig(ctx context.Context, agentID string) ([]agentModel.AgentConfiguration, error)

	Sweep(ctx context.Context) (int, error)
	UpdateSettings(cfg config.RegistryConfig)
}

// agentState 进程内的状态推导输入
type agentState struct {
	base     agentModel.AgentStatus // 心跳/指标/扫描推导的状态
	alertSev alertModel.Severity    // 最高未恢复告警级别，空表示没有
}

type registryService struct {
	agentRepo  agentRepo.AgentRepository
	configRepo agentRepo.AgentConfigRepository
	auditRepo  auditRepo.AuditRepository
	hot        HotReader
	alerts     AlertCounter
	clock      clock.Clock
	locks      *keylock.KeyLock

	settingsMu sync.RWMutex
	settings   config.RegistryConfig

	stateMu     sync.Mutex
	states      map[string]*agentState
	known       map[string]*agentModel.Agent
	pendingSeen map[string]seenMark
}

// NewRegistryService 创建注册中心服务
// hot 和 alerts 可以为 nil
func NewRegistryService(
	cfg config.RegistryConfig,
	agentRepository agentRepo.AgentRepository,
	configRepository agentRepo.AgentConfigRepository,
	auditRepository auditRepo.AuditRepository,
	hot HotReader,
	alerts AlertCounter,
	clk clock.Clock,
) RegistryService {
	if clk == nil {
		clk = clock.Real()
	}
	return &registryService{
		agentRepo:   agentRepository,
		configRepo:  configRepository,
		auditRepo:   auditRepository,
		hot:         hot,
		alerts:      alerts,
		clock:       clk,
		locks:       keylock.New(),
		settings:    cfg,
		states:      make(map[string]*agentState),
		known:       make(map[string]*agentModel.Agent),
		pendingSeen: make(map[string]seenMark),
	}
}

// UpdateSettings 配置热更新
func (s *registryService) UpdateSettings(cfg config.RegistryConfig) {
	s.settingsMu.Lock()
	s.settings = cfg
	s.settingsMu.Unlock()
}

func (s *registryService) cfg() config.RegistryConfig {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// IdentityHash host|name|environment 的 blake2b-256 摘要，幂等注册的身份键
func IdentityHash(host, name, environment string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(host) + "|" + name + "|" + environment))
	return hex.EncodeToString(sum[:])
}

// Endpoints Agent 的监控端点
func Endpoints(agentID string) map[string]string {
	base := APIPrefix + "/agents/" + agentID
	return map[string]string{
		"metrics":   base + "/metrics",
		"heartbeat": base + "/heartbeat",
		"summary":   base + "/summary",
		"stream":    base + "/stream",
		"health":    APIPrefix + "/health/agents/" + agentID,
	}
}

func storageErr(err error, op string) error {
	return system.NewTransientStorageError(err, "%s failed", op)
}

// ============================================================================
// 注册
// ============================================================================

// Register 注册 Agent
// 同一身份(或已存在的 agent_id)重复提交返回已有ID，刷新元数据并合并标签和配置，已注销的重新激活为 unknown
func (s *registryService) Register(ctx context.Context, req *agentModel.RegisterRequest, actor string) (*agentModel.RegisterResponse, error) {
	if req == nil {
		return nil, system.NewValidationError("registration body is required")
	}
	if fieldErrs := validate.Struct(req); len(fieldErrs) > 0 {
		return nil, system.NewValidationError("invalid registration", fieldErrs...)
	}

	hash := IdentityHash(req.Host, req.Name, req.Environment)
	unlock := s.locks.Lock("identity:" + hash)
	defer unlock()

	var existing *agentModel.Agent
	var err error
	if req.AgentID != "" {
		if existing, err = s.agentRepo.GetByID(ctx, req.AgentID); err != nil {
			return nil, storageErr(err, "agent lookup")
		}
	}
	if existing == nil {
		if existing, err = s.agentRepo.GetByIdentityHash(ctx, hash); err != nil {
			return nil, storageErr(err, "agent lookup")
		}
	}
	if existing != nil {
		return s.refresh(ctx, existing, req, actor)
	}

	now := s.clock.Now().UTC()
	agentID := req.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	rows, maskedConfig := configRows(agentID, req.Config, nil)
	agentData := &agentModel.Agent{
		AgentID:        agentID,
		Name:           req.Name,
		Type:           req.Type,
		Version:        req.Version,
		Description:    req.Description,
		DeploymentType: req.DeploymentType,
		Host:           req.Host,
		Port:           req.Port,
		Environment:    req.Environment,
		Tags:           dedupe(req.Tags),
		Config:         maskedConfig,
		Metadata:       req.Metadata,
		RegisteredAt:   now,
		LastSeen:       now,
		Status:         agentModel.AgentStatusUnknown,
		IdentityHash:   hash,
	}

	unlockAgent := s.locks.Lock(agentID)
	if err := s.agentRepo.Create(ctx, agentData); err != nil {
		unlockAgent()
		// 其他实例并发注册了同一身份
		if raced, getErr := s.agentRepo.GetByIdentityHash(ctx, hash); getErr == nil && raced != nil {
			return s.refresh(ctx, raced, req, actor)
		}
		return nil, storageErr(err, "agent registration")
	}
	err = s.configRepo.Upsert(ctx, rows)
	unlockAgent()
	if err != nil {
		return nil, storageErr(err, "agent configuration")
	}
	s.setBase(agentID, agentModel.AgentStatusUnknown)
	s.remember(agentData)

	s.audit(ctx, actor, system.AuditRegister, agentID, nil, map[string]interface{}{
		"name":        agentData.Name,
		"type":        agentData.Type,
		"host":        agentData.Host,
		"environment": agentData.Environment,
	})
	logger.LogBusinessOperation("register_agent", actor, utils.GetClientIPFromContext(ctx),
		utils.GetRequestIDFromContext(ctx), "success", "agent registered", map[string]interface{}{
			"agent_id":  agentID,
			"func_name": "service.registry.Register",
		})

	return &agentModel.RegisterResponse{
		AgentID:    agentID,
		Status:     agentData.Status,
		Registered: true,
		Endpoints:  Endpoints(agentID),
	}, nil
}

// refresh 命中已有 Agent 时刷新元数据
func (s *registryService) refresh(ctx context.Context, existing *agentModel.Agent, req *agentModel.RegisterRequest, actor string) (*agentModel.RegisterResponse, error) {
	unlock := s.locks.Lock(existing.AgentID)
	defer unlock()

	revived := existing.IsDeregistered()
	if req.Version != "" {
		existing.Version = req.Version
	}
	if req.Description != "" {
		existing.Description = req.Description
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	existing.Tags = dedupe(append(append([]string{}, existing.Tags...), req.Tags...))
	if existing.Metadata == nil {
		existing.Metadata = map[string]interface{}{}
	}
	for k, v := range req.Metadata {
		existing.Metadata[k] = v
	}
	rows, maskedConfig := configRows(existing.AgentID, req.Config, nil)
	if existing.Config == nil {
		existing.Config = map[string]interface{}{}
	}
	for k, v := range maskedConfig {
		existing.Config[k] = v
	}
	if revived {
		existing.Status = agentModel.AgentStatusUnknown
		existing.StatusReason = "re-registered"
		existing.LastSeen = s.clock.Now().UTC()
	}

	if err := s.agentRepo.Update(ctx, existing); err != nil {
		return nil, storageErr(err, "agent update")
	}
	if err := s.configRepo.Upsert(ctx, rows); err != nil {
		return nil, storageErr(err, "agent configuration")
	}
	s.remember(existing)
	if revived {
		s.setBase(existing.AgentID, agentModel.AgentStatusUnknown)
		s.audit(ctx, actor, system.AuditRegister, existing.AgentID,
			map[string]interface{}{"status": agentModel.AgentStatusDeregistered},
			map[string]interface{}{"status": agentModel.AgentStatusUnknown})
	}

	return &agentModel.RegisterResponse{
		AgentID:    existing.AgentID,
		Status:     existing.Status,
		Registered: false,
		Endpoints:  Endpoints(existing.AgentID),
	}, nil
}

// ============================================================================
// 心跳与状态机
// ============================================================================

// Heartbeat 处理心跳，last_seen = max(last_seen, at)
func (s *registryService) Heartbeat(ctx context.Context, agentID string, req *agentModel.HeartbeatRequest) (*agentModel.Agent, error) {
	if req == nil {
		req = &agentModel.HeartbeatRequest{}
	}
	if req.Status != "" && !isReportableStatus(req.Status) {
		return nil, system.NewValidationError("invalid heartbeat", system.ValidationError{
			Field:   "status",
			Message: "must be one of [online warning error]",
		})
	}

	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData, err := s.loadActive(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	at := now
	// 未来时间按当前时间处理
	if req.Timestamp != nil && !req.Timestamp.IsZero() && req.Timestamp.Before(now) {
		at = req.Timestamp.UTC()
	}
	if err := s.agentRepo.UpdateLastSeen(ctx, agentID, at, nil); err != nil {
		return nil, storageErr(err, "heartbeat")
	}
	s.clearSeen(agentID, at)
	if at.After(agentData.LastSeen) {
		agentData.LastSeen = at
	}
	defer s.remember(agentData)

	if agentData.IsMaintenance() {
		return agentData, nil
	}

	base := req.Status
	reason := "heartbeat"
	if base == "" {
		base, reason = s.inferFromHot(ctx, agentID)
	}
	if err := s.applyBase(ctx, agentData, base, reason); err != nil {
		return nil, err
	}
	return agentData, nil
}

// Touch 指标上报时调用：更新 last_seen/last_metrics_at，并按样本的健康检查推导状态
// 只有 Agent 不存在或已注销时返回错误；存储写入失败记录后延迟重试，不影响上报
func (s *registryService) Touch(ctx context.Context, agentID string, at time.Time, checks map[string]bool) (*agentModel.Agent, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData := s.cached(agentID)
	if agentData == nil {
		var err error
		if agentData, err = s.loadActive(ctx, agentID); err != nil {
			return nil, err
		}
	} else if agentData.IsDeregistered() {
		return nil, system.NewConflictError(system.ErrAgentDeregistered, "agent %s is deregistered", agentID)
	}

	at = at.UTC()
	if err := s.agentRepo.UpdateLastSeen(ctx, agentID, at, &at); err != nil {
		s.deferSeen(agentID, at, &at, err)
	} else {
		s.clearSeen(agentID, at)
	}
	if at.After(agentData.LastSeen) {
		agentData.LastSeen = at
	}
	agentData.LastMetricsAt = &at
	defer s.remember(agentData)

	if agentData.IsMaintenance() {
		return agentData, nil
	}
	base, reason := s.inferFromChecks(checks)
	if err := s.applyBase(ctx, agentData, base, reason); err != nil {
		// 状态未写入，下一次上报时重新推导
		logger.LogWarn("status update deferred", "", "", "service.registry.Touch", "", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
	}
	return agentData, nil
}

// loadActive 读取 Agent，不存在返回 NotFound，已注销返回 Conflict
func (s *registryService) loadActive(ctx context.Context, agentID string) (*agentModel.Agent, error) {
	agentData, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return nil, storageErr(err, "agent lookup")
	}
	if agentData == nil {
		return nil, system.NewNotFoundError(system.ErrAgentNotFound, "agent %s not found", agentID)
	}
	s.overlayPending(agentData)
	s.remember(agentData)
	if agentData.IsDeregistered() {
		return nil, system.NewConflictError(system.ErrAgentDeregistered, "agent %s is deregistered", agentID)
	}
	return agentData, nil
}

// overlayPending 尚未落库的 last_seen 比库里新时以它为准
func (s *registryService) overlayPending(a *agentModel.Agent) {
	if seenAt, ok := s.pendingSeenAt(a.AgentID); ok && seenAt.After(a.LastSeen) {
		a.LastSeen = seenAt
	}
}

func isReportableStatus(st agentModel.AgentStatus) bool {
	return st == agentModel.AgentStatusOnline || st == agentModel.AgentStatusWarning || st == agentModel.AgentStatusError
}

// inferFromHot 按最近一个热样本的健康检查推断状态，没有样本视为 online
func (s *registryService) inferFromHot(ctx context.Context, agentID string) (agentModel.AgentStatus, string) {
	if s.hot == nil {
		return agentModel.AgentStatusOnline, "heartbeat"
	}
	latest, err := s.hot.Latest(ctx, agentID, 1)
	if err != nil {
		logger.LogWarn("hot store read failed, assuming online", "", "", "service.registry.Heartbeat", "", map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return agentModel.AgentStatusOnline, "heartbeat"
	}
	if len(latest) == 0 {
		return agentModel.AgentStatusOnline, "heartbeat"
	}
	return s.inferFromChecks(latest[0].HealthChecks)
}

// inferFromChecks 全部通过 online；关键检查失败 error；其余失败 warning
func (s *registryService) inferFromChecks(checks map[string]bool) (agentModel.AgentStatus, string) {
	var failing []string
	for name, ok := range checks {
		if !ok {
			failing = append(failing, name)
		}
	}
	if len(failing) == 0 {
		return agentModel.AgentStatusOnline, "healthy"
	}
	sort.Strings(failing)
	critical := s.cfg().CriticalChecks
	for _, name := range failing {
		for _, c := range critical {
			if name == c {
				return agentModel.AgentStatusError, "critical check failed: " + name
			}
		}
	}
	return agentModel.AgentStatusWarning, "check failed: " + strings.Join(failing, ",")
}

func (s *registryService) state(agentID string, current agentModel.AgentStatus) *agentState {
	st, ok := s.states[agentID]
	if !ok {
		st = &agentState{base: current}
		s.states[agentID] = st
	}
	return st
}

func (s *registryService) setBase(agentID string, base agentModel.AgentStatus) {
	s.stateMu.Lock()
	s.state(agentID, base).base = base
	s.stateMu.Unlock()
}

// applyBase 更新基础状态并写入有效状态
func (s *registryService) applyBase(ctx context.Context, agentData *agentModel.Agent, base agentModel.AgentStatus, reason string) error {
	s.stateMu.Lock()
	st := s.state(agentData.AgentID, agentData.Status)
	st.base = base
	sev := st.alertSev
	s.stateMu.Unlock()

	effective := effectiveStatus(base, sev)
	if effective != base && sev != "" {
		reason = "active " + string(sev) + " alert"
	}
	return s.transition(ctx, agentData, effective, reason)
}

// effectiveStatus 基础状态与告警推导状态取更严重者
// unknown/offline 不受告警影响
func effectiveStatus(base agentModel.AgentStatus, sev alertModel.Severity) agentModel.AgentStatus {
	if base == agentModel.AgentStatusUnknown || base == agentModel.AgentStatusOffline {
		return base
	}
	fromAlert := agentModel.AgentStatusOnline
	switch sev {
	case alertModel.SeverityCritical, alertModel.SeverityError:
		fromAlert = agentModel.AgentStatusError
	case alertModel.SeverityWarning, alertModel.SeverityInfo:
		fromAlert = agentModel.AgentStatusWarning
	}
	if statusRank(fromAlert) > statusRank(base) {
		return fromAlert
	}
	return base
}

func statusRank(st agentModel.AgentStatus) int {
	switch st {
	case agentModel.AgentStatusOnline:
		return 1
	case agentModel.AgentStatusWarning:
		return 2
	case agentModel.AgentStatusError:
		return 3
	}
	return 0
}

// transition 写入状态，状态未变化时不写库
func (s *registryService) transition(ctx context.Context, agentData *agentModel.Agent, to agentModel.AgentStatus, reason string) error {
	from := agentData.Status
	if from == to {
		return nil
	}
	if err := s.agentRepo.UpdateStatus(ctx, agentData.AgentID, to, reason); err != nil {
		return storageErr(err, "status update")
	}
	agentData.Status = to
	agentData.StatusReason = reason
	s.remember(agentData)

	level := logrus.InfoLevel
	if to == agentModel.AgentStatusError || to == agentModel.AgentStatusOffline {
		level = logrus.WarnLevel
	}
	logger.LogSystemEvent("registry", "status_change", fmt.Sprintf("agent %s: %s -> %s", agentData.AgentID, from, to), level, map[string]interface{}{
		"agent_id": agentData.AgentID,
		"from":     string(from),
		"to":       string(to),
		"reason":   reason,
	})
	return nil
}

// ApplyAlertSeverity 告警引擎在告警状态变化后调用，severity 为空表示没有未恢复告警
func (s *registryService) ApplyAlertSeverity(ctx context.Context, agentID string, severity alertModel.Severity) error {
	if agentID == alertModel.SystemAgentID {
		return nil
	}
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return storageErr(err, "agent lookup")
	}
	if agentData == nil {
		return system.NewNotFoundError(system.ErrAgentNotFound, "agent %s not found", agentID)
	}

	s.stateMu.Lock()
	st := s.state(agentID, agentData.Status)
	st.alertSev = severity
	base := st.base
	s.stateMu.Unlock()

	switch agentData.Status {
	case agentModel.AgentStatusDeregistered, agentModel.AgentStatusMaintenance,
		agentModel.AgentStatusOffline, agentModel.AgentStatusUnknown:
		return nil
	}
	// 恢复 online 需要心跳仍在宽限期内
	if base == agentModel.AgentStatusOnline && !agentData.SeenWithin(s.clock.Now(), s.cfg().ErrorGrace) && s.cfg().ErrorGrace > 0 {
		base = agentModel.AgentStatusError
	}
	reason := "alerts cleared"
	if severity != "" {
		reason = "active " + string(severity) + " alert"
	}
	return s.transition(ctx, agentData, effectiveStatus(base, severity), reason)
}

// ============================================================================
// 注销与维护
// ============================================================================

// Deregister 注销 Agent(保留历史)，重复调用无副作用
func (s *registryService) Deregister(ctx context.Context, agentID, actor string) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return storageErr(err, "agent lookup")
	}
	if agentData == nil {
		return system.NewNotFoundError(system.ErrAgentNotFound, "agent %s not found", agentID)
	}
	if agentData.IsDeregistered() {
		return nil
	}
	old := agentData.Status
	if err := s.transition(ctx, agentData, agentModel.AgentStatusDeregistered, "deregistered by "+actorOr(actor)); err != nil {
		return err
	}
	s.stateMu.Lock()
	delete(s.states, agentID)
	s.stateMu.Unlock()

	s.audit(ctx, actor, system.AuditDeregister, agentID,
		map[string]interface{}{"status": old},
		map[string]interface{}{"status": agentModel.AgentStatusDeregistered})
	return nil
}

// SetMaintenance 运维手动进入/退出维护；退出后为 unknown，下一次心跳恢复 online
func (s *registryService) SetMaintenance(ctx context.Context, agentID string, on bool, reason, actor string) (*agentModel.Agent, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData, err := s.loadActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	old := agentData.Status
	if on {
		if reason == "" {
			reason = "maintenance"
		}
		err = s.transition(ctx, agentData, agentModel.AgentStatusMaintenance, reason)
	} else if agentData.IsMaintenance() {
		s.setBase(agentID, agentModel.AgentStatusUnknown)
		err = s.transition(ctx, agentData, agentModel.AgentStatusUnknown, "maintenance ended")
	}
	if err != nil {
		return nil, err
	}
	if old != agentData.Status {
		s.audit(ctx, actor, system.AuditMaintenance, agentID,
			map[string]interface{}{"status": old},
			map[string]interface{}{"status": agentData.Status, "reason": reason})
	}
	return agentData, nil
}

// ============================================================================
// 查询
// ============================================================================

// Get 获取 Agent
func (s *registryService) Get(ctx context.Context, agentID string) (*agentModel.Agent, error) {
	agentData, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return nil, storageErr(err, "agent lookup")
	}
	if agentData == nil {
		return nil, system.NewNotFoundError(system.ErrAgentNotFound, "agent %s not found", agentID)
	}
	return agentData, nil
}

// List 分页过滤
func (s *registryService) List(ctx context.Context, filter agentModel.ListFilter) (*agentModel.ListResponse, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, system.NewBadRequestError("unknown status %q", filter.Status)
	}
	filter.Page, filter.PageSize = utils.NormalizePage(filter.Page, filter.PageSize, 100)
	agents, total, err := s.agentRepo.List(ctx, filter)
	if err != nil {
		return nil, storageErr(err, "agent list")
	}
	if agents == nil {
		agents = []*agentModel.Agent{}
	}
	return &agentModel.ListResponse{
		Agents:   agents,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

// All 全部 Agent
func (s *registryService) All(ctx context.Context) ([]*agentModel.Agent, error) {
	agents, err := s.agentRepo.ListAll(ctx)
	if err != nil {
		return nil, storageErr(err, "agent list")
	}
	return agents, nil
}

// Summary Agent 概要和健康分
func (s *registryService) Summary(ctx context.Context, agentID string) (*agentModel.AgentSummary, error) {
	agentData, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	summary := &agentModel.AgentSummary{
		AgentID:       agentData.AgentID,
		Name:          agentData.Name,
		Type:          agentData.Type,
		Environment:   agentData.Environment,
		Status:        agentData.Status,
		StatusReason:  agentData.StatusReason,
		LastSeen:      agentData.LastSeen,
		UptimeSeconds: now.Sub(agentData.RegisteredAt).Seconds(),
		HealthScore:   HealthScore(agentData.Status, now.Sub(agentData.LastSeen)),
	}
	if s.alerts != nil {
		counts, err := s.alerts.CountOpenByAgent(ctx)
		if err != nil {
			return nil, storageErr(err, "alert count")
		}
		summary.ActiveAlerts = counts[agentID]
	}
	return summary, nil
}

// HealthScore 健康分 [0,1]
// 按状态取基础分，最后心跳超过2分钟乘0.9，超过5分钟乘0.8
func HealthScore(status agentModel.AgentStatus, sinceSeen time.Duration) float64 {
	var score float64
	switch status {
	case agentModel.AgentStatusOnline:
		score = 1.0
	case agentModel.AgentStatusWarning:
		score = 0.7
	case agentModel.AgentStatusError:
		score = 0.3
	case agentModel.AgentStatusOffline, agentModel.AgentStatusDeregistered:
		score = 0
	default:
		score = 0.5
	}
	switch {
	case sinceSeen > 5*time.Minute:
		score *= 0.8
	case sinceSeen > 2*time.Minute:
		score *= 0.9
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ============================================================================
// 离线扫描
// ============================================================================

// Sweep 一次离线扫描，返回状态发生变化的 Agent 数
// 超过 offline_timeout 置为 offline；超过 error_grace 的 online/warning 置为 error；维护中的跳过
func (s *registryService) Sweep(ctx context.Context) (int, error) {
	s.retryPendingSeen(ctx)
	agents, err := s.agentRepo.ListAll(ctx)
	if err != nil {
		return 0, storageErr(err, "agent list")
	}
	cfg := s.cfg()
	changed := 0
	for _, candidate := range agents {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		s.overlayPending(candidate)
		if !needsSweep(candidate, s.clock.Now(), cfg) {
			continue
		}
		ok, err := s.sweepOne(ctx, candidate.AgentID, cfg)
		if err != nil {
			logger.LogError(err, "", "", "service.registry.Sweep", "", map[string]interface{}{
				"operation": "offline_sweep",
				"agent_id":  candidate.AgentID,
			})
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func needsSweep(a *agentModel.Agent, now time.Time, cfg config.RegistryConfig) bool {
	switch a.Status {
	case agentModel.AgentStatusDeregistered, agentModel.AgentStatusMaintenance, agentModel.AgentStatusOffline:
		return false
	}
	age := now.Sub(a.LastSeen)
	if cfg.OfflineTimeout > 0 && age > cfg.OfflineTimeout {
		return true
	}
	return cfg.ErrorGrace > 0 && age > cfg.ErrorGrace &&
		(a.Status == agentModel.AgentStatusOnline || a.Status == agentModel.AgentStatusWarning)
}

// sweepOne 加锁后重新读取再判断，避免覆盖并发心跳
func (s *registryService) sweepOne(ctx context.Context, agentID string, cfg config.RegistryConfig) (bool, error) {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData, err := s.agentRepo.GetByID(ctx, agentID)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if agentData == nil {
		return false, nil
	}
	s.overlayPending(agentData)
	if !needsSweep(agentData, now, cfg) {
		return false, nil
	}
	age := now.Sub(agentData.LastSeen).Truncate(time.Second)
	if cfg.OfflineTimeout > 0 && age > cfg.OfflineTimeout {
		s.setBase(agentID, agentModel.AgentStatusOffline)
		return true, s.transition(ctx, agentData, agentModel.AgentStatusOffline, "no heartbeat for "+age.String())
	}
	s.setBase(agentID, agentModel.AgentStatusError)
	return true, s.transition(ctx, agentData, agentModel.AgentStatusError, "heartbeat missed for "+age.String())
}

// ============================================================================
// 配置
// ============================================================================

// UpdateConfig 更新 Agent 配置项
func (s *registryService) UpdateConfig(ctx context.Context, agentID string, req *agentModel.ConfigUpdateRequest, actor string) ([]agentModel.AgentConfiguration, error) {
	if req == nil || len(req.Config) == 0 {
		return nil, system.NewValidationError("invalid configuration", system.ValidationError{Field: "config", Message: "is required"})
	}
	for k := range req.Config {
		if k == "" || len(k) > 255 {
			return nil, system.NewValidationError("invalid configuration", system.ValidationError{Field: "config", Message: "keys must be 1-255 characters"})
		}
	}

	unlock := s.locks.Lock(agentID)
	defer unlock()

	agentData, err := s.loadActive(ctx, agentID)
	if err != nil {
		return nil, err
	}
	before, err := s.configRepo.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, storageErr(err, "configuration read")
	}

	rows, masked := configRows(agentID, req.Config, req.Secrets)
	if err := s.configRepo.Upsert(ctx, rows); err != nil {
		return nil, storageErr(err, "configuration update")
	}
	if agentData.Config == nil {
		agentData.Config = map[string]interface{}{}
	}
	for k, v := range masked {
		agentData.Config[k] = v
	}
	if err := s.agentRepo.Update(ctx, agentData); err != nil {
		return nil, storageErr(err, "agent update")
	}

	oldValues := map[string]interface{}{}
	for _, c := range before {
		if _, touched := req.Config[c.ConfigKey]; touched {
			oldValues[c.ConfigKey] = c.Masked().ConfigValue
		}
	}
	newValues := map[string]interface{}{}
	for k, v := range masked {
		newValues[k] = v
	}
	s.audit(ctx, actor, system.AuditConfigUpdate, agentID, oldValues, newValues)

	return s.GetConfig(ctx, agentID)
}

// GetConfig 配置项(密文掩码)
func (s *registryService) GetConfig(ctx context.Context, agentID string) ([]agentModel.AgentConfiguration, error) {
	if _, err := s.Get(ctx, agentID); err != nil {
		return nil, err
	}
	rows, err := s.configRepo.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, storageErr(err, "configuration read")
	}
	out := make([]agentModel.AgentConfiguration, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Masked())
	}
	return out, nil
}

// ============================================================================
// 审计
// ============================================================================

func (s *registryService) audit(ctx context.Context, actor string, action system.AuditAction, agentID string, oldValues, newValues map[string]interface{}) {
	clientIP := utils.GetClientIPFromContext(ctx)
	record := &system.AuditLog{
		Actor:        actorOr(actor),
		Action:       action,
		ResourceType: "agent",
		ResourceID:   agentID,
		ClientIP:     clientIP,
		OldValues:    oldValues,
		NewValues:    newValues,
		Timestamp:    s.clock.Now().UTC(),
	}
	if s.auditRepo != nil {
		if err := s.auditRepo.Create(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
			logger.LogError(err, utils.GetRequestIDFromContext(ctx), clientIP, "service.registry.audit", "", map[string]interface{}{
				"operation": "audit",
				"action":    string(action),
				"agent_id":  agentID,
			})
		}
	}
	logger.LogAuditOperation(record.Actor, string(action), "agent:"+agentID, "success", clientIP, "", utils.GetRequestIDFromContext(ctx), nil)
}

func actorOr(actor string) string {
	if actor == "" {
		return "anonymous"
	}
	return actor
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
