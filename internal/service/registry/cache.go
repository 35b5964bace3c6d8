/**
 * 注册中心进程内缓存
 * @author: sun977
 * @date: 2025.10.29
 * @description: 指标上报路径上的 Agent 快照缓存和延迟写入的 last_seen。
 *               冷存储仍是权威来源：快照在读库和写库成功后刷新，存储不可用时上报不被拒绝
 * @func: remember/cached/deferSeen/retryPendingSeen
 */
package registry

import (
	"context"
	"time"

	agentModel "agentmonitor/internal/model/agent"
	"agentmonitor/internal/pkg/logger"
)

// seenMark 写库失败、等待重试的 last_seen
type seenMark struct {
	seenAt    time.Time
	metricsAt *time.Time
}

// remember 记录 Agent 快照，调用方需持有该 Agent 的 keylock
func (s *registryService) remember(a *agentModel.Agent) {
	if a == nil {
		return
	}
	cp := *a
	s.stateMu.Lock()
	s.known[a.AgentID] = &cp
	s.stateMu.Unlock()
}

// cached 返回快照副本，未缓存返回 nil
func (s *registryService) cached(agentID string) *agentModel.Agent {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	a, ok := s.known[agentID]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// deferSeen 保存写库失败的 last_seen，等待下一次扫描重试
func (s *registryService) deferSeen(agentID string, seenAt time.Time, metricsAt *time.Time, cause error) {
	s.stateMu.Lock()
	mark, ok := s.pendingSeen[agentID]
	if !ok || seenAt.After(mark.seenAt) {
		mark.seenAt = seenAt
	}
	if metricsAt != nil && (mark.metricsAt == nil || metricsAt.After(*mark.metricsAt)) {
		t := *metricsAt
		mark.metricsAt = &t
	}
	s.pendingSeen[agentID] = mark
	pending := len(s.pendingSeen)
	s.stateMu.Unlock()

	logger.LogWarn("last_seen write deferred", "", "", "service.registry.Touch", "", map[string]interface{}{
		"agent_id": agentID,
		"pending":  pending,
		"error":    cause.Error(),
	})
}

// clearSeen last_seen 写库成功后丢弃不比它新的待重试记录
func (s *registryService) clearSeen(agentID string, seenAt time.Time) {
	s.stateMu.Lock()
	if mark, ok := s.pendingSeen[agentID]; ok && !mark.seenAt.After(seenAt) {
		delete(s.pendingSeen, agentID)
	}
	s.stateMu.Unlock()
}

// pendingSeenAt 尚未落库的 last_seen
func (s *registryService) pendingSeenAt(agentID string) (time.Time, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	mark, ok := s.pendingSeen[agentID]
	return mark.seenAt, ok
}

// retryPendingSeen 重试延迟的 last_seen 写入，返回仍未成功的数量
func (s *registryService) retryPendingSeen(ctx context.Context) int {
	s.stateMu.Lock()
	marks := make(map[string]seenMark, len(s.pendingSeen))
	for id, m := range s.pendingSeen {
		marks[id] = m
	}
	s.stateMu.Unlock()

	failed := 0
	for id, m := range marks {
		if err := s.agentRepo.UpdateLastSeen(ctx, id, m.seenAt, m.metricsAt); err != nil {
			failed++
			continue
		}
		s.clearSeen(id, m.seenAt)
	}
	if failed > 0 {
		logger.LogWarn("deferred last_seen writes still failing", "", "", "service.registry.Sweep", "", map[string]interface{}{
			"pending": failed,
		})
	}
	return failed
}
