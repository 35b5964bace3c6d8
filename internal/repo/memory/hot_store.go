/**
 * 热存储:内存实现
 * @author: sun977
 * @date: 2025.10.25
 * @description: 每个Agent一个有界环形缓冲(样本数上限 + 时间窗口，取更小者)，适合单实例部署
 *               和 internal/repo/redis/hot_store.go 接口一致(ingestion.hot_store 二选一)
 * @func: Append/Range/Latest/Trim/Agents/Len/NextSeq
 */
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/clock"
)

// hotEntry 缓冲条目，窗口淘汰按接收时间计算
type hotEntry struct {
	sample     *metrics.MetricSample
	receivedAt time.Time
}

// agentRing 单个Agent的环形缓冲
type agentRing struct {
	mu         sync.Mutex
	entries    []hotEntry // 按 seq 升序
	flushedSeq uint64     // 已确认持久化的最大 seq
	lastSeq    uint64     // 已分配的最大 seq
}

// HotStore 内存热存储
type HotStore struct {
	capacity int
	window   time.Duration
	clock    clock.Clock

	mutex  sync.RWMutex
	agents map[string]*agentRing
}

// NewHotStore 创建内存热存储
func NewHotStore(capacity int, window time.Duration, clk clock.Clock) *HotStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &HotStore{
		capacity: capacity,
		window:   window,
		clock:    clk,
		agents:   make(map[string]*agentRing),
	}
}

func (h *HotStore) ring(agentID string, create bool) *agentRing {
	h.mutex.RLock()
	r, ok := h.agents[agentID]
	h.mutex.RUnlock()
	if ok || !create {
		return r
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if r, ok = h.agents[agentID]; ok {
		return r
	}
	r = &agentRing{}
	h.agents[agentID] = r
	return r
}

// NextSeq 分配下一个 seq，floor 为温存储中已确认的 seq(进程重启后避免回退)
func (h *HotStore) NextSeq(_ context.Context, agentID string, floor uint64) (uint64, error) {
	r := h.ring(agentID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeq < floor {
		r.lastSeq = floor
	}
	if r.flushedSeq < floor {
		r.flushedSeq = floor
	}
	r.lastSeq++
	return r.lastSeq, nil
}

// Append 写入样本，返回被淘汰的未持久化样本数
func (h *HotStore) Append(_ context.Context, sample *metrics.MetricSample) (int, error) {
	r := h.ring(sample.AgentID, true)
	now := h.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry := hotEntry{sample: sample.Clone(), receivedAt: now}
	// 绝大多数情况下 seq 递增，直接追加
	n := len(r.entries)
	if n == 0 || r.entries[n-1].sample.Seq < sample.Seq {
		r.entries = append(r.entries, entry)
	} else {
		i := sort.Search(n, func(i int) bool { return r.entries[i].sample.Seq >= sample.Seq })
		if i < n && r.entries[i].sample.Seq == sample.Seq {
			r.entries[i] = entry
			return 0, nil
		}
		r.entries = append(r.entries, hotEntry{})
		copy(r.entries[i+1:], r.entries[i:])
		r.entries[i] = entry
	}
	if sample.Seq > r.lastSeq {
		r.lastSeq = sample.Seq
	}
	return r.evictLocked(now, h.capacity, h.window), nil
}

// evictLocked 按容量和时间窗口淘汰，返回淘汰的未持久化样本数
func (r *agentRing) evictLocked(now time.Time, capacity int, window time.Duration) int {
	drop := 0
	if capacity > 0 && len(r.entries) > capacity {
		drop = len(r.entries) - capacity
	}
	if window > 0 {
		cutoff := now.Add(-window)
		for drop < len(r.entries) && r.entries[drop].receivedAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return 0
	}

	shed := 0
	for _, e := range r.entries[:drop] {
		if e.sample.Seq > r.flushedSeq {
			shed++
		}
	}
	remaining := make([]hotEntry, len(r.entries)-drop)
	copy(remaining, r.entries[drop:])
	r.entries = remaining
	return shed
}

// Range 返回 seq > afterSeq 的样本(按 seq 升序)，limit<=0 表示不限制
func (h *HotStore) Range(_ context.Context, agentID string, afterSeq uint64, limit int) ([]*metrics.MetricSample, error) {
	r := h.ring(agentID, false)
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].sample.Seq > afterSeq })
	end := len(r.entries)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]*metrics.MetricSample, 0, end-i)
	for _, e := range r.entries[i:end] {
		out = append(out, e.sample.Clone())
	}
	return out, nil
}

// Latest 返回最近 n 个样本(新的在前)
func (h *HotStore) Latest(_ context.Context, agentID string, n int) ([]*metrics.MetricSample, error) {
	r := h.ring(agentID, false)
	if r == nil || n <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]*metrics.MetricSample, 0, n)
	for i := len(r.entries) - 1; i >= len(r.entries)-n; i-- {
		out = append(out, r.entries[i].sample.Clone())
	}
	return out, nil
}

// Trim 确认 upToSeq 及之前的样本已持久化
// 已持久化的样本继续留在缓冲里供最近数据读取，之后被淘汰时不计入丢弃数
func (h *HotStore) Trim(_ context.Context, agentID string, upToSeq uint64) error {
	r := h.ring(agentID, false)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if upToSeq > r.flushedSeq {
		r.flushedSeq = upToSeq
	}
	return nil
}

// Agents 有缓冲数据的Agent列表(有序)
func (h *HotStore) Agents(_ context.Context) ([]string, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make([]string, 0, len(h.agents))
	for id := range h.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Len 某Agent缓冲中的样本数
func (h *HotStore) Len(_ context.Context, agentID string) (int, error) {
	r := h.ring(agentID, false)
	if r == nil {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), nil
}
