/**
 * 实时样本推送
 * @author: sun977
 * @date: 2025.10.30
 * @description: 接入成功的样本按Agent扇出给订阅者(websocket)，慢订阅者丢弃消息不阻塞接入
 * @func: Publish、Subscribe、Subscribers、Dropped
 */
package stream

import (
	"sync"
	"sync/atomic"

	"agentmonitor/internal/model/metrics"
)

const defaultBuffer = 64

// Hub 按Agent分组的订阅中心
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	dropped uint64
}

type subscriber struct {
	ch chan *metrics.MetricSample
}

// NewHub 创建订阅中心，buffer 为每个订阅者的缓冲
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*subscriber]struct{})}
}

// Publish 推送给该Agent的全部订阅者，缓冲已满时丢弃
func (h *Hub) Publish(sample *metrics.MetricSample) {
	if sample == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sample.AgentID] {
		select {
		case sub.ch <- sample:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Subscribe 订阅一个Agent的样本，调用返回的 cancel 退订并关闭通道
func (h *Hub) Subscribe(agentID string) (<-chan *metrics.MetricSample, func()) {
	sub := &subscriber{ch: make(chan *metrics.MetricSample, h.buffer)}
	h.mu.Lock()
	if h.subs[agentID] == nil {
		h.subs[agentID] = make(map[*subscriber]struct{})
	}
	h.subs[agentID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[agentID], sub)
			if len(h.subs[agentID]) == 0 {
				delete(h.subs, agentID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers 该Agent的订阅者数量
func (h *Hub) Subscribers(agentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[agentID])
}

// Dropped 因订阅者过慢丢弃的消息数
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
