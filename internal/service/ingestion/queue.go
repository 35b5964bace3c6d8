package ingestion

import (
	"context"
	"errors"

	"agentmonitor/internal/model/metrics"
)

// ErrQueueFull 队列已满，Push 不阻塞调用方
var ErrQueueFull = errors.New("ingestion queue is full")

// Item 队列元素
// Window 非空时表示采样模式下自上一个保留样本以来的窗口均值，评估时使用窗口而不是单个样本
type Item struct {
	Sample *metrics.MetricSample
	Window map[string]float64
}

// Queue 有界队列
type Queue struct {
	ch chan Item
}

// NewQueue 创建容量为 size 的队列
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 10000
	}
	return &Queue{ch: make(chan Item, size)}
}

// Push 非阻塞入队，满时返回 ErrQueueFull
func (q *Queue) Push(item Item) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop 阻塞出队直到有元素或 ctx 取消
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	select {
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case item := <-q.ch:
		return item, nil
	}
}

// Len 当前长度
func (q *Queue) Len() int { return len(q.ch) }

// Cap 容量
func (q *Queue) Cap() int { return cap(q.ch) }
