package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/logger"
)

// Evaluator 告警评估入口
type Evaluator interface {
	Evaluate(ctx context.Context, agentID string, sample *metrics.MetricSample) error
	EvaluateWindow(ctx context.Context, agentID string, window map[string]float64, at time.Time) error
}

// WorkerPool 队列消费者
// 分发协程按 hash(agent_id) % workers 把元素路由到固定 worker，同一Agent的样本按入队顺序处理
type WorkerPool struct {
	queue     *Queue
	evaluator Evaluator
	workers   int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool 创建 worker 池
func NewWorkerPool(queue *Queue, workers int, evaluator Evaluator) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	return &WorkerPool{queue: queue, evaluator: evaluator, workers: workers}
}

// Shard 元素路由到的 worker 下标
func Shard(agentID string, workers int) int {
	return int(xxhash.Sum64String(agentID) % uint64(workers))
}

// Start 启动分发协程和 worker
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	lanes := make([]chan Item, p.workers)
	for i := range lanes {
		lanes[i] = make(chan Item, 64)
		p.wg.Add(1)
		go p.work(runCtx, i, lanes[i])
	}
	p.wg.Add(1)
	go p.dispatch(runCtx, lanes)

	logger.LogInfo("Starting ingestion workers", "", "", "service.ingestion.WorkerPool.Start", "", map[string]interface{}{
		"workers": p.workers,
	})
}

// Stop 停止并等待全部协程退出，队列中剩余元素不再评估
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	logger.LogInfo("Ingestion workers stopped", "", "", "service.ingestion.WorkerPool.Stop", "", map[string]interface{}{
		"remaining": p.queue.Len(),
	})
}

func (p *WorkerPool) dispatch(ctx context.Context, lanes []chan Item) {
	defer p.wg.Done()
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()
	for {
		item, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		lane := lanes[Shard(item.Sample.AgentID, len(lanes))]
		select {
		case lane <- item:
		case <-ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) work(ctx context.Context, id int, lane <-chan Item) {
	defer p.wg.Done()
	for item := range lane {
		if ctx.Err() != nil {
			continue
		}
		p.process(ctx, id, item)
	}
}

func (p *WorkerPool) process(ctx context.Context, id int, item Item) {
	if p.evaluator == nil {
		return
	}
	agentID := item.Sample.AgentID
	var err error
	if item.Window != nil {
		err = p.evaluator.EvaluateWindow(ctx, agentID, item.Window, item.Sample.Timestamp)
	} else {
		err = p.evaluator.Evaluate(ctx, agentID, item.Sample)
	}
	if err != nil && ctx.Err() == nil {
		logger.LogError(err, "", "", "service.ingestion.WorkerPool.process", "", map[string]interface{}{
			"operation": "evaluate_alerts",
			"agent_id":  agentID,
			"seq":       item.Sample.Seq,
			"worker":    id,
		})
	}
}
