package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"agentmonitor/internal/config"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
)

// DownsampleReport 一轮降采样和清理的结果
type DownsampleReport struct {
	Rollups       map[metrics.Resolution]int `json:"rollups"`
	PrunedRaw     int64                      `json:"pruned_raw"`
	PrunedRollups int64                      `json:"pruned_rollups"`
}

// Downsampler 定时降采样 + 过期清理
type Downsampler interface {
	Start(ctx context.Context) error
	Stop()
	RunOnce(ctx context.Context) (DownsampleReport, error)
	FlushListener
}

type downsampler struct {
	warm  WarmStore
	cfg   config.StorageConfig
	clock clock.Clock

	runMu  sync.Mutex
	cursor map[metrics.Resolution]time.Time // 已扫描到的位置(不含)

	dirtyMu sync.Mutex
	dirty   time.Time // 上一轮之后写入的最早原始点，零值表示没有

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewDownsampler 创建降采样任务
func NewDownsampler(cfg config.StorageConfig, warm WarmStore, clk clock.Clock) Downsampler {
	if clk == nil {
		clk = clock.Real()
	}
	return &downsampler{
		warm:   warm,
		cfg:    cfg,
		clock:  clk,
		cursor: make(map[metrics.Resolution]time.Time),
	}
}

// Start 按 storage.downsample_cron 调度，上一轮未结束时跳过
func (d *downsampler) Start(ctx context.Context) error {
	d.cronMu.Lock()
	defer d.cronMu.Unlock()
	if d.cron != nil {
		return nil
	}
	schedule := d.cfg.DownsampleCron
	if schedule == "" {
		schedule = "@every 1m"
	}
	cronLogger := cron.PrintfLogger(logger.WithField("component", "downsampler"))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.LogError(err, "", "", "service.storage.Downsampler.RunOnce", "", map[string]interface{}{
				"operation": "downsample",
			})
		}
	}); err != nil {
		return fmt.Errorf("invalid downsample schedule %q: %w", schedule, err)
	}
	c.Start()
	d.cron = c
	logger.LogInfo("Starting downsampler", "", "", "service.storage.Downsampler.Start", "", map[string]interface{}{
		"schedule": schedule,
	})
	return nil
}

// Stop 停止调度并等待正在运行的任务结束
func (d *downsampler) Stop() {
	d.cronMu.Lock()
	c := d.cron
	d.cron = nil
	d.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	logger.LogInfo("Downsampler stopped", "", "", "service.storage.Downsampler.Stop", "", nil)
}

// MarkDirty 刷写器写入原始点后调用，下一轮从 earliest 所在的桶开始重算
func (d *downsampler) MarkDirty(earliest time.Time) {
	if earliest.IsZero() {
		return
	}
	d.dirtyMu.Lock()
	if d.dirty.IsZero() || earliest.Before(d.dirty) {
		d.dirty = earliest.UTC()
	}
	d.dirtyMu.Unlock()
}

func (d *downsampler) takeDirty() time.Time {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	dirty := d.dirty
	d.dirty = time.Time{}
	return dirty
}

// RunOnce 各粒度从原始点重算已关闭的桶(幂等 upsert)，然后清理过期数据
func (d *downsampler) RunOnce(ctx context.Context) (DownsampleReport, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	report := DownsampleReport{Rollups: make(map[metrics.Resolution]int)}
	now := d.clock.Now().UTC()
	dirty := d.takeDirty()
	for _, res := range metrics.AllResolutions {
		n, err := d.rollup(ctx, res, now, dirty)
		report.Rollups[res] = n
		if err != nil {
			// 失败时保留迟到范围，下一轮重算
			d.MarkDirty(dirty)
			return report, fmt.Errorf("downsample %s: %w", res, err)
		}
	}

	pruned, err := d.prune(ctx, now, &report)
	if err != nil {
		return report, err
	}
	if pruned || sumRollups(report.Rollups) > 0 {
		logger.LogSystemEvent("storage", "downsample", "downsample cycle finished", logrus.DebugLevel, map[string]interface{}{
			"rollups":        report.Rollups,
			"pruned_raw":     report.PrunedRaw,
			"pruned_rollups": report.PrunedRollups,
		})
	}
	return report, nil
}

func sumRollups(m map[metrics.Resolution]int) int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// rollup 重算 [from, end) 内的桶
// end 为 now 减去两个刷写周期后所在桶的起点，保证桶已关闭且热数据已落盘
// dirty 非零时 from 至少回退到它所在的桶，覆盖刷写中断后补写的旧数据
func (d *downsampler) rollup(ctx context.Context, res metrics.Resolution, now, dirty time.Time) (int, error) {
	step := res.Duration()
	lag := 2 * d.cfg.FlushInterval
	end := res.BucketStart(now.Add(-lag))

	floor := res.BucketStart(now.Add(-d.rawRetention()))
	from := floor
	latest, err := d.warm.LatestRollup(ctx, res)
	if err != nil {
		return 0, err
	}
	// 最近的桶多算一次，覆盖迟到数据
	if !latest.IsZero() && latest.Add(-step).After(from) {
		from = latest.Add(-step)
	}
	if cur, ok := d.cursor[res]; ok && cur.Add(-step).After(from) {
		from = cur.Add(-step)
	}
	if !dirty.IsZero() && dirty.Before(from) {
		from = dirty
	}
	if from.Before(floor) {
		from = floor
	}
	from = res.BucketStart(from)
	if !from.Before(end) {
		return 0, nil
	}

	chunk := 6 * time.Hour
	if step > chunk {
		chunk = step
	}
	total := 0
	for start := from; start.Before(end); {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stop := start.Add(chunk)
		if stop.After(end) {
			stop = end
		}
		points, err := d.warm.QueryPoints(ctx, metrics.PointFilter{Start: start, End: stop})
		if err != nil {
			return total, err
		}
		if len(points) > 0 {
			groups := groupPoints(points, res)
			rollups := make([]*metrics.MetricRollup, 0, len(groups))
			for key, acc := range groups {
				rollups = append(rollups, buildRollup(key, acc, res, d.cfg.Warm.ReservoirSize))
			}
			if err := d.warm.UpsertRollups(ctx, rollups); err != nil {
				return total, err
			}
			total += len(rollups)
		}
		start = stop
	}
	d.cursor[res] = end
	return total, nil
}

func (d *downsampler) rawRetention() time.Duration {
	if d.cfg.Warm.Retention > 0 {
		return d.cfg.Warm.Retention
	}
	return 30 * 24 * time.Hour
}

// rollupRetention 各粒度保留时长，0 表示永久保留
func (d *downsampler) rollupRetention(res metrics.Resolution) time.Duration {
	switch res {
	case metrics.Resolution1m:
		return d.cfg.Warm.Retention1m
	case metrics.Resolution5m:
		return d.cfg.Warm.Retention5m
	case metrics.Resolution1h:
		return d.cfg.Warm.Retention1h
	}
	return 0
}

func (d *downsampler) prune(ctx context.Context, now time.Time, report *DownsampleReport) (bool, error) {
	n, err := d.warm.PruneRaw(ctx, now.Add(-d.rawRetention()))
	if err != nil {
		return false, fmt.Errorf("prune raw points: %w", err)
	}
	report.PrunedRaw = n
	for _, res := range metrics.AllResolutions {
		keep := d.rollupRetention(res)
		if keep <= 0 {
			continue
		}
		n, err := d.warm.PruneRollups(ctx, res, now.Add(-keep))
		if err != nil {
			return false, fmt.Errorf("prune %s rollups: %w", res, err)
		}
		report.PrunedRollups += n
	}
	return report.PrunedRaw > 0 || report.PrunedRollups > 0, nil
}
