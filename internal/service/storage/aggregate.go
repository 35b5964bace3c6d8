package storage

import (
	"math"
	"sort"
	"time"

	"agentmonitor/internal/model/metrics"
)

// bucketKey 聚合桶标识
type bucketKey struct {
	agentID string
	metric  string
	start   time.Time
}

// bucketAcc 聚合桶累加器
type bucketAcc struct {
	environment string
	values      []float64
}

// groupPoints 按 (agent, metric, 桶起点) 分组
func groupPoints(points []*metrics.MetricPoint, res metrics.Resolution) map[bucketKey]*bucketAcc {
	groups := make(map[bucketKey]*bucketAcc)
	for _, p := range points {
		key := bucketKey{agentID: p.AgentID, metric: p.Metric, start: res.BucketStart(p.Ts)}
		acc, ok := groups[key]
		if !ok {
			acc = &bucketAcc{environment: p.Environment}
			groups[key] = acc
		}
		acc.values = append(acc.values, p.Value)
	}
	return groups
}

// buildRollup 由桶内全部原始值生成聚合桶
func buildRollup(key bucketKey, acc *bucketAcc, res metrics.Resolution, reservoirSize int) *metrics.MetricRollup {
	sorted := append([]float64(nil), acc.values...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return &metrics.MetricRollup{
		AgentID:     key.agentID,
		Environment: acc.environment,
		Metric:      key.metric,
		Resolution:  res,
		BucketStart: key.start,
		Count:       int64(len(sorted)),
		Sum:         sum,
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Reservoir:   reservoir(sorted, reservoirSize),
	}
}

// reservoir 从有序值中等距取 size 个分位点，结果确定，重算幂等
func reservoir(sorted []float64, size int) []float64 {
	if size <= 0 || len(sorted) <= size {
		return append([]float64(nil), sorted...)
	}
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		q := float64(i) / float64(size-1)
		out[i] = quantile(sorted, q)
	}
	return out
}

// quantile 有序切片的分位数(线性插值)
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// aggregateValues 对原始值计算聚合
func aggregateValues(values []float64, agg metrics.Aggregation) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case metrics.AggCount:
		return float64(len(values))
	case metrics.AggSum, metrics.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if agg == metrics.AggAvg {
			return sum / float64(len(values))
		}
		return sum
	case metrics.AggMin, metrics.AggMax:
		out := values[0]
		for _, v := range values[1:] {
			if (agg == metrics.AggMin && v < out) || (agg == metrics.AggMax && v > out) {
				out = v
			}
		}
		return out
	}
	if q, ok := agg.Quantile(); ok {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		return quantile(sorted, q)
	}
	return 0
}

// aggregateRollups 合并同一输出桶内的多个聚合桶
func aggregateRollups(rollups []*metrics.MetricRollup, agg metrics.Aggregation) (float64, int64) {
	var count int64
	var sum float64
	var samples []float64
	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, r := range rollups {
		count += r.Count
		sum += r.Sum
		if r.Min < minV {
			minV = r.Min
		}
		if r.Max > maxV {
			maxV = r.Max
		}
		samples = append(samples, r.Reservoir...)
	}
	if count == 0 {
		return 0, 0
	}
	switch agg {
	case metrics.AggCount:
		return float64(count), count
	case metrics.AggSum:
		return sum, count
	case metrics.AggAvg:
		return sum / float64(count), count
	case metrics.AggMin:
		return minV, count
	case metrics.AggMax:
		return maxV, count
	}
	if q, ok := agg.Quantile(); ok && len(samples) > 0 {
		sort.Float64s(samples)
		return quantile(samples, q), count
	}
	return 0, count
}
