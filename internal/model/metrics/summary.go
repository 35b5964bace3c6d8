package metrics

import "time"

// SubmitResult 指标上报结果
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	Sampled  bool   `json:"sampled"` // true 表示处于采样模式且本样本未进入持久化队列
	Seq      uint64 `json:"seq"`
}

// RunningAggregates 单个Agent的运行期累计统计
type RunningAggregates struct {
	SampleCount         int64     `json:"sample_count"`
	AvgCPUPercent       float64   `json:"avg_cpu_usage_percent"`
	AvgMemoryPercent    float64   `json:"avg_memory_usage_percent"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	TotalTasksCompleted float64   `json:"total_tasks_completed"`
	TotalTasksFailed    float64   `json:"total_tasks_failed"`
	LastUpdated         time.Time `json:"last_updated"`
}

// Observe 累加一个样本
// 任务数是 Agent 侧的累计计数器，这里取最新值而不是求和
func (r *RunningAggregates) Observe(s *MetricSample) {
	n := float64(r.SampleCount)
	r.AvgCPUPercent = (r.AvgCPUPercent*n + s.Resource.CPUUsagePercent) / (n + 1)
	r.AvgMemoryPercent = (r.AvgMemoryPercent*n + s.Resource.MemoryUsagePercent) / (n + 1)
	r.AvgResponseTimeMs = (r.AvgResponseTimeMs*n + s.Performance.AverageResponseTimeMs) / (n + 1)
	r.TotalTasksCompleted = s.Performance.TasksCompleted
	r.TotalTasksFailed = s.Performance.TasksFailed
	r.SampleCount++
	if s.Timestamp.After(r.LastUpdated) {
		r.LastUpdated = s.Timestamp
	}
}

// AgentMetricsSummary 单个Agent的指标概要
type AgentMetricsSummary struct {
	AgentID    string             `json:"agent_id"`
	Latest     *MetricSample      `json:"latest,omitempty"`
	Aggregates RunningAggregates  `json:"aggregates"`
	HotSamples int                `json:"hot_samples"`
	ShedCount  uint64             `json:"shed_count"`
	Window     map[string]float64 `json:"window_avg,omitempty"`
}

// FleetSummary 全体Agent的指标汇总
type FleetSummary struct {
	TotalAgents         int       `json:"total_agents"`
	ReportingAgents     int       `json:"reporting_agents"`
	AvgCPUPercent       float64   `json:"avg_cpu_usage_percent"`
	AvgMemoryPercent    float64   `json:"avg_memory_usage_percent"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	TotalTasksCompleted float64   `json:"total_tasks_completed"`
	TotalTasksFailed    float64   `json:"total_tasks_failed"`
	SystemErrorRate     float64   `json:"system_error_rate"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// TrendDirection 趋势方向
type TrendDirection string

const (
	TrendIncreasing   TrendDirection = "increasing"
	TrendDecreasing   TrendDirection = "decreasing"
	TrendStable       TrendDirection = "stable"
	TrendInsufficient TrendDirection = "insufficient_data"
)

// MetricTrend 单个指标的趋势
type MetricTrend struct {
	Metric        string         `json:"metric"`
	Direction     TrendDirection `json:"direction"`
	FirstHalfAvg  float64        `json:"first_half_avg"`
	SecondHalfAvg float64        `json:"second_half_avg"`
	ChangePercent float64        `json:"change_percent"`
}

// TrendReport 趋势报告
type TrendReport struct {
	AgentID     string        `json:"agent_id"`
	Hours       int           `json:"hours"`
	DataPoints  int           `json:"data_points"`
	Trends      []MetricTrend `json:"trends"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// IngestionStats 接入统计
type IngestionStats struct {
	Accepted      uint64            `json:"accepted"`
	Rejected      uint64            `json:"rejected"`
	ShedTotal     uint64            `json:"shed_total"`
	EvictedTotal  uint64            `json:"evicted_total"`
	QueueLen      int               `json:"queue_len"`
	QueueCapacity int               `json:"queue_capacity"`
	SamplingMode  bool              `json:"sampling_mode"`
	PerAgentShed  map[string]uint64 `json:"per_agent_shed"`
}
