/**
 * 模型:指标样本
 * @author: sun977
 * @date: 2025.10.22
 * @description: Agent 上报的遥测样本：资源/性能/AI 三组固定字段加有界的自定义指标
 * @func: MetricSample 及扁平化、指标名校验
 */
package metrics

import (
	"math"
	"sort"
	"strings"
	"time"
)

// CustomPrefix 自定义指标扁平化后的前缀
const CustomPrefix = "custom."

// ResourceMetrics 资源指标
type ResourceMetrics struct {
	CPUUsagePercent     float64  `json:"cpu_usage_percent" cbor:"1,keyasint" validate:"gte=0,lte=100"`
	MemoryUsageBytes    float64  `json:"memory_usage_bytes" cbor:"2,keyasint" validate:"gte=0"`
	MemoryUsagePercent  float64  `json:"memory_usage_percent" cbor:"3,keyasint" validate:"gte=0,lte=100"`
	DiskUsageBytes      float64  `json:"disk_usage_bytes" cbor:"4,keyasint" validate:"gte=0"`
	DiskIOReadBytes     float64  `json:"disk_io_read_bytes" cbor:"5,keyasint" validate:"gte=0"`
	DiskIOWriteBytes    float64  `json:"disk_io_write_bytes" cbor:"6,keyasint" validate:"gte=0"`
	NetworkIORxBytes    float64  `json:"network_io_rx_bytes" cbor:"7,keyasint" validate:"gte=0"`
	NetworkIOTxBytes    float64  `json:"network_io_tx_bytes" cbor:"8,keyasint" validate:"gte=0"`
	GPUUsagePercent     *float64 `json:"gpu_usage_percent,omitempty" cbor:"9,keyasint,omitempty" validate:"omitempty,gte=0,lte=100"`
	GPUMemoryUsageBytes *float64 `json:"gpu_memory_usage_bytes,omitempty" cbor:"10,keyasint,omitempty" validate:"omitempty,gte=0"`
}

// PerformanceMetrics 性能指标
type PerformanceMetrics struct {
	TasksCompleted        float64  `json:"tasks_completed" cbor:"1,keyasint" validate:"gte=0"`
	TasksFailed           float64  `json:"tasks_failed" cbor:"2,keyasint" validate:"gte=0"`
	TasksPending          float64  `json:"tasks_pending" cbor:"3,keyasint" validate:"gte=0"`
	AverageResponseTimeMs float64  `json:"average_response_time_ms" cbor:"4,keyasint" validate:"gte=0"`
	ThroughputPerSecond   float64  `json:"throughput_per_second" cbor:"5,keyasint" validate:"gte=0"`
	ErrorRate             float64  `json:"error_rate" cbor:"6,keyasint" validate:"gte=0,lte=1"`
	SuccessRate           *float64 `json:"success_rate,omitempty" cbor:"7,keyasint,omitempty" validate:"omitempty,gte=0,lte=1"` // 缺省为1
	UptimeSeconds         float64  `json:"uptime_seconds" cbor:"8,keyasint" validate:"gte=0"`
}

// AIMetrics AI 模型相关指标(可选)
type AIMetrics struct {
	ModelInferenceTimeMs float64 `json:"model_inference_time_ms" cbor:"1,keyasint" validate:"gte=0"`
	ModelAccuracy        float64 `json:"model_accuracy" cbor:"2,keyasint" validate:"gte=0,lte=1"`
	ConfidenceScore      float64 `json:"confidence_score" cbor:"3,keyasint" validate:"gte=0,lte=1"`
	TokensProcessed      float64 `json:"tokens_processed" cbor:"4,keyasint" validate:"gte=0"`
	TokensPerSecond      float64 `json:"tokens_per_second" cbor:"5,keyasint" validate:"gte=0"`
	ContextLength        float64 `json:"context_length" cbor:"6,keyasint" validate:"gte=0"`
	APICallsMade         float64 `json:"api_calls_made" cbor:"7,keyasint" validate:"gte=0"`
	APICallLatencyMs     float64 `json:"api_call_latency_ms" cbor:"8,keyasint" validate:"gte=0"`
}

// MetricSample 一次指标上报
// Seq 由服务端按 Agent 单调分配，用于同时间戳样本的排序和幂等写入
type MetricSample struct {
	AgentID       string             `json:"agent_id" cbor:"1,keyasint"`
	Timestamp     time.Time          `json:"timestamp" cbor:"2,keyasint"`
	Seq           uint64             `json:"seq" cbor:"3,keyasint"`
	Resource      ResourceMetrics    `json:"resource" cbor:"4,keyasint"`
	Performance   PerformanceMetrics `json:"performance" cbor:"5,keyasint"`
	AI            *AIMetrics         `json:"ai,omitempty" cbor:"6,keyasint,omitempty"`
	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty" cbor:"7,keyasint,omitempty"`
	HealthChecks  map[string]bool    `json:"health_checks,omitempty" cbor:"8,keyasint,omitempty" validate:"max=64"`
	AlertHints    []string           `json:"alert_hints,omitempty" cbor:"9,keyasint,omitempty" validate:"max=16"`
	Sampled       bool               `json:"sampled,omitempty" cbor:"10,keyasint,omitempty"` // 采样模式下被丢弃：只留在热缓冲，不持久化
}

// 核心指标名，顺序即查询默认返回顺序
const (
	MetricCPUUsagePercent       = "cpu_usage_percent"
	MetricMemoryUsageBytes      = "memory_usage_bytes"
	MetricMemoryUsagePercent    = "memory_usage_percent"
	MetricDiskUsageBytes        = "disk_usage_bytes"
	MetricDiskIOReadBytes       = "disk_io_read_bytes"
	MetricDiskIOWriteBytes      = "disk_io_write_bytes"
	MetricNetworkIORxBytes      = "network_io_rx_bytes"
	MetricNetworkIOTxBytes      = "network_io_tx_bytes"
	MetricGPUUsagePercent       = "gpu_usage_percent"
	MetricGPUMemoryUsageBytes   = "gpu_memory_usage_bytes"
	MetricTasksCompleted        = "tasks_completed"
	MetricTasksFailed           = "tasks_failed"
	MetricTasksPending          = "tasks_pending"
	MetricAverageResponseTimeMs = "average_response_time_ms"
	MetricThroughputPerSecond   = "throughput_per_second"
	MetricErrorRate             = "error_rate"
	MetricSuccessRate           = "success_rate"
	MetricUptimeSeconds         = "uptime_seconds"
	MetricModelInferenceTimeMs  = "model_inference_time_ms"
	MetricModelAccuracy         = "model_accuracy"
	MetricConfidenceScore       = "confidence_score"
	MetricTokensProcessed       = "tokens_processed"
	MetricTokensPerSecond       = "tokens_per_second"
	MetricContextLength         = "context_length"
	MetricAPICallsMade          = "api_calls_made"
	MetricAPICallLatencyMs      = "api_call_latency_ms"
)

// CoreMetricNames 全部核心指标名
var CoreMetricNames = []string{
	MetricCPUUsagePercent, MetricMemoryUsageBytes, MetricMemoryUsagePercent,
	MetricDiskUsageBytes, MetricDiskIOReadBytes, MetricDiskIOWriteBytes,
	MetricNetworkIORxBytes, MetricNetworkIOTxBytes, MetricGPUUsagePercent,
	MetricGPUMemoryUsageBytes, MetricTasksCompleted, MetricTasksFailed,
	MetricTasksPending, MetricAverageResponseTimeMs, MetricThroughputPerSecond,
	MetricErrorRate, MetricSuccessRate, MetricUptimeSeconds,
	MetricModelInferenceTimeMs, MetricModelAccuracy, MetricConfidenceScore,
	MetricTokensProcessed, MetricTokensPerSecond, MetricContextLength,
	MetricAPICallsMade, MetricAPICallLatencyMs,
}

var coreMetricSet = func() map[string]bool {
	m := make(map[string]bool, len(CoreMetricNames))
	for _, n := range CoreMetricNames {
		m[n] = true
	}
	return m
}()

// IsKnownMetric 是否为合法的指标名(核心指标或 custom.<key>)
func IsKnownMetric(name string) bool {
	if coreMetricSet[name] {
		return true
	}
	return strings.HasPrefix(name, CustomPrefix) && len(name) > len(CustomPrefix)
}

// SuccessRateOrDefault 成功率，未上报时为1
func (p PerformanceMetrics) SuccessRateOrDefault() float64 {
	if p.SuccessRate == nil {
		return 1
	}
	return *p.SuccessRate
}

// Flatten 扁平化为 指标名->值，规则评估、温存储和查询都基于扁平结构
// 可选字段未上报时不出现在结果中
func (s *MetricSample) Flatten() map[string]float64 {
	out := make(map[string]float64, 32+len(s.CustomMetrics))
	r := s.Resource
	out[MetricCPUUsagePercent] = r.CPUUsagePercent
	out[MetricMemoryUsageBytes] = r.MemoryUsageBytes
	out[MetricMemoryUsagePercent] = r.MemoryUsagePercent
	out[MetricDiskUsageBytes] = r.DiskUsageBytes
	out[MetricDiskIOReadBytes] = r.DiskIOReadBytes
	out[MetricDiskIOWriteBytes] = r.DiskIOWriteBytes
	out[MetricNetworkIORxBytes] = r.NetworkIORxBytes
	out[MetricNetworkIOTxBytes] = r.NetworkIOTxBytes
	if r.GPUUsagePercent != nil {
		out[MetricGPUUsagePercent] = *r.GPUUsagePercent
	}
	if r.GPUMemoryUsageBytes != nil {
		out[MetricGPUMemoryUsageBytes] = *r.GPUMemoryUsageBytes
	}

	p := s.Performance
	out[MetricTasksCompleted] = p.TasksCompleted
	out[MetricTasksFailed] = p.TasksFailed
	out[MetricTasksPending] = p.TasksPending
	out[MetricAverageResponseTimeMs] = p.AverageResponseTimeMs
	out[MetricThroughputPerSecond] = p.ThroughputPerSecond
	out[MetricErrorRate] = p.ErrorRate
	out[MetricSuccessRate] = p.SuccessRateOrDefault()
	out[MetricUptimeSeconds] = p.UptimeSeconds

	if ai := s.AI; ai != nil {
		out[MetricModelInferenceTimeMs] = ai.ModelInferenceTimeMs
		out[MetricModelAccuracy] = ai.ModelAccuracy
		out[MetricConfidenceScore] = ai.ConfidenceScore
		out[MetricTokensProcessed] = ai.TokensProcessed
		out[MetricTokensPerSecond] = ai.TokensPerSecond
		out[MetricContextLength] = ai.ContextLength
		out[MetricAPICallsMade] = ai.APICallsMade
		out[MetricAPICallLatencyMs] = ai.APICallLatencyMs
	}

	for k, v := range s.CustomMetrics {
		out[CustomPrefix+k] = v
	}
	return out
}

// NonFiniteFields 返回值为 NaN/Inf 的扁平化指标名(有序)
func (s *MetricSample) NonFiniteFields() []string {
	var bad []string
	for k, v := range s.Flatten() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

// FailingChecks 返回未通过的健康检查名(有序)
func (s *MetricSample) FailingChecks() []string {
	var failing []string
	for name, ok := range s.HealthChecks {
		if !ok {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

// Clone 深拷贝，热缓冲和异步队列持有各自的副本
func (s *MetricSample) Clone() *MetricSample {
	c := *s
	if s.Resource.GPUUsagePercent != nil {
		v := *s.Resource.GPUUsagePercent
		c.Resource.GPUUsagePercent = &v
	}
	if s.Resource.GPUMemoryUsageBytes != nil {
		v := *s.Resource.GPUMemoryUsageBytes
		c.Resource.GPUMemoryUsageBytes = &v
	}
	if s.Performance.SuccessRate != nil {
		v := *s.Performance.SuccessRate
		c.Performance.SuccessRate = &v
	}
	if s.AI != nil {
		ai := *s.AI
		c.AI = &ai
	}
	if s.CustomMetrics != nil {
		c.CustomMetrics = make(map[string]float64, len(s.CustomMetrics))
		for k, v := range s.CustomMetrics {
			c.CustomMetrics[k] = v
		}
	}
	if s.HealthChecks != nil {
		c.HealthChecks = make(map[string]bool, len(s.HealthChecks))
		for k, v := range s.HealthChecks {
			c.HealthChecks[k] = v
		}
	}
	if s.AlertHints != nil {
		c.AlertHints = append([]string(nil), s.AlertHints...)
	}
	return &c
}

// SortSamples 按 (timestamp, seq) 升序排序
func SortSamples(samples []*MetricSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Timestamp.Equal(samples[j].Timestamp) {
			return samples[i].Seq < samples[j].Seq
		}
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}
