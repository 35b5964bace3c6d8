/**
 * 监控总览服务
 * @author: sun977
 * @date: 2025.10.31
 * @description: 仪表盘总览、单个Agent健康报告、系统健康(含自身资源占用)
 * @func: Dashboard、AgentHealth、SystemHealth
 */
package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	agentModel "agentmonitor/internal/model/agent"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/model/metrics"
	"agentmonitor/internal/pkg/clock"
	"agentmonitor/internal/pkg/logger"
)

// 系统健康分级阈值
const (
	healthyRatio  = 0.9
	degradedRatio = 0.7
)

// 单个Agent健康检查阈值
const (
	responseTimeWarnMs = 1000.0
	responseTimeFailMs = 5000.0
	errorRateWarn      = 0.01
	errorRateFail      = 0.05
	resourceWarn       = 80.0
	resourceFail       = 95.0
)

// AgentSource Agent 数据来源(注册中心)
type AgentSource interface {
	All(ctx context.Context) ([]*agentModel.Agent, error)
	Summary(ctx context.Context, agentID string) (*agentModel.AgentSummary, error)
}

// MetricsSource 指标数据来源(接入服务)
type MetricsSource interface {
	Recent(ctx context.Context, agentID string, limit int) ([]*metrics.MetricSample, error)
	FleetSummary(ctx context.Context) (*metrics.FleetSummary, error)
}

// AlertCounter 未恢复告警计数
type AlertCounter interface {
	CountOpenByAgent(ctx context.Context) (map[string]int, error)
}

// StorageHealth 刷写是否降级
type StorageHealth interface {
	Degraded() bool
}

// SelfSampler 采集监控服务自身的资源占用
type SelfSampler func(ctx context.Context) (*agentModel.SelfUsage, error)

// MonitorService 监控总览服务接口
type MonitorService interface {
	Dashboard(ctx context.Context) (*agentModel.DashboardOverview, error)
	AgentHealth(ctx context.Context, agentID string) (*agentModel.HealthReport, error)
	SystemHealth(ctx context.Context) (*agentModel.SystemHealth, error)
}

type monitorService struct {
	agents  AgentSource
	metrics MetricsSource
	alerts  AlertCounter
	storage StorageHealth
	sampler SelfSampler
	clock   clock.Clock
}

// NewMonitorService 创建监控总览服务，alerts/storage/sampler 可以为 nil
func NewMonitorService(agents AgentSource, metricsSource MetricsSource, alerts AlertCounter, storage StorageHealth, sampler SelfSampler, clk clock.Clock) MonitorService {
	if clk == nil {
		clk = clock.Real()
	}
	return &monitorService{
		agents:  agents,
		metrics: metricsSource,
		alerts:  alerts,
		storage: storage,
		sampler: sampler,
		clock:   clk,
	}
}

// isHealthy online 和 warning 视为健康
func isHealthy(status agentModel.AgentStatus) bool {
	return status == agentModel.AgentStatusOnline || status == agentModel.AgentStatusWarning
}

// Dashboard 仪表盘总览
func (s *monitorService) Dashboard(ctx context.Context) (*agentModel.DashboardOverview, error) {
	agents, err := s.agents.All(ctx)
	if err != nil {
		return nil, err
	}
	overview := &agentModel.DashboardOverview{
		StatusCounts: make(map[agentModel.AgentStatus]int),
		Environments: make(map[string]int),
		Types:        make(map[agentModel.AgentType]int),
		GeneratedAt:  s.clock.Now().UTC(),
	}
	healthy := 0
	for _, a := range agents {
		if a.IsDeregistered() {
			continue
		}
		overview.TotalAgents++
		overview.StatusCounts[a.Status]++
		overview.Environments[a.Environment]++
		overview.Types[a.Type]++
		if isHealthy(a.Status) {
			healthy++
		}
	}
	if overview.TotalAgents > 0 {
		overview.HealthPercentage = float64(healthy) / float64(overview.TotalAgents) * 100
	}

	if s.alerts != nil {
		counts, err := s.alerts.CountOpenByAgent(ctx)
		if err != nil {
			return nil, err
		}
		for agentID, n := range counts {
			if agentID != alertModel.SystemAgentID {
				overview.ActiveAlerts += n
			}
		}
	}

	if s.metrics != nil {
		fleet, err := s.metrics.FleetSummary(ctx)
		if err != nil {
			return nil, err
		}
		overview.Metrics = map[string]interface{}{
			"reporting_agents":         fleet.ReportingAgents,
			"avg_cpu_usage_percent":    fleet.AvgCPUPercent,
			"avg_memory_usage_percent": fleet.AvgMemoryPercent,
			"avg_response_time_ms":     fleet.AvgResponseTimeMs,
			"system_error_rate":        fleet.SystemErrorRate,
		}
	}
	return overview, nil
}

// AgentHealth 单个Agent健康报告，检查项来自状态和最近一个样本
func (s *monitorService) AgentHealth(ctx context.Context, agentID string) (*agentModel.HealthReport, error) {
	summary, err := s.agents.Summary(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var latest *metrics.MetricSample
	if s.metrics != nil {
		recent, err := s.metrics.Recent(ctx, agentID, 1)
		if err != nil {
			return nil, err
		}
		if len(recent) > 0 {
			latest = recent[0]
		}
	}
	return &agentModel.HealthReport{
		AgentID:     agentID,
		Status:      summary.Status,
		HealthScore: summary.HealthScore,
		Checks:      HealthChecks(summary.Status, latest),
		CheckedAt:   s.clock.Now().UTC(),
	}, nil
}

// HealthChecks 连通性、响应时间、错误率、资源使用四项检查
func HealthChecks(status agentModel.AgentStatus, latest *metrics.MetricSample) []agentModel.HealthCheckResult {
	checks := make([]agentModel.HealthCheckResult, 0, 4)

	conn := agentModel.HealthCheckResult{Name: "connectivity", Status: "pass", Message: "agent is reachable"}
	switch {
	case isHealthy(status):
	case status == agentModel.AgentStatusOffline || status == agentModel.AgentStatusDeregistered:
		conn.Status, conn.Message = "fail", "agent is "+string(status)
	default:
		conn.Status, conn.Message = "warn", "agent status is "+string(status)
	}
	checks = append(checks, conn)

	if latest == nil {
		for _, name := range []string{"response_time", "error_rate", "resources"} {
			checks = append(checks, agentModel.HealthCheckResult{Name: name, Status: "warn", Message: "no recent metrics"})
		}
		return checks
	}

	rt := latest.Performance.AverageResponseTimeMs
	checks = append(checks, grade("response_time", rt, responseTimeWarnMs, responseTimeFailMs, "%.0fms average response time"))
	checks = append(checks, grade("error_rate", latest.Performance.ErrorRate, errorRateWarn, errorRateFail, "error rate %.3f"))
	usage := latest.Resource.CPUUsagePercent
	if latest.Resource.MemoryUsagePercent > usage {
		usage = latest.Resource.MemoryUsagePercent
	}
	checks = append(checks, grade("resources", usage, resourceWarn, resourceFail, "peak cpu/memory usage %.1f%%"))
	return checks
}

func grade(name string, value, warn, fail float64, format string) agentModel.HealthCheckResult {
	status := "pass"
	switch {
	case value >= fail:
		status = "fail"
	case value >= warn:
		status = "warn"
	}
	return agentModel.HealthCheckResult{Name: name, Status: status, Value: value, Message: fmt.Sprintf(format, value)}
}

// SystemHealth 系统健康：健康比例 >=0.9 healthy，>=0.7 degraded，否则 unhealthy；没有Agent时为 healthy
func (s *monitorService) SystemHealth(ctx context.Context) (*agentModel.SystemHealth, error) {
	agents, err := s.agents.All(ctx)
	if err != nil {
		return nil, err
	}
	out := &agentModel.SystemHealth{
		StatusDistribution: make(map[agentModel.AgentStatus]int),
		HealthRatio:        1,
		CheckedAt:          s.clock.Now().UTC(),
	}
	for _, a := range agents {
		if a.IsDeregistered() {
			continue
		}
		out.TotalAgents++
		out.StatusDistribution[a.Status]++
		if isHealthy(a.Status) {
			out.HealthyAgents++
		}
	}
	if out.TotalAgents > 0 {
		out.HealthRatio = float64(out.HealthyAgents) / float64(out.TotalAgents)
	}
	out.Status = ClassifyHealth(out.HealthRatio)
	if s.storage != nil && s.storage.Degraded() {
		out.StorageDegraded = true
		if out.Status == agentModel.SystemHealthy {
			out.Status = agentModel.SystemDegraded
		}
	}

	if s.sampler != nil {
		self, err := s.sampler(ctx)
		if err != nil {
			logger.LogSystemEvent("monitor", "self_usage", "collect self usage failed: "+err.Error(), logrus.WarnLevel, nil)
		} else {
			out.Self = self
		}
	}
	return out, nil
}

// ClassifyHealth 健康比例分级
func ClassifyHealth(ratio float64) agentModel.SystemHealthStatus {
	switch {
	case ratio >= healthyRatio:
		return agentModel.SystemHealthy
	case ratio >= degradedRatio:
		return agentModel.SystemDegraded
	default:
		return agentModel.SystemUnhealthy
	}
}

// ProcessSampler 用 gopsutil 采集本进程和主机的资源占用，单项失败时该项为0
func ProcessSampler() SelfSampler {
	proc, procErr := process.NewProcess(int32(os.Getpid()))
	return func(ctx context.Context) (*agentModel.SelfUsage, error) {
		usage := &agentModel.SelfUsage{Goroutines: runtime.NumGoroutine()}
		if procErr == nil {
			if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
				usage.CPUPercent = pct
			}
			if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
				usage.MemoryRSS = info.RSS
			}
			if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
				usage.MemoryPercent = float64(pct)
			}
		}

		// 间隔0返回自上次调用以来的使用率
		if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
			usage.HostCPU = pcts[0]
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil && procErr != nil {
			return nil, fmt.Errorf("collect self usage: %w", err)
		}
		if vm != nil {
			usage.HostMemory = vm.UsedPercent
		}
		return usage, nil
	}
}
