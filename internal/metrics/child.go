package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	childCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the supervised application.",
		}, []string{"app"},
	)
	childMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "memory_bytes",
			Help:      "Resident set size of the supervised application.",
		}, []string{"app"},
	)
	childThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "threads",
			Help:      "Thread count of the supervised application.",
		}, []string{"app"},
	)
)

// ChildUsage is one resource sample of a supervised application.
type ChildUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU, memory and thread usage for pid.
func Sample(pid int32) (ChildUsage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ChildUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	return sample(proc)
}

func sample(proc *process.Process) (ChildUsage, error) {
	u := ChildUsage{PID: proc.Pid, Timestamp: time.Now()}

	// CPUPercent needs a previous call on the same handle to be accurate
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ChildUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u.MemoryRSS = memInfo.RSS
	u.MemoryVMS = memInfo.VMS
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// ChildSampler periodically publishes the child gauges for one application.
type ChildSampler struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Run samples pid every Interval until ctx is done, then deletes the gauges.
// It returns immediately when Interval is not positive.
func (s ChildSampler) Run(ctx context.Context, app string, pid int32) {
	if s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		childCPUPercent.DeleteLabelValues(app)
		childMemoryBytes.DeleteLabelValues(app)
		childThreads.DeleteLabelValues(app)
	}()

	proc, err := process.NewProcess(pid)
	if err != nil {
		logger.Debug("child sampler: process gone", "pid", pid, "error", err)
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u, err := sample(proc)
			if err != nil {
				logger.Debug("child sampler: sample failed", "pid", pid, "error", err)
				continue
			}
			if regOK.Load() {
				childCPUPercent.WithLabelValues(app).Set(u.CPUPercent)
				childMemoryBytes.WithLabelValues(app).Set(float64(u.MemoryRSS))
				childThreads.WithLabelValues(app).Set(float64(u.NumThreads))
			}
		}
	}
}
