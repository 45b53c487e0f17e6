package metrics

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for one client process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

var (
	clientCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "cpu_percent",
			Help:      "CPU usage of the client process.",
		}, []string{"client"},
	)
	clientRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the client process.",
		}, []string{"client"},
	)
	clientThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "frpvisor",
			Subsystem: "client",
			Name:      "threads",
			Help:      "Thread count of the client process.",
		}, []string{"client"},
	)
)

// Sample reads resource usage of pid through gopsutil.
func Sample(ctx context.Context, pid int) (ProcessMetrics, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	m := ProcessMetrics{PID: int32(pid), Timestamp: time.Now()}
	// CPU percent may be 0 on the first call for a fresh handle
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent = cpu
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m.MemoryRSS = memInfo.RSS
	m.MemoryVMS = memInfo.VMS
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

// ObserveProcess publishes a sample under the client's label.
func ObserveProcess(client string, m ProcessMetrics) {
	if !regOK.Load() {
		return
	}
	clientCPU.WithLabelValues(client).Set(m.CPUPercent)
	clientRSS.WithLabelValues(client).Set(float64(m.MemoryRSS))
	clientThreads.WithLabelValues(client).Set(float64(m.NumThreads))
}

// ForgetProcess drops resource gauges for a client that is no longer running.
func ForgetProcess(client string) {
	if !regOK.Load() {
		return
	}
	clientCPU.DeleteLabelValues(client)
	clientRSS.DeleteLabelValues(client)
	clientThreads.DeleteLabelValues(client)
}
