package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics samples host CPU and process memory on a timer,
// feeding the gauges a Metrics instance exposes on the admin surface.
// Dropped the teacher's CPUTracker (a goroutine-scheduler-latency proxy
// for CPU usage): gopsutil already measures real host CPU, and keeping
// both left two disagreeing numbers with no consumer for the fake one.
type SystemMetrics struct {
	mu          sync.RWMutex
	cpuPercent  float64
	memoryStats runtime.MemStats
}

func NewSystemMetrics() *SystemMetrics {
	sm := &SystemMetrics{}
	sm.updateCPU()
	return sm
}

// Update refreshes both memory and CPU readings; called by the
// server's metrics-sampling ticker at the configured interval.
func (sm *SystemMetrics) Update() {
	sm.updateMemory()
	sm.updateCPU()
}

func (sm *SystemMetrics) updateMemory() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	runtime.ReadMemStats(&sm.memoryStats)
}

func (sm *SystemMetrics) updateCPU() {
	percents, err := cpu.Percent(time.Second, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cpuPercent == 0 {
		sm.cpuPercent = current
		return
	}
	const alpha = 0.3
	sm.cpuPercent = alpha*current + (1-alpha)*sm.cpuPercent
}

func (sm *SystemMetrics) MemoryBytes() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.memoryStats.HeapAlloc
}

func (sm *SystemMetrics) CPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent
}

// Snapshot returns the values reported by the admin /stats endpoint.
func (sm *SystemMetrics) Snapshot() map[string]interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return map[string]interface{}{
		"cpu_percent":    sm.cpuPercent,
		"heap_alloc_mb":  float64(sm.memoryStats.HeapAlloc) / 1024 / 1024,
		"sys_total_mb":   float64(sm.memoryStats.Sys) / 1024 / 1024,
		"gc_count":       sm.memoryStats.NumGC,
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"cores":          runtime.NumCPU(),
	}
}
