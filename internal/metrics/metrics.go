// Package metrics provides Prometheus instrumentation for ircdd,
// consolidating the teacher's four parallel metrics types (Metrics,
// SimpleMetrics, EnhancedMetrics, RuntimeMetricsReader) into one type
// sized for what a chat node reports: connections, IRC traffic, bus
// activity, errors, and host resource usage.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionDuration prometheus.Histogram
	connectionsClosed  prometheus.Counter
	connectionsErrors  prometheus.Counter

	// IRC traffic metrics
	linesReceived prometheus.Counter
	linesSent     prometheus.Counter
	lineSize      prometheus.Histogram

	// Bus metrics
	busLatency    prometheus.Histogram
	busPublishErr prometheus.Counter
	busConnected  prometheus.Gauge
	busReconnects prometheus.Counter
	busMessages   prometheus.Counter

	// Error metrics
	errorsTotal   prometheus.Counter
	errorsByType  *prometheus.CounterVec
	lastErrorTime prometheus.Gauge

	// System metrics
	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	startTime time.Time

	mu        sync.RWMutex
	usersOnline int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_connections_total",
			Help: "Total number of IRC connections accepted",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ircdd_connections_active",
			Help: "Number of currently open IRC connections",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ircdd_connection_duration_seconds",
			Help:    "Duration of IRC connections",
			Buckets: prometheus.DefBuckets,
		}),
		connectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_connections_closed_total",
			Help: "Total number of closed IRC connections",
		}),
		connectionsErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_connection_errors_total",
			Help: "Total number of connection-level errors",
		}),

		linesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_lines_received_total",
			Help: "Total number of IRC lines received from clients",
		}),
		linesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_lines_sent_total",
			Help: "Total number of IRC lines written to clients",
		}),
		lineSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ircdd_line_size_bytes",
			Help:    "Size of IRC protocol lines in bytes",
			Buckets: []float64{16, 32, 64, 128, 256, 512},
		}),

		busLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ircdd_bus_publish_latency_seconds",
			Help:    "Latency of cluster bus publish calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		busPublishErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_bus_publish_errors_total",
			Help: "Total number of failed bus publishes",
		}),
		busConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ircdd_bus_connected",
			Help: "1 if connected to the cluster bus, 0 otherwise",
		}),
		busReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_bus_reconnects_total",
			Help: "Total number of bus reconnections",
		}),
		busMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_bus_messages_total",
			Help: "Total number of records delivered over the bus",
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ircdd_errors_total",
			Help: "Total number of errors",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ircdd_errors_by_type_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),
		lastErrorTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ircdd_last_error_timestamp",
			Help: "Timestamp of the last recorded error",
		}),

		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ircdd_goroutines",
			Help: "Number of live goroutines",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ircdd_process_memory_bytes",
			Help: "Process heap usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ircdd_host_cpu_percent",
			Help: "Host CPU usage percentage",
		}),
	}
}

// Connection tracking

func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
	m.mu.Lock()
	m.usersOnline++
	m.mu.Unlock()
}

func (m *Metrics) DecrementConnections(opened time.Time) {
	m.connectionsClosed.Inc()
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(time.Since(opened).Seconds())
	m.mu.Lock()
	m.usersOnline--
	m.mu.Unlock()
}

func (m *Metrics) RecordConnectionError() {
	m.connectionsErrors.Inc()
	m.RecordError("connection")
}

// IRC traffic tracking

func (m *Metrics) LineReceived(size int) {
	m.linesReceived.Inc()
	m.lineSize.Observe(float64(size))
}

func (m *Metrics) LineSent() {
	m.linesSent.Inc()
}

// Bus tracking

func (m *Metrics) RecordBusLatency(d time.Duration) {
	m.busLatency.Observe(d.Seconds())
}

func (m *Metrics) BusPublishFailed() {
	m.busPublishErr.Inc()
}

func (m *Metrics) BusMessageDelivered() {
	m.busMessages.Inc()
}

func (m *Metrics) SetBusConnected(connected bool) {
	if connected {
		m.busConnected.Set(1)
	} else {
		m.busConnected.Set(0)
	}
}

func (m *Metrics) IncrementBusReconnects() {
	m.busReconnects.Inc()
}

// Error tracking

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
	m.lastErrorTime.SetToCurrentTime()
}

// System metrics

func (m *Metrics) UpdateGoroutinesCount(count int) {
	m.goroutinesCount.Set(float64(count))
}

func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.memoryUsage.Set(float64(bytes))
}

func (m *Metrics) UpdateCPUUsage(percent float64) {
	m.cpuUsage.Set(percent)
}

// Getters for the admin HTTP surface

func (m *Metrics) ActiveUsers() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usersOnline
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
