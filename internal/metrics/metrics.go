// Package metrics provides Prometheus metrics for monitoring the control
// plane.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts completed runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_runs_total",
			Help: "Total number of runs completed, by terminal status",
		},
		[]string{"status"},
	)

	// RunDuration tracks run execution duration from the run's StartedAt to a terminal status.
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
		[]string{"status"},
	)

	// BrowserPoolSize shows the configured per-user browser pool cap.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_browser_pool_max_per_user",
			Help: "Configured maximum concurrent browser slots per user",
		},
	)

	// BrowserPoolAvailable shows slots currently in Ready state across all users.
	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_browser_pool_ready_slots",
			Help: "Browser slots currently ready across all users",
		},
	)

	// BrowserPoolAcquired counts total slot reservations.
	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_browser_pool_reserved_total",
			Help: "Total browser slot reservations",
		},
	)

	// BrowserPoolRecycled counts slots torn down (closed, failed, or evicted as stale).
	BrowserPoolRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_browser_pool_closed_total",
			Help: "Total browser slots closed",
		},
	)

	// QueueDepth shows the current pending-job count per queue name.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_queue_depth",
			Help: "Pending job count in a run queue",
		},
		[]string{"queue"},
	)

	// WSActiveConnections shows current live WebSocket connections per namespace family.
	WSActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_ws_active_connections",
			Help: "Active WebSocket connections, by namespace family",
		},
		[]string{"namespace"},
	)

	// RecoveredRunsTotal counts runs reconciled by orphan recovery, by outcome.
	RecoveredRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_recovered_runs_total",
			Help: "Total runs reconciled by orphan recovery, by outcome",
		},
		[]string{"outcome"}, // "requeued" or "exhausted"
	)

	// IntegrationDeliveriesTotal counts integration pipeline delivery attempts.
	IntegrationDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_integration_deliveries_total",
			Help: "Total integration delivery attempts, by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"}, // outcome: "delivered", "retrying", "dropped"
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDuration,
		BrowserPoolSize,
		BrowserPoolAvailable,
		BrowserPoolAcquired,
		BrowserPoolRecycled,
		QueueDepth,
		WSActiveConnections,
		RecoveredRunsTotal,
		IntegrationDeliveriesTotal,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

// updateMemoryMetrics updates memory-related metrics.
func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRun records metrics for a run that reached a terminal status.
func RecordRun(status string, duration time.Duration) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRecovery records an orphan-recovery reconciliation outcome.
func RecordRecovery(outcome string) {
	RecoveredRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordIntegrationDelivery records an integration pipeline delivery attempt outcome.
func RecordIntegrationDelivery(pipeline, outcome string) {
	IntegrationDeliveriesTotal.WithLabelValues(pipeline, outcome).Inc()
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(maxPerUser, readySlots int) {
	BrowserPoolSize.Set(float64(maxPerUser))
	BrowserPoolAvailable.Set(float64(readySlots))
}

// UpdateQueueDepth records the current pending-job count for a queue.
func UpdateQueueDepth(queueName string, depth int64) {
	QueueDepth.WithLabelValues(queueName).Set(float64(depth))
}

// UpdateWSConnections records the current connection count for a namespace family.
func UpdateWSConnections(namespace string, count int) {
	WSActiveConnections.WithLabelValues(namespace).Set(float64(count))
}
