package backup

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful clone or fetch
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of repository operations
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of clone and fetch durations
	syncLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for backup runs.
// Available metrics are...
//   - git_backup_last_sync_timestamp - (tags: repo)
//     A Gauge that captures the Timestamp of the last successful sync per repo.
//   - git_backup_sync_count - (tags: repo,op,success)
//     A Counter for each repo result tagged with the operation and the result (success=true|false)
//   - git_backup_sync_latency_seconds - (tags: op)
//     A Histogram that keeps track of the clone and fetch latency.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	lastSyncTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_last_sync_timestamp",
		Help:      "Timestamp of the last successful repository sync",
	},
		[]string{
			// name of the repository
			"repo",
		},
	)

	syncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_sync_count",
		Help:      "Count of repository sync operations",
	},
		[]string{
			// name of the repository
			"repo",
			// clone, fetch or skip
			"op",
			// Whether the operation was successful or not
			"success",
		},
	)

	syncLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_sync_latency_seconds",
		Help:      "Latency for repository clone and fetch",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300, 600},
	},
		[]string{
			"op",
		},
	)

	registerer.MustRegister(
		lastSyncTimestamp,
		syncCount,
		syncLatency,
	)
}

// recordResult updates all the relevant metrics for given result
func recordResult(r Result) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil || syncLatency == nil {
		return
	}
	if r.Success() && r.Op != OpSkip {
		lastSyncTimestamp.With(prometheus.Labels{
			"repo": r.Repo,
		}).Set(float64(time.Now().Unix()))
	}
	syncCount.With(prometheus.Labels{
		"repo":    r.Repo,
		"op":      string(r.Op),
		"success": strconv.FormatBool(r.Success()),
	}).Inc()
	if r.Op != OpSkip {
		syncLatency.WithLabelValues(string(r.Op)).Observe(r.Duration.Seconds())
	}
}
