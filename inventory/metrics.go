package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// inventoryRequests is a Counter vector of repository page requests
	inventoryRequests *prometheus.CounterVec
)

// EnableMetrics will enable metrics collection for repository listing.
// Available metrics are...
//   - git_backup_inventory_requests_total - (tags: scope,result)
//     A Counter for each page request tagged with the result (success|retry|fatal)
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	inventoryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "git_backup_inventory_requests_total",
		Help:      "Count of repository listing page requests",
	},
		[]string{
			// kind:name of the scope
			"scope",
			// success, retry or fatal
			"result",
		},
	)

	registerer.MustRegister(inventoryRequests)
}

func recordInventoryRequest(scope Scope, result string) {
	// if metrics not enabled return
	if inventoryRequests == nil {
		return
	}
	inventoryRequests.With(prometheus.Labels{
		"scope":  scope.String(),
		"result": result,
	}).Inc()
}
