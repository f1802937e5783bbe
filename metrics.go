package telepathy

import "github.com/prometheus/client_golang/prometheus"

// newMetricsRegistry gives each Session its own registry rather than
// reaching for prometheus.DefaultRegisterer, so two Sessions in one
// process never collide on metric names distinguished only by the
// session label.
func newMetricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
