package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// aegis_throttle_delay_seconds{policy}
	ThrottleDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "throttle_delay_seconds",
			Help:      "Delay applied by Throttle decisions, labeled by the decision's reason string (which names the action policy).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"policy"},
	)
)

func init() {
	prometheus.MustRegister(ThrottleDelay)
}
