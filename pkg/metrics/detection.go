package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// --- Pipeline verdicts ---
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "detections_total",
			Help:      "Count of completed detection pipeline runs, labeled by risk band and decided action.",
		},
		[]string{"risk_band", "action"},
	)

	BotProbability = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "bot_probability",
			Help:      "Distribution of aggregated BotProbability across requests.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	EarlyExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "early_exits_total",
			Help:      "Count of pipeline runs that exited early, labeled by reason (immediate_block when a forced block was recorded, threshold otherwise).",
		},
		[]string{"reason"},
	)

	DetectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "detector_duration_seconds",
			Help:      "Per-detector wall-clock time within a stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	FailedDetectorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "failed_detectors_total",
			Help:      "Count of detector timeouts/panics, labeled by detector name.",
		},
		[]string{"detector"},
	)

	// --- Action Selector outcomes ---
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "actions_total",
			Help:      "Non-Allow decisions applied by the middleware, labeled by action and the decision's reason string.",
		},
		[]string{"action", "policy"},
	)

	registerOnce sync.Once
)

// RegisterDetectionMetrics registers all pipeline metrics once.
func RegisterDetectionMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(DetectionsTotal)
		reg.MustRegister(BotProbability)
		reg.MustRegister(EarlyExitsTotal)
		reg.MustRegister(DetectorDuration)
		reg.MustRegister(FailedDetectorsTotal)
		reg.MustRegister(ActionsTotal)
	})
}
