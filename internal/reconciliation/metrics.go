package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	unsettledEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "unsettled_escrows",
		Help:      "Final-state escrows without a release or refund reference in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(unsettledEscrows, runDuration, runErrors)
}
