package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	workerStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localinfer",
		Subsystem: "worker",
		Name:      "starts_total",
		Help:      "Worker start attempts by result",
	}, []string{"result"})
	workerCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "localinfer",
		Subsystem: "worker",
		Name:      "crashes_total",
		Help:      "Unexpected worker exits while ready",
	})
	generateSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "localinfer",
		Subsystem: "worker",
		Name:      "generate_seconds",
		Help:      "Time from request to final token",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"mode"})
)

func init() {
	prometheus.MustRegister(workerStarts, workerCrashes, generateSeconds)
}
