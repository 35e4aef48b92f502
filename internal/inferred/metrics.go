package inferred

import "github.com/prometheus/client_golang/prometheus"

var (
	serverStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localinfer",
		Subsystem: "server",
		Name:      "starts_total",
		Help:      "Server binary start attempts by result",
	}, []string{"result"})
	serverCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "localinfer",
		Subsystem: "server",
		Name:      "crashes_total",
		Help:      "Unexpected server binary exits while alive",
	})
)

func init() {
	prometheus.MustRegister(serverStarts, serverCrashes)
}
