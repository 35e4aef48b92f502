package hf

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "localinfer",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Bytes written to the model cache by pulls",
	})
	downloadFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localinfer",
		Subsystem: "download",
		Name:      "files_total",
		Help:      "Files processed by pulls, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(downloadBytesTotal, downloadFilesTotal)
}
