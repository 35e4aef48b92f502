package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Stream outcomes recorded by countStreamEnd.
const (
	outcomeDone         = "done"
	outcomeFailed       = "failed"
	outcomeDisconnected = "disconnected"
)

// Generations and pulls hold their request open until the last NDJSON
// line, so latency buckets reach well past the default ten seconds.
var apiLatencyBuckets = []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300, 1800}

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localinfer",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route pattern, method and response code.",
		},
		[]string{"route", "method", "code"},
	)

	apiLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localinfer",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Time until the last byte of an API response, streamed lines included.",
			Buckets:   apiLatencyBuckets,
		},
		[]string{"route", "method", "code"},
	)

	apiOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "localinfer",
			Subsystem: "api",
			Name:      "open_requests",
			Help:      "API requests currently being served, including open streams.",
		},
		[]string{"method"},
	)

	generationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localinfer",
			Subsystem: "api",
			Name:      "generation_rejections_total",
			Help:      "Generations refused with 429 because the model's admission slots were taken.",
		},
		[]string{"reason"},
	)

	generateDeltas = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localinfer",
			Subsystem: "api",
			Name:      "generate_deltas_total",
			Help:      "Text deltas written to /generate streams.",
		},
	)

	streamEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localinfer",
			Subsystem: "api",
			Name:      "stream_ends_total",
			Help:      "NDJSON streams by kind (generate, pull) and how they ended.",
		},
		[]string{"stream", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency, apiOpen, generationRejections, generateDeltas, streamEnds)
}

// codeRecorder remembers the response code. Flush passes through so the
// NDJSON handlers keep streaming behind it.
type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (cr *codeRecorder) WriteHeader(code int) {
	cr.code = code
	cr.ResponseWriter.WriteHeader(code)
}

func (cr *codeRecorder) Flush() {
	if f, ok := cr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cr *codeRecorder) Unwrap() http.ResponseWriter { return cr.ResponseWriter }

// instrument records request counts, latency and open requests per route.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cr := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		open := apiOpen.WithLabelValues(r.Method)
		open.Inc()
		defer open.Dec()
		start := time.Now()
		next.ServeHTTP(cr, r)

		// chi fills in the pattern while routing, so read it afterwards
		route := routeLabel(r)
		code := strconv.Itoa(cr.code)
		apiRequests.WithLabelValues(route, r.Method, code).Inc()
		apiLatency.WithLabelValues(route, r.Method, code).Observe(time.Since(start).Seconds())
	})
}

// routeLabel keeps model ids out of label values: /models/org/name is
// recorded as /models/*. Unrouted requests collapse to a single label.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func countRejection(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	generationRejections.WithLabelValues(reason).Inc()
}

func countStreamEnd(stream, outcome string) {
	streamEnds.WithLabelValues(stream, outcome).Inc()
}
