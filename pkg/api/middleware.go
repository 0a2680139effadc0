package api

import (
	"net/http"
	"strconv"

	"github.com/kohakuriver/kohakuriver/pkg/metrics"
)

// statusRecorder captures the status code a handler writes so the metrics
// middleware can label it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics wraps a handler with request-count and duration observation,
// labeled by r.Pattern (set by ServeMux for pattern-based routes).
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Pattern)
		metrics.APIRequestsTotal.WithLabelValues(r.Pattern, strconv.Itoa(rec.status)).Inc()
	})
}
