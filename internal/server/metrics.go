package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/routing"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grant_tracker_http_requests_total",
		Help: "HTTP requests by route class, method and status.",
	}, []string{"class", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grant_tracker_http_request_duration_seconds",
		Help:    "HTTP request latency by route class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	remindersSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grant_tracker_reminders_sent_total",
		Help: "Deadline reminders delivered by the reminder daemon.",
	})
)

// statusRecorder captures the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func observeRequest(class routing.RouteClass, method string, status int, seconds float64) {
	httpRequestsTotal.WithLabelValues(string(class), method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(string(class)).Observe(seconds)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
