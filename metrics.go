package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kwv/pointsim/sim"
)

var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pointsim",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsim",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pointsim",
			Name:      "query_duration_seconds",
			Help:      "Visibility query duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
		[]string{"source"}, // "query" / "step"
	)

	landmarksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsim",
			Name:      "landmarks_rejected_total",
			Help:      "Landmarks rejected by a visibility test",
		},
		[]string{"test"}, // "frustum" / "distance" / "angle"
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointsim",
			Name:      "steps_total",
			Help:      "Session steps by origin",
		},
		[]string{"origin", "status"}, // origin: "keyboard" / "trajectory" / "http" / "mqtt"
	)

	landmarksSeen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pointsim",
			Name:      "landmarks_seen",
			Help:      "Landmarks seen in the current session",
		},
	)

	cloudLandmarks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pointsim",
			Name:      "cloud_landmarks",
			Help:      "Landmarks in the loaded cloud",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestDuration,
		httpRequestsTotal,
		queryDuration,
		landmarksRejected,
		stepsTotal,
		landmarksSeen,
		cloudLandmarks,
	)
}

// observeQuery records the timing and rejection counts of one visibility query
func observeQuery(source string, start time.Time, stats sim.QueryStats) {
	queryDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	landmarksRejected.WithLabelValues(sim.RejectFrustum.String()).Add(float64(stats.Frustum))
	landmarksRejected.WithLabelValues(sim.RejectDistance.String()).Add(float64(stats.Distance))
	landmarksRejected.WithLabelValues(sim.RejectAngle.String()).Add(float64(stats.Angle))
}

// observeStep records a step attempt and the resulting seen-set size
func observeStep(origin string, res sim.StepResult, err error) {
	if err != nil {
		stepsTotal.WithLabelValues(origin, "error").Inc()
		return
	}
	stepsTotal.WithLabelValues(origin, "ok").Inc()
	landmarksSeen.Set(float64(len(res.Seen)))
}

// metricsMiddleware records HTTP request duration and count.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := strconv.Itoa(ww.status)

		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
