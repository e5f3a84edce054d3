package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every route.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Seat accounting metrics.
var (
	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_reservations_total",
			Help: "Seat reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	releasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_releases_total",
			Help: "Seat release attempts by outcome.",
		},
		[]string{"outcome"},
	)

	seatsOccupied = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "course_seats_occupied",
			Help: "Claimed seats per course as last observed by the service.",
		},
		[]string{"course_id"},
	)

	seatsCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "course_seats_capacity",
			Help: "Seat capacity per course as last observed by the service.",
		},
		[]string{"course_id"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_events_published_total",
			Help: "Lifecycle events handed to the event stream.",
		},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_events_dropped_total",
			Help: "Event deliveries skipped because a subscriber buffer was full.",
		},
		[]string{"type"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			reservationsTotal, releasesTotal, seatsOccupied, seatsCapacity,
			eventsPublished, eventsDropped, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReservation counts one reserve attempt.
func ObserveReservation(outcome string) { reservationsTotal.WithLabelValues(outcome).Inc() }

// ObserveRelease counts one release attempt.
func ObserveRelease(outcome string) { releasesTotal.WithLabelValues(outcome).Inc() }

// SetOccupancy records the latest seat numbers of a course.
func SetOccupancy(courseID string, occupied, capacity uint) {
	seatsOccupied.WithLabelValues(courseID).Set(float64(occupied))
	seatsCapacity.WithLabelValues(courseID).Set(float64(capacity))
}

// ObserveEvent counts one published lifecycle event.
func ObserveEvent(eventType string) { eventsPublished.WithLabelValues(eventType).Inc() }

// ObserveEventDropped counts one event a slow subscriber did not receive.
func ObserveEventDropped(eventType string) { eventsDropped.WithLabelValues(eventType).Inc() }

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps next with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// identified collections: the segment following one of these is an id.
var identified = map[string]struct{}{
	"courses":     {},
	"enrollments": {},
	"instructors": {},
	"users":       {},
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	if len(parts) < 4 || parts[1] != "v1" {
		return p
	}
	for i := 3; i < len(parts); i++ {
		if _, ok := identified[parts[i-1]]; ok && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// statusWriter records the response code for the histogram labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
