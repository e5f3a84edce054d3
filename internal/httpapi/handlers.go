package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pvhip/GymMaster/internal/audit"
	"github.com/pvhip/GymMaster/internal/auth"
	"github.com/pvhip/GymMaster/internal/enrollment"
	"github.com/pvhip/GymMaster/internal/obs"
	"github.com/pvhip/GymMaster/internal/stream"
)

const serviceName = "gymmaster-api"

// ReadyProbe reports readiness by pinging the database when one is set.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options tunes the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Version      string
	Ready        readinessChecker
	Stream       *stream.Stream
	CORSOrigins  []string
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
	TokenTTL     time.Duration
}

// API is the HTTP layer over the enrollment service.
type API struct {
	mux     *http.ServeMux
	svc     *enrollment.Service
	signer  *auth.Signer
	stream  *stream.Stream
	ready   readinessChecker
	version string

	corsOrigins  []string
	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
	tokenTTL     time.Duration

	closeOnce sync.Once
	closing   chan struct{}
}

func New(svc *enrollment.Service, signer *auth.Signer, opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		signer:       signer,
		stream:       opts.Stream,
		ready:        opts.Ready,
		version:      opts.Version,
		corsOrigins:  opts.CORSOrigins,
		rateBurst:    opts.RateBurst,
		ratePerSec:   opts.RatePerSec,
		maxBodyBytes: opts.MaxBodyBytes,
		tokenTTL:     opts.TokenTTL,
		closing:      make(chan struct{}),
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = time.Hour
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /v1/me", a.me)
	a.mux.HandleFunc("POST /v1/auth/token", a.issueToken)

	a.mux.HandleFunc("GET /v1/courses", a.listCourses)
	a.mux.HandleFunc("GET /v1/courses/{id}", a.getCourse)
	a.mux.HandleFunc("PUT /v1/courses/{id}/status", a.setCourseStatus)
	a.mux.HandleFunc("POST /v1/courses/{id}/enrollments", a.register)
	a.mux.HandleFunc("GET /v1/courses/{id}/enrollments", a.courseRoster)
	a.mux.HandleFunc("GET /v1/courses/{id}/summary", a.courseSummary)

	a.mux.HandleFunc("GET /v1/users/{id}/enrollments", a.userEnrollments)
	a.mux.HandleFunc("GET /v1/users/{id}/summary", a.userSummary)
	a.mux.HandleFunc("GET /v1/instructors/{id}/summary", a.instructorSummary)

	a.mux.HandleFunc("GET /v1/enrollments/{id}", a.getEnrollment)
	a.mux.HandleFunc("POST /v1/enrollments/{id}/cancel", a.cancel)
	a.mux.HandleFunc("POST /v1/enrollments/{id}/payment", a.payment)
	a.mux.HandleFunc("POST /v1/enrollments/{id}/approve", a.approve)
	a.mux.HandleFunc("POST /v1/enrollments/{id}/complete", a.complete)
	a.mux.HandleFunc("PUT /v1/enrollments/{id}/progress", a.progress)

	a.mux.HandleFunc("GET /v1/events", a.Stream)

	return a
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// CloseStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on SSE clients.
func (a *API) CloseStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// handleServiceError maps the enrollment error taxonomy onto HTTP.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := enrollment.ErrorCode(err)
	switch code {
	case enrollment.CodeCourseFull, enrollment.CodeAlreadyEnrolled, enrollment.CodeCourseUnavailable,
		enrollment.CodeAlreadyCancelled, enrollment.CodeInvalidTransition:
		writeError(w, r, http.StatusConflict, code, err.Error())
	case enrollment.CodeForbidden:
		writeError(w, r, http.StatusForbidden, code, err.Error())
	case enrollment.CodeNotFound:
		writeError(w, r, http.StatusNotFound, code, err.Error())
	case enrollment.CodeInvalidArgument:
		writeError(w, r, http.StatusBadRequest, code, err.Error())
	case enrollment.CodeStorageUnavailable:
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, code, "storage unavailable, retry later")
	case enrollment.CodeCanceled:
		writeError(w, r, http.StatusRequestTimeout, code, "request cancelled")
	default:
		obs.Error("request_failed", err, map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, code, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
