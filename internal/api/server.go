package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/service"
)

// Core is the service surface the handlers call.
type Core interface {
	CreateSite(ctx context.Context, in service.SiteInput) (monitor.MonitoredSite, error)
	GetSite(ctx context.Context, id string) (monitor.MonitoredSite, error)
	ListSites(ctx context.Context) ([]monitor.MonitoredSite, error)
	UpdateSite(ctx context.Context, id string, in service.SiteInput) (monitor.MonitoredSite, error)
	DeleteSite(ctx context.Context, id string) error
	ListChecks(ctx context.Context, siteID string, limit int) ([]monitor.CheckRecord, error)
	GetSnapshot(ctx context.Context, siteID string) (monitor.Snapshot, error)

	CreateTarget(ctx context.Context, in service.TargetInput) (monitor.NotificationTarget, error)
	GetTarget(ctx context.Context, id string) (monitor.NotificationTarget, error)
	ListTargets(ctx context.Context) ([]monitor.NotificationTarget, error)
	UpdateTarget(ctx context.Context, id string, in service.TargetInput) (monitor.NotificationTarget, error)
	DeleteTarget(ctx context.Context, id string) error

	Preview(ctx context.Context, req service.PreviewRequest) (service.PreviewResult, error)
}

// Ticker triggers a scheduling pass on demand.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (scheduler.TickReport, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	// Ticker enables POST /v1/scheduler/tick.
	Ticker Ticker
	// Ready is consulted by /readyz; nil means always ready.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the core service.
type Server struct {
	router chi.Router
	core   Core
	clock  monitor.Clock
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(core Core, clock monitor.Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	metrics.Init()
	s := &Server{core: core, clock: clock, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Route("/v1", func(r chi.Router) {
			r.Route("/sites", func(r chi.Router) {
				r.Post("/", s.createSite)
				r.Get("/", s.listSites)
				r.Route("/{site_id}", func(r chi.Router) {
					r.Get("/", s.getSite)
					r.Put("/", s.updateSite)
					r.Delete("/", s.deleteSite)
					r.Get("/checks", s.listChecks)
					r.Get("/snapshot", s.getSnapshot)
				})
			})
			r.Route("/targets", func(r chi.Router) {
				r.Post("/", s.createTarget)
				r.Get("/", s.listTargets)
				r.Route("/{target_id}", func(r chi.Router) {
					r.Get("/", s.getTarget)
					r.Put("/", s.updateTarget)
					r.Delete("/", s.deleteTarget)
				})
			})
			r.Post("/preview", s.preview)
			r.Post("/scheduler/tick", s.tick)
			r.Get("/cron/next", s.cronNext)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		cfgErr     *monitor.ConfigError
		fetchErr   *monitor.FetchError
		extractErr *monitor.ExtractError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrSiteNotFound),
		errors.Is(err, monitor.ErrTargetNotFound),
		errors.Is(err, monitor.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrAlreadyExists):
		return http.StatusConflict
	case errors.As(err, &fetchErr):
		if fetchErr.Reason == monitor.FetchTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &extractErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	var cfgErr *monitor.ConfigError
	if errors.As(err, &cfgErr) {
		writeJSON(w, status, map[string]string{"error": cfgErr.Error(), "field": cfgErr.Field})
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return monitor.NewConfigError("", "invalid JSON: "+err.Error())
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
