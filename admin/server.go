package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/coalesce"
	"github.com/jonwraymond/toolcache/engine"
	"github.com/jonwraymond/toolcache/health"
	"github.com/jonwraymond/toolcache/invalidate"
	"github.com/jonwraymond/toolcache/observe"
	"github.com/jonwraymond/toolcache/resilience"
)

// maxBodyBytes bounds request bodies of the /v1 POST routes.
const maxBodyBytes = 1 << 20

// Cache is the engine surface the admin API needs.
type Cache interface {
	GetMetrics() observe.Counts
	OperationMetrics(name string) observe.Counts
	Operations() []string
	Stats() cache.Stats
	CoalesceStats() coalesce.Stats
	InvalidationStats() invalidate.Stats
	Breakers() []resilience.BreakerSnapshot
	Invalidate(ctx context.Context, pattern string) (int, error)
	InvalidateCustomer(ctx context.Context, customer string) (int, error)
	InvalidateDomain(ctx context.Context, customer, domain string) (int, error)
	InvalidateKeys(ctx context.Context, keys ...string) (int, error)
	FlushAll(ctx context.Context)
	Snapshot(ctx context.Context) (int, error)
	Health() *health.Aggregator
}

var _ Cache = (*engine.Engine)(nil)

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator protects the /v1 routes.
func WithAuthenticator(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithGatherer sets the registry served on /metrics.
// Default: prometheus.DefaultGatherer
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithShutdownTimeout bounds graceful shutdown. Default: 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// Server is the admin HTTP server.
type Server struct {
	cache           Cache
	auth            *Authenticator
	gatherer        prometheus.Gatherer
	logger          observe.Logger
	shutdownTimeout time.Duration
	handler         http.Handler
}

// NewServer builds the admin API over c.
func NewServer(c Cache, opts ...Option) *Server {
	s := &Server{
		cache:           c,
		gatherer:        prometheus.DefaultGatherer,
		logger:          observe.NopLogger(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observe.F("component", "admin"))

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/metrics", s.handleMetrics)
	api.HandleFunc("GET /v1/stats", s.handleStats)
	api.HandleFunc("GET /v1/breakers", s.handleBreakers)
	api.HandleFunc("POST /v1/invalidate", s.handleInvalidate)
	api.HandleFunc("POST /v1/flush", s.handleFlush)
	api.HandleFunc("POST /v1/snapshot", s.handleSnapshot)

	mux := http.NewServeMux()
	health.RegisterHandlers(mux, c.Health())
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", s.auth.Middleware(api))

	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info(ctx, "admin server listening", observe.F("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: serve: %w", err)
	}
	s.logger.Info(ctx, "admin server stopped")
	return nil
}

// MetricsResponse is the body of GET /v1/metrics.
type MetricsResponse struct {
	Total      observe.Counts            `json:"total"`
	Operations map[string]observe.Counts `json:"operations"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{
		Total:      s.cache.GetMetrics(),
		Operations: make(map[string]observe.Counts),
	}
	for _, op := range s.cache.Operations() {
		resp.Operations[op] = s.cache.OperationMetrics(op)
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Store        cache.Stats      `json:"store"`
	Coalescer    coalesce.Stats   `json:"coalescer"`
	Invalidation invalidate.Stats `json:"invalidation"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Store:        s.cache.Stats(),
		Coalescer:    s.cache.CoalesceStats(),
		Invalidation: s.cache.InvalidationStats(),
	})
}

// BreakerResponse is one element of GET /v1/breakers.
type BreakerResponse struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	Failures         int       `json:"failures"`
	FailureThreshold int       `json:"failure_threshold"`
	OpenTimeout      string    `json:"open_timeout"`
	LastFailure      time.Time `json:"last_failure,omitzero"`
	Rejected         int64     `json:"rejected"`
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snaps := s.cache.Breakers()
	out := make([]BreakerResponse, 0, len(snaps))
	for _, b := range snaps {
		out = append(out, BreakerResponse{
			Name:             b.Name,
			State:            b.State.String(),
			Failures:         b.Failures,
			FailureThreshold: b.FailureThreshold,
			OpenTimeout:      b.OpenTimeout.String(),
			LastFailure:      b.LastFailure,
			Rejected:         b.Rejected,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// InvalidateRequest is the body of POST /v1/invalidate. Exactly one of
// Pattern, Customer or Keys must be set; Domain narrows Customer.
type InvalidateRequest struct {
	Pattern  string   `json:"pattern,omitempty"`
	Customer string   `json:"customer,omitempty"`
	Domain   string   `json:"domain,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

// InvalidateResponse is the body returned by POST /v1/invalidate.
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

var errAmbiguousInvalidation = errors.New("admin: exactly one of pattern, customer or keys is required")

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("admin: decode request: %w", err))
		return
	}

	set := 0
	for _, ok := range []bool{req.Pattern != "", req.Customer != "", len(req.Keys) > 0} {
		if ok {
			set++
		}
	}
	if set != 1 || (req.Domain != "" && req.Customer == "") {
		writeError(w, http.StatusBadRequest, errAmbiguousInvalidation)
		return
	}

	ctx := r.Context()
	var (
		n   int
		err error
	)
	switch {
	case req.Pattern != "":
		n, err = s.cache.Invalidate(ctx, req.Pattern)
	case req.Domain != "":
		n, err = s.cache.InvalidateDomain(ctx, req.Customer, req.Domain)
	case req.Customer != "":
		n, err = s.cache.InvalidateCustomer(ctx, req.Customer)
	default:
		n, err = s.cache.InvalidateKeys(ctx, req.Keys...)
	}
	if err != nil {
		writeError(w, invalidationStatus(err), err)
		return
	}

	s.logRequest(r, "invalidated entries", observe.F("removed", n))
	writeJSON(w, http.StatusOK, InvalidateResponse{Removed: n})
}

func invalidationStatus(err error) int {
	switch {
	case errors.Is(err, cache.ErrInvalidPattern),
		errors.Is(err, cache.ErrInvalidScope),
		errors.Is(err, cache.ErrInvalidKey),
		errors.Is(err, cache.ErrKeyTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.cache.FlushAll(r.Context())
	s.logRequest(r, "flushed cache")
	w.WriteHeader(http.StatusNoContent)
}

// SnapshotResponse is the body returned by POST /v1/snapshot.
type SnapshotResponse struct {
	Saved int `json:"saved"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Snapshot(r.Context())
	switch {
	case errors.Is(err, engine.ErrPersistenceDisabled):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{Saved: n})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug(r.Context(), "request",
			observe.F("method", r.Method),
			observe.F("path", r.URL.Path),
			observe.F("status", rec.status),
			observe.F("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) logRequest(r *http.Request, msg string, fields ...observe.Field) {
	fields = append(fields, observe.F("path", r.URL.Path))
	if sub, ok := SubjectFromContext(r.Context()); ok {
		fields = append(fields, observe.F("subject", sub.ID))
	}
	s.logger.Info(r.Context(), msg, fields...)
}
