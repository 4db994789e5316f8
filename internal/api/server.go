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

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/identity"
	"github.com/JakeFAU/streamcrawler/internal/metrics"
)

// Scheduler is the crawl loop as the operator sees it.
type Scheduler interface {
	State() crawler.StateSnapshot
	Quit()
}

// IdentityStatus reports the identity pool.
type IdentityStatus interface {
	Snapshot() identity.Status
}

// HostStatus reports hosts taken out of rotation.
type HostStatus interface {
	Unreachable() []string
}

// GateStatus reports admission gate state.
type GateStatus interface {
	ProxyOutOfService() bool
	LeakWait() time.Duration
}

// TaskPusher accepts new tasks into the feed.
type TaskPusher interface {
	Push(ctx context.Context, task crawler.CrawlTask) error
}

// Config controls the server.
type Config struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey            string
	RequestTimeout    time.Duration
	DefaultMaxRetries int
}

// Deps are the components the server reports on. Identities, Hosts, Gates
// and Tasks may be nil.
type Deps struct {
	Scheduler  Scheduler
	Identities IdentityStatus
	Hosts      HostStatus
	Gates      GateStatus
	Tasks      TaskPusher
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("api server requires a scheduler")
	}
	if deps.Clock == nil {
		return nil, errors.New("api server requires a clock")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{cfg: cfg, deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/status", s.status)
		r.Post("/finish", s.finish)
		r.Post("/tasks", s.submitTasks)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler.State().RunningInstances == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not running"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Scheduler         crawler.StateSnapshot `json:"scheduler"`
	Identities        *identity.Status      `json:"identities,omitempty"`
	UnreachableHosts  []string              `json:"unreachable_hosts"`
	ProxyOutOfService bool                  `json:"proxy_out_of_service"`
	LeakWaitSeconds   float64               `json:"leak_wait_seconds"`
	Time              time.Time             `json:"time"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Scheduler:        s.deps.Scheduler.State(),
		UnreachableHosts: []string{},
		Time:             s.deps.Clock.Now(),
	}
	if s.deps.Identities != nil {
		ids := s.deps.Identities.Snapshot()
		resp.Identities = &ids
	}
	if s.deps.Hosts != nil {
		resp.UnreachableHosts = s.deps.Hosts.Unreachable()
	}
	if s.deps.Gates != nil {
		resp.ProxyOutOfService = s.deps.Gates.ProxyOutOfService()
		resp.LeakWaitSeconds = s.deps.Gates.LeakWait().Seconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("finish requested", zap.String("request_id", requestID(r.Context())))
	s.deps.Scheduler.Quit()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

type taskRequest struct {
	URLs            []string `json:"urls"`
	Args            string   `json:"args"`
	MaxRetries      *int     `json:"max_retries"`
	DeadlineSeconds int      `json:"deadline_seconds"`
}

type taskResponse struct {
	Accepted int               `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

func (s *Server) submitTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, http.StatusNotImplemented, "this feed does not accept tasks")
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	template := crawler.CrawlTask{
		Args:       crawler.NormalizeArgs(req.Args),
		MaxRetries: valueOrDefault(req.MaxRetries, s.cfg.DefaultMaxRetries),
	}
	if req.DeadlineSeconds > 0 {
		template.Deadline = s.deps.Clock.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	resp := taskResponse{Rejected: map[string]string{}}
	for _, raw := range req.URLs {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			resp.Rejected[raw] = err.Error()
			continue
		}
		if crawler.HostOf(normalized) == "" {
			resp.Rejected[raw] = "url must be absolute"
			continue
		}
		task := template
		task.URL = normalized
		if err := s.deps.Tasks.Push(ctx, task); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.writeError(w, http.StatusRequestTimeout, fmt.Sprintf("feed full after %d tasks", resp.Accepted))
				return
			}
			resp.Rejected[raw] = err.Error()
			continue
		}
		resp.Accepted++
	}
	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, resp)
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
