package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/monitor"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
)

// Config configures the HTTP listener.
type Config struct {
	Address         string        `yaml:"address" json:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{
		Address:         "127.0.0.1:8420",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// SweepRunner runs a monitor sweep on demand.
type SweepRunner interface {
	Sweep(ctx context.Context) (*monitor.SweepReport, error)
}

// DiagnoseTrigger queues a diagnostician invocation.
type DiagnoseTrigger interface {
	Request(ctx context.Context, reason string, delay time.Duration) (bool, error)
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the server's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepRunner enables POST /v1/sweeps.
func WithSweepRunner(r SweepRunner) Option {
	return func(s *Server) {
		s.sweeper = r
	}
}

// WithDiagnoseTrigger enables POST /v1/diagnose.
func WithDiagnoseTrigger(t DiagnoseTrigger) Option {
	return func(s *Server) {
		s.diagnose = t
	}
}

// Server exposes the lifecycle and remediation engine over HTTP.
type Server struct {
	cfg      Config
	store    stores.Store
	gateway  *lifecycle.Gateway
	sweeper  SweepRunner
	diagnose DiagnoseTrigger
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	validate *validator.Validate
	now      func() time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  time.Time
}

// NewServer creates an API server.
func NewServer(cfg Config, store stores.Store, gateway *lifecycle.Gateway, tel *telemetry.Telemetry, opts ...Option) *Server {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("api"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/work-orders", s.handleCreateWorkOrder)
	mux.HandleFunc("GET /v1/work-orders", s.handleListWorkOrders)
	mux.HandleFunc("GET /v1/work-orders/{id}", s.handleGetWorkOrder)
	mux.HandleFunc("GET /v1/work-orders/{id}/children", s.handleListChildren)
	mux.HandleFunc("GET /v1/work-orders/{id}/audit", s.handleListAudit)
	mux.HandleFunc("POST /v1/work-orders/{id}/transitions", s.handleTransition)
	mux.HandleFunc("POST /v1/work-orders/{id}/execution-log", s.handleAppendExecutionLog)
	mux.HandleFunc("GET /v1/work-orders/{id}/execution-log", s.handleListExecutionLog)
	mux.HandleFunc("POST /v1/work-orders/{id}/qa-findings", s.handleRecordQAFinding)

	mux.HandleFunc("GET /v1/triage", s.handleListTriage)
	mux.HandleFunc("POST /v1/sweeps", s.handleSweep)
	mux.HandleFunc("POST /v1/diagnose", s.handleDiagnose)

	if s.tel.Config != nil && s.tel.Config.Metrics.Enabled {
		mux.Handle("GET "+s.tel.Metrics.Path(), s.tel.Metrics.Handler())
	}
	return s.logRequests(mux)
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("api: server already started")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Address, err)
	}
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.listener = listener
	s.server = server
	s.started = s.now()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("API server exited")
		}
	}()
	s.logger.WithField("address", listener.Addr().String()).Info("API server listening")
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.server = nil
	s.listener = nil
	s.logger.Info("API server stopped")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
