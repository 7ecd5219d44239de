package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/netbro-agent/internal/alert"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/config"
	"github.com/nerrad567/netbro-agent/internal/infrastructure/logging"
	"github.com/nerrad567/netbro-agent/internal/supervisor"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	readTimeout             = 5 * time.Second
	writeTimeout            = 10 * time.Second
	maxRequestBodySize      = 64 << 10
)

// StatusSource reports connectivity state.
type StatusSource interface {
	Snapshot() supervisor.Snapshot
}

// AlertSink accepts alerts from local producers.
type AlertSink interface {
	Alert(ctx context.Context, ev alert.Event) error
}

// Deps holds the server's collaborators. Alerts and Metrics are optional.
type Deps struct {
	Config  config.StatusConfig
	Logger  *logging.Logger
	Status  StatusSource
	Alerts  AlertSink
	Metrics http.Handler
	Version string
}

// Server is the agent's local HTTP surface.
type Server struct {
	cfg     config.StatusConfig
	logger  *logging.Logger
	status  StatusSource
	alerts  AlertSink
	metrics http.Handler
	version string
	now     func() time.Time

	server   *http.Server
	listener net.Listener
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Status == nil {
		return nil, errors.New("status source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:     deps.Config,
		logger:  logger,
		status:  deps.Status,
		alerts:  deps.Alerts,
		metrics: deps.Metrics,
		version: deps.Version,
		now:     time.Now,
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("status listener on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", "error", err)
		}
	}()
	s.logger.Info("status server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/alerts", s.handleAlert)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}
