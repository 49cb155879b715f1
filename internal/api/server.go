package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Jelling-test/flytining/internal/audit"
	"github.com/Jelling-test/flytining/internal/command"
	"github.com/Jelling-test/flytining/internal/infrastructure/config"
	"github.com/Jelling-test/flytining/internal/infrastructure/logging"
	"github.com/Jelling-test/flytining/internal/meter"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by the database handle.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BusStatus reports the MQTT connection.
type BusStatus interface {
	IsConnected() bool
}

// MeterLister lists known meter records.
type MeterLister interface {
	ListRecords(ctx context.Context) ([]meter.Record, error)
}

// Invalidator drops cached authorization decisions. An empty meter clears all.
type Invalidator interface {
	Invalidate(meter string)
	Len() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	DB       HealthChecker
	MQTT     BusStatus
	Meters   MeterLister
	Attempts audit.Repository
	Cache    Invalidator
	Commands command.Repository // optional
	Metrics  http.Handler       // optional
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	db       HealthChecker
	mqtt     BusStatus
	meters   MeterLister
	attempts audit.Repository
	cache    Invalidator
	commands command.Repository
	metrics  http.Handler
	version  string
	server   *http.Server
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if deps.Meters == nil || deps.Attempts == nil {
		return nil, fmt.Errorf("meter and attempt repositories are required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("authorization cache is required")
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		db:       deps.DB,
		mqtt:     deps.MQTT,
		meters:   deps.Meters,
		attempts: deps.Attempts,
		cache:    deps.Cache,
		commands: deps.Commands,
		metrics:  deps.Metrics,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}
