package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cairnfs/cairnfs/internal/audit"
	"github.com/cairnfs/cairnfs/internal/authz"
	"github.com/cairnfs/cairnfs/internal/identity"
	"github.com/cairnfs/cairnfs/internal/infrastructure/config"
	"github.com/cairnfs/cairnfs/internal/infrastructure/logging"
	"github.com/cairnfs/cairnfs/internal/infrastructure/metrics"
	"github.com/cairnfs/cairnfs/internal/password"
	"github.com/cairnfs/cairnfs/internal/secrets"
	"github.com/cairnfs/cairnfs/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      *config.Config
	Logger      *logging.Logger
	Users       identity.Repository
	Sessions    *session.Manager
	SessionKeys *secrets.Store
	Peppers     *secrets.Store
	Vault       *password.Vault
	Authz       authz.Repository
	Resolver    *authz.Resolver
	Audit       audit.Repository
	Metrics     *metrics.Client // optional
	Version     string
}

// Server is the HTTP API server for the CairnFS trust core.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	cookieCfg      config.CookieConfig
	requestTimeout time.Duration
	logger         *logging.Logger
	users          identity.Repository
	sessions       *session.Manager
	sessionKeys    *secrets.Store
	peppers        *secrets.Store
	vault          *password.Vault
	authz          authz.Repository
	resolver       *authz.Resolver
	audit          audit.Repository
	metrics        *metrics.Client
	version        string
	server         *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, repositories, manager)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("authz resolver is required")
	}
	// Metrics is optional; a nil client disables the sink.

	return &Server{
		cfg:            deps.Config.API,
		cookieCfg:      deps.Config.API.Cookie,
		requestTimeout: deps.Config.GetRequestTimeout(),
		logger:         deps.Logger,
		users:          deps.Users,
		sessions:       deps.Sessions,
		sessionKeys:    deps.SessionKeys,
		peppers:        deps.Peppers,
		vault:          deps.Vault,
		authz:          deps.Authz,
		resolver:       deps.Resolver,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		version:        deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
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

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// recordAudit writes an audit event, logging rather than failing on error.
func (s *Server) recordAudit(ctx context.Context, event *audit.Event) {
	if s.audit == nil {
		return
	}
	event.Source = "api"
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("recording audit event", "action", event.Action, "error", err)
	}
}

// recordAuthMetric writes an authentication outcome to the metrics sink.
func (s *Server) recordAuthMetric(action string, success bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.WriteAuthEvent(action, success)
}
