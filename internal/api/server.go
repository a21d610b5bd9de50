package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/shellbridge/internal/accessory"
	"github.com/nerrad567/shellbridge/internal/audit"
	"github.com/nerrad567/shellbridge/internal/infrastructure/config"
	"github.com/nerrad567/shellbridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Accessories is the device surface the API drives.
// *accessory.Platform satisfies it.
type Accessories interface {
	Snapshots(ctx context.Context) ([]accessory.Snapshot, error)
	Snapshot(ctx context.Context, name string) (accessory.Snapshot, error)
	Add(ctx context.Context, d accessory.Descriptor) (accessory.Snapshot, error)
	Modify(ctx context.Context, d accessory.Descriptor) (accessory.Snapshot, error)
	Remove(ctx context.Context, name string) error
	GetValue(ctx context.Context, name string, kind accessory.CharacteristicKind) (accessory.Value, error)
	SetValue(ctx context.Context, name string, kind accessory.CharacteristicKind, value accessory.Value) error
}

// HistoryReader reads recorded state transitions.
// *accessory.SQLiteHistory satisfies it.
type HistoryReader interface {
	History(ctx context.Context, name string, t accessory.Type, limit int) ([]accessory.HistoryEntry, error)
}

// HealthChecker is a dependency reported by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Accessories Accessories

	// History serves /history. Optional.
	History HistoryReader

	// Audit records admin mutations and serves /audit. Optional.
	Audit audit.Repository

	// Gatherer serves /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Checks are reported by /health, keyed by component name. Optional.
	Checks map[string]HealthChecker

	Version string
}

// Server is the admin HTTP API.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The hub doubles as an accessory.StateObserver; pass Hub() to the platform
// before it starts so state changes reach connected clients.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	accessories Accessories
	history     HistoryReader
	auditRepo   audit.Repository
	auditCh     chan *audit.Entry
	gatherer    prometheus.Gatherer
	checks      map[string]HealthChecker
	version     string
	startTime   time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc
}

// New creates an API server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Accessories == nil {
		return nil, fmt.Errorf("accessories are required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	var auditCh chan *audit.Entry
	if deps.Audit != nil {
		auditCh = make(chan *audit.Entry, auditChanSize)
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		accessories: deps.Accessories,
		history:     deps.History,
		auditRepo:   deps.Audit,
		auditCh:     auditCh,
		gatherer:    deps.Gatherer,
		checks:      deps.Checks,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         NewHub(deps.WS, deps.Logger),
		tickets:     newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start launches the listener in the background. The returned error covers
// binding the address; later serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)
	if s.auditRepo != nil {
		go s.drainAuditLog(srvCtx)
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close waits up to 10 seconds for in-flight requests, then closes the
// remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
