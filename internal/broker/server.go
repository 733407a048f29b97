package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/config"
	"github.com/loopback-labs/promptrelay/internal/ratelimit"
	"github.com/loopback-labs/promptrelay/internal/registry"
	"github.com/loopback-labs/promptrelay/pkg/healthcheck"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

// Server is the relay broker instance. It owns the client registry and the
// rate limiter state; nothing outside the broker mutates either.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	health   *healthcheck.Engine

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	mu       sync.Mutex
	running  bool
	draining bool
}

// NewServer creates a broker from validated configuration. The server must
// be started with Start() before it accepts requests.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "broker")),
		registry: registry.New(logger),
		limiter:  ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window),
		health:   healthcheck.NewEngine(logger),
	}

	s.health.Register(healthcheck.CheckerFunc{
		CheckerName: "registry",
		Fn:          s.checkRegistry,
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(recoveryMiddleware(s.logger))
	engine.Use(loggingMiddleware(s.logger))
	engine.Use(bodyLimitMiddleware())

	api := engine.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/clients", s.handleClients)
		api.GET("/stats", s.handleStats)
		api.POST("/send", s.handleSend)
	}
	engine.GET(cfg.WSPath, s.handleUpgrade)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, newError(CodeNotFound, "no such endpoint: "+c.Request.URL.Path))
	})

	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Registry exposes the client table for read-only callers.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Start binds the loopback listener and begins serving. It returns once the
// listener is bound; serving continues on a background goroutine until
// Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("broker is already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.logger.Info("Broker listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("ws_path", s.cfg.WSPath),
		zap.String("version", protocol.Version))

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown closes every consumer connection with a normal-closure reason,
// stops the acceptor, then stops the HTTP listener. The context bounds the
// whole sequence; on expiry the listener is closed immediately so one stuck
// connection cannot hang the process.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Broker shutting down")

	for _, client := range s.registry.ListAll() {
		if err := client.Conn.Close(1000, "Broker shutting down"); err != nil {
			s.logger.Warn("Failed to close consumer connection",
				zap.Int("client_id", client.ID),
				zap.Error(err))
		}
		if s.registry.Unregister(client.ID) {
			connectedConsumers.Dec()
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Graceful shutdown expired, forcing close", zap.Error(err))
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("forced close failed: %w", closeErr)
		}
		return err
	}

	s.logger.Info("Broker stopped")
	return nil
}

// isDraining reports whether shutdown has begun; new upgrades are refused
// once it has.
func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) checkRegistry(ctx context.Context) *healthcheck.Result {
	count := s.registry.Count()
	status := healthcheck.StatusHealthy
	message := "consumers connected"
	if count == 0 {
		status = healthcheck.StatusDegraded
		message = "no consumers connected"
	}
	return &healthcheck.Result{
		ComponentName: "registry",
		Status:        status,
		Message:       message,
		Details: map[string]interface{}{
			"client_count": count,
		},
	}
}
