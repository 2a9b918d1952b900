// Package server provides the diagnostics HTTP server of telemetryd.
//
// It exposes health, Prometheus metrics, stream and consumer group
// snapshots, correlation timelines and, when a NATS relay is configured, a
// live Server-Sent Events tail of relayed events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/telemetrybus/pkg/correlate"
	"github.com/fyrsmithlabs/telemetrybus/pkg/eventbus"
)

// Config configures the server.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	ServiceName     string
	// Heartbeat is the comment interval on live streams. Zero uses 30s.
	Heartbeat time.Duration
}

// Inspector reports on the consumer the daemon runs.
type Inspector interface {
	IsRunning() bool
	StreamInfo(ctx context.Context) (*eventbus.StreamInfo, error)
	GroupInfo(ctx context.Context) (*eventbus.GroupInfo, error)
}

// Correlations serves folded correlation timelines.
type Correlations interface {
	Timeline(correlationID string) (*correlate.Timeline, bool)
	Recent(limit int) []correlate.Summary
}

// Dependencies are the optional collaborators behind the routes. Routes
// whose dependency is nil answer 404.
type Dependencies struct {
	Inspector    Inspector
	Correlations Correlations
	Gatherer     prometheus.Gatherer
	// NATS and RelayPrefix enable GET /v1/live.
	NATS        *nats.Conn
	RelayPrefix string
	Logger      *zap.Logger
}

// Server represents the HTTP server.
type Server struct {
	config Config
	deps   Dependencies
	echo   *echo.Echo
	logger *zap.Logger
}

// HealthResponse is the JSON response for /health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Consumer string `json:"consumer,omitempty"`
}

// ErrorResponse is the JSON body of failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("Request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Error(v.Error))
			return nil
		},
	}))

	s := &Server{
		config: cfg,
		deps:   deps,
		echo:   e,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/v1")
	v1.GET("/stream", s.handleStream)
	v1.GET("/group", s.handleGroup)
	v1.GET("/correlations", s.handleCorrelations)
	v1.GET("/correlations/:id", s.handleCorrelation)
	v1.GET("/live", s.handleLive)
}

// handleHealth reports "ok" while the consumer runs and "degraded" with 503
// otherwise.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:  "ok",
		Service: s.config.ServiceName,
	}
	if s.deps.Inspector != nil {
		if s.deps.Inspector.IsRunning() {
			resp.Consumer = "running"
		} else {
			resp.Status = "degraded"
			resp.Consumer = "stopped"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStream(c echo.Context) error {
	if s.deps.Inspector == nil {
		return notFound(c, "no consumer configured")
	}
	info, err := s.deps.Inspector.StreamInfo(c.Request().Context())
	if err != nil {
		return s.brokerError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleGroup(c echo.Context) error {
	if s.deps.Inspector == nil {
		return notFound(c, "no consumer configured")
	}
	info, err := s.deps.Inspector.GroupInfo(c.Request().Context())
	if err != nil {
		return s.brokerError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleCorrelations(c echo.Context) error {
	if s.deps.Correlations == nil {
		return notFound(c, "correlation tracking disabled")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
		}
		limit = n
	}
	return c.JSON(http.StatusOK, s.deps.Correlations.Recent(limit))
}

func (s *Server) handleCorrelation(c echo.Context) error {
	if s.deps.Correlations == nil {
		return notFound(c, "correlation tracking disabled")
	}
	id := c.Param("id")
	tl, ok := s.deps.Correlations.Timeline(id)
	if !ok {
		return notFound(c, "correlation not found")
	}
	return c.JSON(http.StatusOK, struct {
		*correlate.Timeline
		Status correlate.Status `json:"status"`
	}{tl, tl.Status()})
}

func (s *Server) brokerError(c echo.Context, err error) error {
	s.logger.Warn("Broker query failed", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{Error: msg})
}

// Start starts the HTTP server and blocks until context is cancelled.
//
// Returns http.ErrServerClosed on graceful shutdown, or any other
// error encountered during startup or shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
