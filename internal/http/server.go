// Package http serves the read-only status API and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/status"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

const maxHistoryLimit = 500

// Server provides HTTP endpoints for guidesmith.
type Server struct {
	echo     *echo.Echo
	reporter *status.Reporter
	history  *history.Log
	logger   *logging.Logger
	config   *Config
	now      func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(reporter *status.Reporter, hist *history.Log, logger *logging.Logger, cfg *Config) (*Server, error) {
	if reporter == nil || hist == nil {
		return nil, fmt.Errorf("status reporter and history are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9464}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		reporter: reporter,
		history:  hist,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newKeyCollector(reporter, logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.registerRoutes(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s, nil
}

func (s *Server) registerRoutes(metrics http.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/status/:provider/:model", s.handleKeyStatus)
	v1.GET("/history/:provider/:model", s.handleHistory)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	statuses, err := s.reporter.All(c.Request().Context())
	if err != nil {
		s.logger.Warn(c.Request().Context(), "status listing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status unavailable")
	}
	counts := status.Counts(statuses)
	resp := StatusResponse{
		Keys:        statuses,
		Counts:      make(map[string]int, len(counts)),
		GeneratedAt: s.now().UTC(),
	}
	for state, n := range counts {
		resp.Counts[string(state)] = n
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleKeyStatus(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	st, err := s.reporter.Key(c.Request().Context(), key)
	if err != nil {
		s.logger.Warn(c.Request().Context(), "key status failed", zap.String("key", key.String()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status unavailable")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleHistory(c echo.Context) error {
	key, err := keyParam(c)
	if err != nil {
		return err
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	recs, err := s.history.Recent(c.Request().Context(), key, limit)
	if err != nil {
		s.logger.Warn(c.Request().Context(), "history read failed", zap.String("key", key.String()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
	}
	if recs == nil {
		recs = []history.Record{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{
		Provider: key.Provider,
		Model:    key.Model,
		Records:  recs,
		Count:    len(recs),
	})
}

func keyParam(c echo.Context) (target.Key, error) {
	key := target.Key{Provider: c.Param("provider"), Model: c.Param("model")}
	if err := key.Validate(); err != nil {
		return target.Key{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return key, nil
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
