// Package http serves the aml operations API: health, Prometheus metrics,
// record queries and on-demand pruning.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/aml/internal/logging"
	"github.com/fyrsmithlabs/aml/internal/pruning"
	"github.com/fyrsmithlabs/aml/internal/query"
	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/store"
)

// Service is the subset of the pattern bank the server exposes.
// *patternbank.Service satisfies it.
type Service interface {
	Owners(ctx context.Context) ([]string, error)
	GetRecords(ctx context.Context, owner string) (record.Set, error)
	Query(ctx context.Context, owner string, q query.Query) (record.Set, error)
	Prune(ctx context.Context, owner string, strategies []pruning.Strategy, opts pruning.Options) (*pruning.Result, error)
	Collect(ctx context.Context, owner string, dryRun bool) (*pruning.Result, error)
}

// Server provides HTTP endpoints for aml.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
	limiter *rate.Limiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// HealthTimeout bounds the store probe behind /health.
	HealthTimeout time.Duration

	// PruneOptions are applied to every prune request. The request only
	// chooses dry-run.
	PruneOptions pruning.Options

	// MutationRate limits prune and collect requests per second across all
	// clients. Zero disables the limit.
	MutationRate  float64
	MutationBurst int
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	if cfg.MutationRate > 0 {
		burst := cfg.MutationBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MutationRate), burst)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger logs each request and carries its request id into the
// handler context so service logs correlate with it.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

		err := next(c)
		if err != nil {
			// Resolve the status before logging; echo writes it after the chain returns.
			c.Error(err)
		}

		s.logger.Info("http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/owners/:owner/records", s.handleRecords)
	v1.POST("/owners/:owner/prune", s.handlePrune, s.limitMutations)
	v1.POST("/owners/:owner/collect", s.handleCollect, s.limitMutations)
}

// limitMutations rejects writes beyond the configured rate with 429.
func (s *Server) limitMutations(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
		}
		return next(c)
	}
}

// handleHealth probes the store by listing owners.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.HealthTimeout)
	defer cancel()

	if _, err := s.svc.Owners(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus reports record counts for every owner.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	owners, err := s.svc.Owners(ctx)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status: "ok",
		Owners: CountRecords(ctx, s.svc, owners),
	})
}

// handleRecords runs a query against one owner's records.
func (s *Server) handleRecords(c echo.Context) error {
	owner := c.Param("owner")
	q, err := parseQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	set, err := s.svc.Query(c.Request().Context(), owner, q)
	if err != nil {
		return s.toHTTPError(err)
	}
	if set == nil {
		set = record.Set{}
	}
	return c.JSON(http.StatusOK, RecordsResponse{Owner: owner, Count: len(set), Records: set})
}

// handlePrune runs one pruning pass. Strategies come from ?strategies=,
// defaulting to all.
func (s *Server) handlePrune(c echo.Context) error {
	owner := c.Param("owner")
	dryRun, err := boolParam(c, "dry_run")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var strategies []pruning.Strategy
	if raw := c.QueryParam("strategies"); raw != "" {
		strategies, err = pruning.ParseStrategies(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	opts := s.config.PruneOptions
	opts.DryRun = dryRun
	res, err := s.svc.Prune(c.Request().Context(), owner, strategies, opts)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// handleCollect drops invalid and duplicate records.
func (s *Server) handleCollect(c echo.Context) error {
	dryRun, err := boolParam(c, "dry_run")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := s.svc.Collect(c.Request().Context(), c.Param("owner"), dryRun)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// toHTTPError maps service errors onto status codes.
func (s *Server) toHTTPError(err error) error {
	switch {
	case errors.Is(err, record.ErrInvalidOwner):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, record.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrStorage):
		s.logger.Error("store failure", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	case errors.Is(err, pruning.ErrAborted):
		s.logger.Error("pruning aborted", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func parseQuery(c echo.Context) (query.Query, error) {
	q := query.Query{
		Type:   c.QueryParam("type"),
		Tag:    c.QueryParam("tag"),
		Kind:   record.Kind(c.QueryParam("kind")),
		SortBy: query.SortBy(c.QueryParam("sort")),
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return q, fmt.Errorf("unknown kind %q", q.Kind)
	}
	if q.SortBy != "" && !q.SortBy.Valid() {
		return q, fmt.Errorf("unknown sort order %q", q.SortBy)
	}
	if raw := c.QueryParam("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return q, fmt.Errorf("min_confidence must be a number in [0,1]")
		}
		q.MinConfidence = v
	}
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = v
	}
	var err error
	if q.Context, err = contextParam(c, "context"); err != nil {
		return q, err
	}
	if q.TargetContext, err = contextParam(c, "target"); err != nil {
		return q, err
	}
	if q.IncludeInactive, err = boolParam(c, "include_inactive"); err != nil {
		return q, err
	}
	if q.TrustedOnly, err = boolParam(c, "trusted_only"); err != nil {
		return q, err
	}
	return q, nil
}

// contextParam reads repeated key=value parameters.
func contextParam(c echo.Context, name string) (record.Context, error) {
	values := c.QueryParams()[name]
	if len(values) == 0 {
		return nil, nil
	}
	return record.ParseAssignments(values)
}

func boolParam(c echo.Context, name string) (bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return v, nil
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
