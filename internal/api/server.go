// Package api exposes the backtest service over HTTP: run submission and
// control, result queries, operator login and a WebSocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/auth"
	"crypto-backtest-engine/internal/cache"
	"crypto-backtest-engine/internal/database"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/events"
	"crypto-backtest-engine/internal/executor"
	"crypto-backtest-engine/internal/portfolio"
	"crypto-backtest-engine/internal/runner"
	"crypto-backtest-engine/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RateLimiter caps requests per key over a sliding window, in memory.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter allows limit requests per window for each key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow records a request for key and reports whether it fits the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Hits are appended in order, so expired ones form a prefix.
	hits := r.hits[key]
	stale := 0
	for stale < len(hits) && !hits[stale].After(cutoff) {
		stale++
	}
	hits = hits[stale:]

	if len(hits) >= r.limit {
		r.hits[key] = hits
		return false
	}

	r.hits[key] = append(hits, now)
	return true
}

// RunController is the slice of the run scheduler the API drives.
// Satisfied by *runner.Manager.
type RunController interface {
	Submit(ctx context.Context, req runner.Request) (string, error)
	Resume(ctx context.Context, runID string) error
	RequestPause(ctx context.Context, runID string) error
	ActiveRuns() []string
}

// Queries is the read side of the persistence layer the API serves from.
// Satisfied by *database.Repository.
type Queries interface {
	HealthCheck(ctx context.Context) error
	GetRun(ctx context.Context, runID string) (*database.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*database.Run, error)
	GetTrades(ctx context.Context, runID string, limit, offset int) ([]executor.Trade, error)
	GetSignals(ctx context.Context, runID string, limit, offset int) ([]engine.SignalEvent, error)
	GetSnapshots(ctx context.Context, runID string) ([]portfolio.Snapshot, error)
	GetResult(ctx context.Context, runID string) (*database.ResultRecord, error)
}

// StatusReader serves the fast status poll without touching the run tables
// on every request. Satisfied by *cache.RunStatusCache.
type StatusReader interface {
	GetStatus(ctx context.Context, runID string) (*cache.RunStatus, error)
}

var (
	_ RunController = (*runner.Manager)(nil)
	_ Queries       = (*database.Repository)(nil)
	_ StatusReader  = (*cache.RunStatusCache)(nil)
)

// Config holds server configuration
type Config struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	ProductionMode     bool     `json:"production_mode"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
}

// DefaultConfig returns the development server configuration.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8090,
		ProductionMode:     false,
		AllowedOrigins:     []string{"http://localhost:5173", "http://localhost:8090"},
		RateLimitPerMinute: 120,
	}
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      Config
	runs        RunController
	queries     Queries
	status      StatusReader
	registry    *algorithm.Registry
	hub         *WSHub
	upgrader    websocket.Upgrader
	authConfig  auth.Config
	jwtManager  *auth.JWTManager
	authEnabled bool
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server. The event hub starts draining once
// Start runs; events published before that sit in its buffer.
func NewServer(
	config Config,
	authConfig auth.Config,
	runs RunController,
	queries Queries,
	status StatusReader,
	registry *algorithm.Registry,
	eventBus *events.EventBus,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	perMinute := config.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}

	server := &Server{
		router:      router,
		config:      config,
		runs:        runs,
		queries:     queries,
		status:      status,
		registry:    registry,
		hub:         NewWSHub(logger),
		upgrader:    newUpgrader(config),
		authConfig:  authConfig,
		authEnabled: authConfig.Enabled,
		rateLimiter: NewRateLimiter(perMinute, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	if server.authEnabled {
		server.jwtManager = auth.NewJWTManager(authConfig.JWTSecret, authConfig.TokenDuration())
	}

	server.setupRoutes()

	if eventBus != nil {
		eventBus.SubscribeAll(server.hub.BroadcastEvent)
	}

	return server
}

// rateLimitMiddleware rejects clients that exceed the per-IP budget.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	// Health check and metrics (public, no rate limit)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	// WebSocket event stream. The token check happens inside the handler
	// because browsers cannot set headers on WebSocket upgrades.
	s.router.GET("/ws", s.handleWebSocket)

	// Login route (public, rate limited against brute force)
	if s.authEnabled {
		s.router.POST("/api/auth/login", s.rateLimitMiddleware(), s.handleLogin)
	}

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	if s.authEnabled {
		api.Use(auth.Middleware(s.jwtManager))
	}

	backtests := api.Group("/backtests")
	{
		backtests.POST("", s.handleSubmitRun)
		backtests.GET("", s.handleListRuns)
		backtests.GET("/:id", s.handleGetRun)
		backtests.GET("/:id/status", s.handleRunStatus)
		backtests.GET("/:id/trades", s.handleRunTrades)
		backtests.GET("/:id/signals", s.handleRunSignals)
		backtests.GET("/:id/snapshots", s.handleRunSnapshots)
		backtests.GET("/:id/result", s.handleRunResult)
		backtests.POST("/:id/pause", s.handlePauseRun)
		backtests.POST("/:id/resume", s.handleResumeRun)
	}

	api.GET("/algorithms", s.handleListAlgorithms)
}

// Start serves HTTP and blocks until Shutdown closes the listener.
func (s *Server) Start() error {
	listenAddr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run()

	s.logger.Info().Str("addr", listenAddr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server. The listener closes first so
// no new WebSocket clients can register against a stopped hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.hub.Stop()
	return err
}

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.queries.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"database":    "healthy",
		"active_runs": len(s.runs.ActiveRuns()),
	})
}

// controlError maps run-control failures onto HTTP status codes.
func (s *Server) controlError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runner.ErrInvalidRequest):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, runner.ErrRunNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrRunNotActive),
		errors.Is(err, runner.ErrRunNotPaused),
		errors.Is(err, runner.ErrAlreadyActive):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrShuttingDown):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
