package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crypto-backtest-engine/config"
	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/api"
	"crypto-backtest-engine/internal/auth"
	"crypto-backtest-engine/internal/cache"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/database"
	"crypto-backtest-engine/internal/events"
	"crypto-backtest-engine/internal/logging"
	"crypto-backtest-engine/internal/runner"
	"crypto-backtest-engine/internal/secrets"
	"crypto-backtest-engine/internal/telemetry"
)

func main() {
	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	logger.Info().Msg("Structured logging initialized")

	// Initialize event bus
	eventBus := events.NewEventBus()
	logger.Info().Msg("Event bus initialized")

	// Resolve credentials through Vault when enabled; config-file values
	// stay in place as fallbacks.
	secretStore, err := secrets.NewStore(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize secret store: %v", err)
	}

	dbPassword := cfg.DatabaseConfig.Password
	redisPassword := cfg.RedisConfig.Password
	if secretStore.IsEnabled() {
		secretCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := secretStore.Health(secretCtx); err != nil {
			log.Fatalf("Vault health check failed: %v", err)
		}
		dbPassword = secretStore.Field(secretCtx, "database", "password", dbPassword)
		redisPassword = secretStore.Field(secretCtx, "redis", "password", redisPassword)
		cancel()
		logger.Info().Str("address", cfg.VaultConfig.Address).Msg("Vault secret store enabled")
	}

	// Connect to PostgreSQL and bring the schema up to date
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: dbPassword,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Database migrations failed: %v", err)
	}

	repo := database.NewRepository(db)

	// Initialize Redis-backed status cache when enabled. Its absence only
	// moves status reads to the database.
	var cacheService *cache.CacheService
	if cfg.RedisConfig.Enabled {
		redisCfg := cfg.RedisConfig
		redisCfg.Password = redisPassword
		cacheService, err = cache.NewCacheService(redisCfg, logger)
		if err != nil {
			log.Fatalf("Failed to initialize Redis cache: %v", err)
		}
		defer cacheService.Close()
		logger.Info().Str("address", redisCfg.Address).Msg("Redis status cache initialized")
	}
	statusCache := cache.NewRunStatusCache(cacheService, repo, logger)

	// Register built-in algorithms
	registry := algorithm.NewRegistry()
	if err := registry.Register(algorithm.NewMomentum(algorithm.MomentumConfig{})); err != nil {
		log.Fatalf("Failed to register momentum algorithm: %v", err)
	}
	if err := registry.Register(algorithm.NewMeanRevert(algorithm.MeanRevertConfig{})); err != nil {
		log.Fatalf("Failed to register mean reversion algorithm: %v", err)
	}
	if err := registry.Register(algorithm.NewTrendFollow(algorithm.TrendFollowConfig{})); err != nil {
		log.Fatalf("Failed to register trend following algorithm: %v", err)
	}
	logger.Info().Strs("algorithms", registry.IDs()).Msg("Algorithm registry initialized")

	// Candle providers
	providers := candles.Providers{
		candles.DatasetCSV:       candles.NewFileProvider(getEnv("DATA_DIR", "./data"), logger),
		candles.DatasetSynthetic: candles.NewSyntheticProvider(),
	}

	// Export run metrics to Prometheus
	collector := telemetry.NewCollector(prometheus.DefaultRegisterer)
	collector.Attach(eventBus)

	// Initialize the run manager
	manager := runner.NewManager(
		runner.Config{MaxConcurrentRuns: cfg.RunnerConfig.MaxConcurrentRuns},
		repo,
		statusCache,
		registry,
		providers,
		eventBus,
		logger,
	)

	// Build the API server
	serverConfig := api.Config{
		Host:               cfg.ServerConfig.Host,
		Port:               cfg.ServerConfig.Port,
		ProductionMode:     cfg.ServerConfig.ProductionMode,
		AllowedOrigins:     cfg.ServerConfig.AllowedOrigins,
		RateLimitPerMinute: cfg.ServerConfig.RateLimitPerMinute,
	}
	authConfig := auth.Config{
		Enabled:              cfg.AuthConfig.Enabled,
		JWTSecret:            cfg.AuthConfig.JWTSecret,
		TokenDurationMinutes: cfg.AuthConfig.TokenDurationMinutes,
		OperatorUsername:     cfg.AuthConfig.OperatorUsername,
		OperatorPasswordHash: cfg.AuthConfig.OperatorPasswordHash,
	}

	server := api.NewServer(serverConfig, authConfig, manager, repo, statusCache, registry, eventBus, logger)

	// Serve in the background; main blocks on signals below
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	log.Println("Starting Backtest Engine...")
	log.Printf("Auth enabled: %v", cfg.AuthConfig.Enabled)
	log.Printf("API available at http://%s:%d", serverConfig.Host, serverConfig.Port)

	// Block until SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	// Stop accepting API traffic first so no new runs arrive while the
	// manager checkpoints the active ones.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down run manager: %v", err)
	}

	log.Println("Shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
