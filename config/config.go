// Package config loads service configuration from config.json with
// environment variable overrides. Environment always wins so deployments
// can keep secrets out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	RunnerConfig   RunnerConfig   `json:"runner"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	ProductionMode     bool     `json:"production_mode"`
	AllowedOrigins     []string `json:"allowed_origins"` // CORS allowed origins
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	ShutdownTimeout    int      `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	Enabled              bool   `json:"enabled"`
	JWTSecret            string `json:"jwt_secret"`
	TokenDurationMinutes int    `json:"token_duration_minutes"`
	OperatorUsername     string `json:"operator_username"`
	OperatorPasswordHash string `json:"operator_password_hash"` // bcrypt hash
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the run status cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"` // 0 lets go-redis size the pool
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for service credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RunnerConfig holds run scheduling configuration
type RunnerConfig struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // debug, info, warn, error
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// Load reads config.json when present, then layers environment overrides
// and finally defaults for anything still unset. A missing file is fine;
// the environment alone can configure the service.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("API_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("API_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("API_PRODUCTION_MODE", cfg.ServerConfig.ProductionMode)
	cfg.ServerConfig.AllowedOrigins = getEnvSliceOrDefault("API_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.RateLimitPerMinute = getEnvIntOrDefault("API_RATE_LIMIT_PER_MINUTE", cfg.ServerConfig.RateLimitPerMinute)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("API_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDurationMinutes = getEnvIntOrDefault("AUTH_TOKEN_DURATION_MINUTES", cfg.AuthConfig.TokenDurationMinutes)
	cfg.AuthConfig.OperatorUsername = getEnvOrDefault("AUTH_OPERATOR_USERNAME", cfg.AuthConfig.OperatorUsername)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Runner config
	cfg.RunnerConfig.MaxConcurrentRuns = getEnvIntOrDefault("RUNNER_MAX_CONCURRENT_RUNS", cfg.RunnerConfig.MaxConcurrentRuns)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)
}

// applyDefaults fills anything neither the file nor the environment set
func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
	if len(cfg.ServerConfig.AllowedOrigins) == 0 {
		cfg.ServerConfig.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8090"}
	}
	if cfg.ServerConfig.RateLimitPerMinute == 0 {
		cfg.ServerConfig.RateLimitPerMinute = 120
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 15
	}

	if cfg.AuthConfig.TokenDurationMinutes == 0 {
		cfg.AuthConfig.TokenDurationMinutes = 60
	}
	if cfg.AuthConfig.OperatorUsername == "" {
		cfg.AuthConfig.OperatorUsername = "operator"
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "backtest"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "backtest"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "backtest-engine"
	}

	if cfg.RunnerConfig.MaxConcurrentRuns == 0 {
		cfg.RunnerConfig.MaxConcurrentRuns = 4
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.AuthConfig.Enabled {
		if c.AuthConfig.JWTSecret == "" {
			return fmt.Errorf("auth is enabled but AUTH_JWT_SECRET is not set")
		}
		if c.AuthConfig.OperatorPasswordHash == "" {
			return fmt.Errorf("auth is enabled but AUTH_OPERATOR_PASSWORD_HASH is not set")
		}
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Token == "" {
		return fmt.Errorf("vault is enabled but VAULT_TOKEN is not set")
	}
	if c.RunnerConfig.MaxConcurrentRuns < 1 {
		return fmt.Errorf("runner max_concurrent_runs must be at least 1, got %d", c.RunnerConfig.MaxConcurrentRuns)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBoolOrDefault(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return fallback
}

func getEnvSliceOrDefault(key string, fallback []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// GenerateSampleConfig writes a starter config.json with development
// defaults and every section present.
func GenerateSampleConfig(filename string) error {
	sample := Config{
		ServerConfig: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8090,
			ProductionMode:     false,
			AllowedOrigins:     []string{"http://localhost:5173"},
			RateLimitPerMinute: 120,
			ShutdownTimeout:    15,
		},
		AuthConfig: AuthConfig{
			Enabled:              false,
			JWTSecret:            "change_me",
			TokenDurationMinutes: 60,
			OperatorUsername:     "operator",
			OperatorPasswordHash: "",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "backtest",
			Password: "backtest",
			Database: "backtest",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Enabled:    false,
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "backtest-engine",
		},
		RunnerConfig: RunnerConfig{
			MaxConcurrentRuns: 4,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
	}

	out, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, out, 0644)
}
