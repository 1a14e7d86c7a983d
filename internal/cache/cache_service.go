// Package cache provides the Redis-backed run status cache. Every operation
// degrades gracefully: while Redis is down the circuit breaker fails calls
// fast and callers fall back to the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-backtest-engine/config"
)

// Status documents carry their own TTL so a crashed service never leaves
// stale entries behind.
const (
	runStatusKeyFormat = "backtest:run:%s:status"
	DefaultStatusTTL   = 24 * time.Hour
)

// ErrUnavailable is returned while the circuit breaker is open. Callers
// treat it like a miss and read the database instead.
var ErrUnavailable = errors.New("redis unavailable: circuit breaker open")

// CacheService wraps the Redis client behind a small circuit breaker:
// maxFailures consecutive errors open it, and a background ping spaced
// checkInterval apart closes it once Redis answers again.
type CacheService struct {
	client *redis.Client
	config config.RedisConfig
	logger zerolog.Logger

	mu            sync.RWMutex
	healthy       bool
	failureCount  int
	maxFailures   int
	checkInterval time.Duration
	lastCheck     time.Time
}

// NewCacheService connects to Redis with the provided configuration. An
// unreachable Redis is not fatal: the service starts degraded and the
// breaker probes for recovery in the background.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis disabled in configuration")
	}

	cs := &CacheService{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		config:        cfg,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		lastCheck:     time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Str("address", cfg.Address).
			Msg("Redis unreachable, starting in degraded mode")
		return cs, nil
	}

	cs.healthy = true
	cs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return cs, nil
}

// IsHealthy reports whether the circuit breaker is closed.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

// Get returns the raw value stored at key. A redis.Nil error is a miss,
// not a breaker failure.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if !cs.operational() {
		return "", ErrUnavailable
	}

	val, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err
		}
		cs.recordFailure()
		return "", fmt.Errorf("cache get %q: %w", key, err)
	}

	cs.recordSuccess()
	return val, nil
}

// Set stores a raw string value under key with the given TTL.
func (cs *CacheService) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !cs.operational() {
		return ErrUnavailable
	}

	if err := cs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes key. Deleting a key that does not exist is not an error.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	if !cs.operational() {
		return ErrUnavailable
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("cache delete %q: %w", key, err)
	}

	cs.recordSuccess()
	return nil
}

// GetJSON reads key and unmarshals the stored document into dest.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("cache unmarshal %q: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it under key with the given TTL.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %q: %w", key, err)
	}
	return cs.Set(ctx, key, string(data), ttl)
}

// Close releases the Redis connection pool.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// operational gates every call on the breaker, kicking off a recovery
// probe when the breaker has been open for a full check interval.
func (cs *CacheService) operational() bool {
	cs.mu.Lock()
	if cs.healthy {
		cs.mu.Unlock()
		return true
	}
	if time.Since(cs.lastCheck) < cs.checkInterval {
		cs.mu.Unlock()
		return false
	}
	// Stamp before probing so concurrent callers space probes one
	// interval apart instead of piling on.
	cs.lastCheck = time.Now()
	cs.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cs.client.Ping(ctx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
	return false
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount < cs.maxFailures {
		return
	}
	if cs.healthy {
		cs.logger.Warn().Int("failures", cs.failureCount).
			Msg("circuit breaker open, Redis marked unhealthy")
	}
	cs.healthy = false
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info().Msg("circuit breaker closed, Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// Stats is the monitoring snapshot of the breaker and connection state.
type Stats struct {
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
}

// GetStats snapshots the breaker state for health reporting.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
	}
}

// RunStatusKey builds the cache key for a run's status document.
func RunStatusKey(runID string) string {
	return fmt.Sprintf(runStatusKeyFormat, runID)
}
