package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-backtest-engine/config"
)

// degradedService builds a CacheService whose circuit breaker is open and
// whose probe window has not elapsed, so operations fail fast without
// touching the network.
func degradedService() *CacheService {
	return &CacheService{
		logger:        zerolog.Nop(),
		healthy:       false,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		lastCheck:     time.Now(),
	}
}

func TestRunStatusKey(t *testing.T) {
	key := RunStatusKey("run-42")
	expected := "backtest:run:run-42:status"
	if key != expected {
		t.Errorf("Expected key %q, got %q", expected, key)
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cs := &CacheService{healthy: true, maxFailures: 3}

	cs.recordFailure()
	cs.recordFailure()
	if !cs.IsHealthy() {
		t.Error("Expected service to stay healthy below the failure threshold")
	}

	cs.recordFailure()
	if cs.IsHealthy() {
		t.Error("Expected circuit breaker to open after three failures")
	}
}

func TestCircuitBreakerClosesOnSuccess(t *testing.T) {
	cs := &CacheService{healthy: false, failureCount: 5, maxFailures: 3}

	cs.recordSuccess()

	if !cs.IsHealthy() {
		t.Error("Expected service to be healthy after a successful operation")
	}
	if stats := cs.GetStats(); stats.FailureCount != 0 {
		t.Errorf("Expected failure count reset to 0, got %d", stats.FailureCount)
	}
}

func TestOperationsFailFastWhenDegraded(t *testing.T) {
	cs := degradedService()
	ctx := context.Background()

	if _, err := cs.Get(ctx, "some-key"); err == nil {
		t.Error("Expected Get to fail while the circuit breaker is open")
	}

	if err := cs.Set(ctx, "some-key", "value", time.Minute); err == nil {
		t.Error("Expected Set to fail while the circuit breaker is open")
	}

	if err := cs.Delete(ctx, "some-key"); err == nil {
		t.Error("Expected Delete to fail while the circuit breaker is open")
	}

	var dest map[string]string
	if err := cs.GetJSON(ctx, "some-key", &dest); err == nil {
		t.Error("Expected GetJSON to fail while the circuit breaker is open")
	}
}

func TestGetStatsReflectsState(t *testing.T) {
	cs := &CacheService{
		healthy:      true,
		failureCount: 1,
		config:       config.RedisConfig{Address: "localhost:6379", PoolSize: 10},
	}

	stats := cs.GetStats()
	if !stats.Healthy {
		t.Error("Expected stats to report healthy")
	}
	if stats.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got %d", stats.FailureCount)
	}
	if stats.Address != "localhost:6379" {
		t.Errorf("Expected address localhost:6379, got %s", stats.Address)
	}
	if stats.PoolSize != 10 {
		t.Errorf("Expected pool size 10, got %d", stats.PoolSize)
	}
}

func TestCloseWithoutClient(t *testing.T) {
	cs := &CacheService{}
	if err := cs.Close(); err != nil {
		t.Errorf("Expected nil error closing a service with no client, got %v", err)
	}
}
