package secrets

import (
	"context"
	"testing"

	"crypto-backtest-engine/config"
)

func disabledStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error for disabled store, got %v", err)
	}
	return store
}

func TestDisabledStoreIsPassthrough(t *testing.T) {
	store := disabledStore(t)

	if store.IsEnabled() {
		t.Error("Expected disabled store to report IsEnabled false")
	}
	if err := store.Health(context.Background()); err != nil {
		t.Errorf("Expected disabled store health to pass, got %v", err)
	}

	fields, err := store.Lookup(context.Background(), "database")
	if err != nil {
		t.Errorf("Expected no error from disabled lookup, got %v", err)
	}
	if fields != nil {
		t.Errorf("Expected nil fields from disabled lookup, got %v", fields)
	}
}

func TestFieldFallsBack(t *testing.T) {
	store := disabledStore(t)

	got := store.Field(context.Background(), "database", "password", "from-config")
	if got != "from-config" {
		t.Errorf("Expected fallback password, got %q", got)
	}
}

func TestFieldPrefersCachedSecret(t *testing.T) {
	store := disabledStore(t)
	store.cache["database"] = map[string]string{"password": "from-vault", "user": ""}

	if got := store.Field(context.Background(), "database", "password", "from-config"); got != "from-vault" {
		t.Errorf("Expected cached password, got %q", got)
	}
	// Empty fields fall through to the fallback.
	if got := store.Field(context.Background(), "database", "user", "backtest"); got != "backtest" {
		t.Errorf("Expected fallback user, got %q", got)
	}
}

func TestSecretPathLayout(t *testing.T) {
	store := &Store{config: config.VaultConfig{MountPath: "secret", SecretPath: "backtest"}}

	if got := store.secretPath("redis"); got != "secret/data/backtest/redis" {
		t.Errorf("Expected secret/data/backtest/redis, got %q", got)
	}
}
