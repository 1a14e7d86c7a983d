// Package secrets resolves datastore credentials from HashiCorp Vault.
// When Vault is disabled the store is a passthrough and callers keep the
// credentials from the config file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"crypto-backtest-engine/config"
)

// Store reads KV-v2 secret documents, holding each one in memory after
// its first lookup. Secrets are keyed by name (e.g. "database", "redis").
type Store struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]map[string]string
}

// NewStore connects to Vault. With Vault disabled in config it returns a
// passthrough store whose lookups resolve to nothing.
func NewStore(cfg config.VaultConfig) (*Store, error) {
	store := &Store{
		config: cfg,
		cache:  make(map[string]map[string]string),
	}
	if !cfg.Enabled {
		return store, nil
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := apiCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	store.client = client
	return store, nil
}

// Lookup reads the named secret's fields. Disabled mode returns nil without
// an error so callers fall back to config-file credentials.
func (s *Store) Lookup(ctx context.Context, name string) (map[string]string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !s.config.Enabled {
		return nil, nil
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(name))
	if err != nil {
		return nil, fmt.Errorf("read secret %q: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %q not found", name)
	}

	// KV-v2 nests the document under a "data" key.
	doc, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret %q is not kv-v2", name)
	}

	fields := make(map[string]string, len(doc))
	for key, val := range doc {
		if str, ok := val.(string); ok {
			fields[key] = str
		}
	}

	s.mu.Lock()
	s.cache[name] = fields
	s.mu.Unlock()
	return fields, nil
}

// Field reads one field of the named secret, returning the fallback when
// Vault is disabled, the secret is missing, or the field is absent.
func (s *Store) Field(ctx context.Context, name, key, fallback string) string {
	fields, err := s.Lookup(ctx, name)
	if err != nil || fields == nil {
		return fallback
	}
	if val, ok := fields[key]; ok && val != "" {
		return val
	}
	return fallback
}

// IsEnabled reports whether lookups actually hit Vault.
func (s *Store) IsEnabled() bool {
	return s.config.Enabled
}

// Health verifies the Vault server is reachable and unsealed. Disabled
// mode always passes.
func (s *Store) Health(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	status, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if status.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

// secretPath builds the KV-v2 read path: <mount>/data/<prefix>/<name>.
func (s *Store) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.config.MountPath, s.config.SecretPath, name)
}
