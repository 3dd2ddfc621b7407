package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Tenant scopes a Provider to a single client. Every key is prefixed with
// "tenant:<clientId>:" before it reaches the backend, so one tenant can
// never read, overwrite or delete another tenant's entries.
type Tenant struct {
	provider Provider
	prefix   string
}

// NewTenant wraps provider for the given client.
func NewTenant(provider Provider, clientID string) *Tenant {
	return &Tenant{
		provider: provider,
		prefix:   "tenant:" + clientID + ":",
	}
}

func (t *Tenant) key(k string) string { return t.prefix + k }

// Get returns the stored JSON value. found=false means the key is absent,
// which callers can distinguish from a stored null via Has.
func (t *Tenant) Get(ctx context.Context, key string) (any, bool, error) {
	data, found, err := t.provider.Get(ctx, t.key(key))
	if err != nil || !found {
		return nil, false, err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, NewCacheError("Tenant", "Get", key, err)
	}
	return value, true, nil
}

// Set stores a JSON-encodable value. ttl <= 0 uses no expiry.
func (t *Tenant) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return NewCacheError("Tenant", "Set", key, err)
	}
	return t.provider.Set(ctx, t.key(key), data, ttl)
}

func (t *Tenant) Delete(ctx context.Context, key string) error {
	return t.provider.Delete(ctx, t.key(key))
}

func (t *Tenant) Has(ctx context.Context, key string) (bool, error) {
	return t.provider.Has(ctx, t.key(key))
}

// Clear removes every entry belonging to this tenant only.
func (t *Tenant) Clear(ctx context.Context) error {
	return t.provider.Clear(ctx, t.prefix)
}
