// Package cache provides the key/value store used for sessions, paused
// execution state and the user-program cache surface.
//
// Backends implement Provider; every tenant-visible key goes through Tenant,
// which prefixes keys so cross-tenant reads are impossible.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Provider is the backend contract. Values are opaque bytes; callers encode.
// Get reports found=false on a miss, which is distinct from a stored nil.
type Provider interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// Clear removes every key with the given prefix. An empty prefix clears all.
	Clear(ctx context.Context, prefix string) error
	Close() error
}

// CacheError wraps backend failures with component context.
type CacheError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *CacheError) Unwrap() error { return e.Err }

func NewCacheError(component, action, message string, err error) *CacheError {
	return &CacheError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}
