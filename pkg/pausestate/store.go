package pausestate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/atp-project/atp/pkg/cache"
)

var (
	pausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atp_executions_paused_total",
		Help: "Executions that paused for a client callback.",
	})
	resumesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atp_executions_resumed_total",
		Help: "Paused executions resumed with a callback result.",
	})
	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atp_executions_expired_total",
		Help: "Paused executions dropped after exceeding their pause window.",
	})
	failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atp_executions_pause_failures_total",
		Help: "Pause-state operations that failed against the backing store.",
	})
)

// StoreError wraps pause-state failures with component context.
type StoreError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

// Store keeps paused execution records with a sliding TTL bounded by an
// absolute pause window.
type Store struct {
	backend  cache.Provider
	ttl      time.Duration
	maxPause time.Duration
	logger   *slog.Logger
}

func NewStore(backend cache.Provider, ttl, maxPause time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, ttl: ttl, maxPause: maxPause, logger: logger}
}

func recordKey(executionID string) string {
	return "execution:" + executionID
}

// effectiveTTL is the sliding TTL clamped so the record never outlives the
// absolute pause window.
func (s *Store) effectiveTTL(r *Record) time.Duration {
	ttl := s.ttl
	if s.maxPause > 0 {
		remaining := time.Until(r.PausedAt.Add(s.maxPause))
		if remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// Save persists a paused record.
func (s *Store) Save(ctx context.Context, r *Record) error {
	ttl := s.effectiveTTL(r)
	if ttl <= 0 {
		expiredTotal.Inc()
		return &StoreError{Component: "Store", Action: "Save",
			Message: fmt.Sprintf("execution %s exceeded its pause window", r.ExecutionID)}
	}

	data, err := json.Marshal(r)
	if err != nil {
		failuresTotal.Inc()
		return &StoreError{Component: "Store", Action: "Save", Message: "encode failed", Err: err}
	}
	if err := s.backend.Set(ctx, recordKey(r.ExecutionID), data, ttl); err != nil {
		failuresTotal.Inc()
		return &StoreError{Component: "Store", Action: "Save", Message: "store failed", Err: err}
	}

	pausesTotal.Inc()
	s.logger.Debug("execution paused",
		"executionId", r.ExecutionID,
		"callbacks", len(r.History),
		"ttl", ttl)
	return nil
}

// Get loads a record and refreshes its sliding TTL. Records past the absolute
// pause window are dropped and reported as missing.
func (s *Store) Get(ctx context.Context, executionID string) (*Record, error) {
	data, found, err := s.backend.Get(ctx, recordKey(executionID))
	if err != nil {
		failuresTotal.Inc()
		return nil, &StoreError{Component: "Store", Action: "Get", Message: "lookup failed", Err: err}
	}
	if !found {
		return nil, nil
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		failuresTotal.Inc()
		return nil, &StoreError{Component: "Store", Action: "Get", Message: "corrupt record", Err: err}
	}

	ttl := s.effectiveTTL(&r)
	if ttl <= 0 {
		expiredTotal.Inc()
		_ = s.backend.Delete(ctx, recordKey(executionID))
		s.logger.Info("paused execution expired", "executionId", executionID)
		return nil, nil
	}
	if err := s.backend.Set(ctx, recordKey(executionID), data, ttl); err != nil {
		s.logger.Warn("failed to refresh pause ttl", "executionId", executionID, "error", err)
	}

	resumesTotal.Inc()
	return &r, nil
}

// Delete removes a record once its execution finished.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	if err := s.backend.Delete(ctx, recordKey(executionID)); err != nil {
		failuresTotal.Inc()
		return &StoreError{Component: "Store", Action: "Delete", Message: "delete failed", Err: err}
	}
	return nil
}
