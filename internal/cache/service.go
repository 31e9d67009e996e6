// Package cache provides a TTL read cache with single-flight loading and
// scope-tagged invalidation. The cache is an optimization only: when the
// backend is unhealthy every read degrades to calling the loader
// directly, never to an error.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/cutover/internal/breaker"
)

// Backend stores opaque serialized values under a TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Status classifies how a cached read was served.
type Status string

const (
	StatusHit      Status = "hit"
	StatusMiss     Status = "miss"
	StatusBypassed Status = "bypassed"
)

// Meta describes how a cached read was served.
type Meta struct {
	Status  Status
	Elapsed time.Duration
	Key     string
}

// Service coordinates cached reads. Concurrent misses for the same key
// are coalesced onto a single loader invocation.
type Service struct {
	backend Backend
	brk     *breaker.Breaker
	group   singleflight.Group
	index   *ScopeIndex
}

// NewService creates a cache service. brk fences off the backend after
// repeated failures; while open, reads bypass the cache entirely. brk may
// be nil to disable circuit breaking on the backend.
func NewService(backend Backend, brk *breaker.Breaker) *Service {
	return &Service{
		backend: backend,
		brk:     brk,
		index:   NewScopeIndex(),
	}
}

// GetOrSetJSON returns the cached value for key when present and fresh,
// otherwise invokes loader exactly once per key across concurrent
// callers and stores the result under ttl. A backend failure degrades to
// calling the loader directly with status bypassed.
func (s *Service) GetOrSetJSON(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) ([]byte, error)) ([]byte, Meta, error) {
	start := time.Now()

	if s.backend == nil || (s.brk != nil && !s.brk.Allow()) {
		return s.bypass(ctx, key, start, loader)
	}

	value, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.recordFailure()
		slog.Warn("cache backend unavailable, bypassing",
			"component", "cache",
			"key", key,
			"error", err,
		)
		return s.bypass(ctx, key, start, loader)
	}
	s.recordSuccess()

	if ok {
		return value, Meta{Status: StatusHit, Elapsed: time.Since(start), Key: key}, nil
	}

	// One loader per key; every caller that joined an in-flight load
	// reports a hit since the value was served from shared work.
	var loaded bool
	result, err, _ := s.group.Do(key, func() (any, error) {
		loaded = true
		fresh, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.backend.Set(ctx, key, fresh, ttl); err != nil {
			s.recordFailure()
			slog.Warn("cache store failed",
				"component", "cache",
				"key", key,
				"error", err,
			)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, Meta{Status: StatusMiss, Elapsed: time.Since(start), Key: key}, err
	}

	status := StatusHit
	if loaded {
		status = StatusMiss
	}
	return result.([]byte), Meta{Status: status, Elapsed: time.Since(start), Key: key}, nil
}

func (s *Service) recordFailure() {
	if s.brk != nil {
		s.brk.Failure()
	}
}

func (s *Service) recordSuccess() {
	if s.brk != nil {
		s.brk.Success()
	}
}

func (s *Service) bypass(ctx context.Context, key string, start time.Time, loader func(context.Context) ([]byte, error)) ([]byte, Meta, error) {
	value, err := loader(ctx)
	meta := Meta{Status: StatusBypassed, Elapsed: time.Since(start), Key: key}
	if err != nil {
		return nil, meta, err
	}
	return value, meta, nil
}

// Register tags key as serving the given scopes for userID so a later
// mutation in any of those scopes invalidates it.
func (s *Service) Register(userID string, scopes []Scope, key string) {
	s.index.Register(userID, scopes, key)
}

// InvalidateUsers drops every key registered under each (userID, scope)
// pair. Keys are removed from the scope index regardless of backend
// errors; deletions that fail are reported joined.
func (s *Service) InvalidateUsers(ctx context.Context, userIDs []string, scopes []Scope) error {
	if s.backend == nil {
		return nil
	}

	var errs []error
	var dropped int
	for _, userID := range userIDs {
		for _, scope := range scopes {
			for _, key := range s.index.Take(userID, scope) {
				if err := s.backend.Delete(ctx, key); err != nil {
					s.recordFailure()
					errs = append(errs, err)
					continue
				}
				dropped++
			}
		}
	}

	if dropped > 0 {
		slog.Debug("cache entries invalidated",
			"component", "cache",
			"users", len(userIDs),
			"scopes", len(scopes),
			"keys_dropped", dropped,
		)
	}
	return errors.Join(errs...)
}
