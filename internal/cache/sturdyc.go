package cache

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

// entry wraps a stored value with its own deadline. The sturdyc client
// enforces a single client-wide TTL, so per-call TTLs shorter than that
// ceiling are checked here on read.
type entry struct {
	Value    []byte
	StoredAt time.Time
	TTL      time.Duration
}

// SturdycBackend is an in-process Backend on top of a sturdyc client.
type SturdycBackend struct {
	client *sturdyc.Client[entry]
	now    func() time.Time
}

// SturdycConfig sizes the in-process cache. MaxTTL caps every per-call
// TTL; entries older than it are evicted by the client regardless of
// what the caller asked for.
type SturdycConfig struct {
	Capacity           int
	NumShards          int
	MaxTTL             time.Duration
	EvictionPercentage int
}

func (c SturdycConfig) withDefaults() SturdycConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.NumShards <= 0 {
		c.NumShards = 64
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 15 * time.Minute
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		c.EvictionPercentage = 10
	}
	return c
}

func NewSturdycBackend(cfg SturdycConfig) *SturdycBackend {
	cfg = cfg.withDefaults()
	return &SturdycBackend{
		client: sturdyc.New[entry](cfg.Capacity, cfg.NumShards, cfg.MaxTTL, cfg.EvictionPercentage),
		now:    time.Now,
	}
}

func (b *SturdycBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := b.client.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.TTL > 0 && b.now().Sub(e.StoredAt) >= e.TTL {
		b.client.Delete(key)
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (b *SturdycBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.client.Set(key, entry{Value: value, StoredAt: b.now(), TTL: ttl})
	return nil
}

func (b *SturdycBackend) Delete(ctx context.Context, key string) error {
	b.client.Delete(key)
	return nil
}
