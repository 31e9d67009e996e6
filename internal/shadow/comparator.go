// Package shadow compares primary reads against the target store in the
// background and records divergence as conflicts. Comparison work never
// adds latency or failure to the read path that submitted it.
package shadow

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/cutover/internal/alert"
	"github.com/hyperengineering/cutover/internal/driver"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// Job is one primary read to verify against the target store.
type Job struct {
	Table   string
	ID      string
	Primary *types.Record // nil when the primary read found nothing
}

// Comparator drains submitted read jobs, re-reads each record from the
// target store, and records any payload divergence as a conflict.
type Comparator struct {
	target      driver.Driver
	conflicts   store.ConflictStore
	alerts      alert.Sink
	readTimeout time.Duration

	jobs    chan Job
	dropped atomic.Int64
}

// Config controls comparator buffering and per-job read deadlines.
type Config struct {
	QueueDepth  int
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	return c
}

// NewComparator creates a comparator. Run must be started for submitted
// jobs to be processed.
func NewComparator(target driver.Driver, conflicts store.ConflictStore, alerts alert.Sink, cfg Config) *Comparator {
	cfg = cfg.withDefaults()
	return &Comparator{
		target:      target,
		conflicts:   conflicts,
		alerts:      alerts,
		readTimeout: cfg.ReadTimeout,
		jobs:        make(chan Job, cfg.QueueDepth),
	}
}

// Submit queues a comparison without blocking. When the queue is full the
// job is dropped and counted; shadow verification is best effort.
func (c *Comparator) Submit(job Job) {
	select {
	case c.jobs <- job:
	default:
		n := c.dropped.Add(1)
		slog.Warn("shadow comparison dropped, queue full",
			"component", "shadow",
			"table", job.Table,
			"record_id", job.ID,
			"dropped_total", n,
		)
	}
}

// Dropped reports how many jobs were discarded due to queue overflow.
func (c *Comparator) Dropped() int64 {
	return c.dropped.Load()
}

// Run drains the job queue until ctx is cancelled.
func (c *Comparator) Run(ctx context.Context) {
	slog.Info("shadow comparator started",
		"component", "shadow",
		"queue_depth", cap(c.jobs),
		"read_timeout", c.readTimeout.String(),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shadow comparator stopped",
				"component", "shadow",
				"reason", "context_cancelled",
				"dropped_total", c.dropped.Load(),
			)
			return
		case job := <-c.jobs:
			c.compare(ctx, job)
		}
	}
}

// compare re-reads the record from the target store and records a
// conflict when the two stores disagree.
func (c *Comparator) compare(ctx context.Context, job Job) {
	readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	target, err := c.target.Get(readCtx, job.Table, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("shadow read against target failed",
			"component", "shadow",
			"table", job.Table,
			"record_id", job.ID,
			"error", err,
		)
		return
	}

	serverFields := fieldsOf(job.Primary)
	clientFields := fieldsOf(target)
	if serverFields == nil && clientFields == nil {
		return // absent in both stores
	}
	if reflect.DeepEqual(serverFields, clientFields) {
		return
	}

	rec, err := c.conflicts.Detect(ctx, job.Table, job.ID, serverFields, clientFields)
	if err != nil {
		slog.Error("failed to record shadow divergence",
			"component", "shadow",
			"table", job.Table,
			"record_id", job.ID,
			"error", err,
		)
		return
	}
	c.alerts.ConflictDetected(ctx, *rec)
}

func fieldsOf(rec *types.Record) map[string]any {
	if rec == nil {
		return nil
	}
	return rec.Fields
}
