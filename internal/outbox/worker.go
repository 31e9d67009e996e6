package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/cutover/internal/alert"
	"github.com/hyperengineering/cutover/internal/breaker"
	"github.com/hyperengineering/cutover/internal/driver"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	// ApplyTimeout bounds each secondary-store call. A hung call is
	// cancelled and counted as a transient failure.
	ApplyTimeout time.Duration

	// Lease is how long a processing claim is honored before another
	// drain may re-claim the entry (crash recovery).
	Lease time.Duration

	// BaseBackoff and MaxBackoff shape the retry schedule.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// DrainInterval enables the periodic Run loop; zero leaves draining
	// to the flush endpoint only.
	DrainInterval time.Duration

	// DrainLimit is the batch size used by the periodic Run loop.
	DrainLimit int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.DrainLimit <= 0 {
		c.DrainLimit = 100
	}
	return c
}

// Worker drains pending outbox entries into the secondary store.
type Worker struct {
	store  store.OutboxStore
	target driver.Driver
	brk    *breaker.Breaker
	alerts alert.Sink
	cfg    WorkerConfig
	now    func() time.Time
}

// NewWorker creates a drain worker. brk may be nil to disable circuit
// breaking on the secondary store.
func NewWorker(s store.OutboxStore, target driver.Driver, brk *breaker.Breaker, alerts alert.Sink, cfg WorkerConfig) *Worker {
	return &Worker{
		store:  s,
		target: target,
		brk:    brk,
		alerts: alerts,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// Drain claims up to limit ready entries and applies them to the
// secondary store. Each invocation is bounded: claimed entries are
// processed once and the call returns.
func (w *Worker) Drain(ctx context.Context, limit int) (types.DrainResult, error) {
	var result types.DrainResult

	now := w.now().UTC()
	entries, err := w.store.ClaimPending(ctx, limit, now, w.cfg.Lease)
	if err != nil {
		return result, err
	}
	result.Drained = len(entries)

	for i := range entries {
		if w.process(ctx, &entries[i]) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	if result.Drained > 0 {
		slog.Info("outbox drain complete",
			"component", "worker",
			"action", "drain",
			"drained", result.Drained,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// process applies one entry and records the outcome. It reports whether
// the mirrored apply reached the secondary store, so drain results count
// secondary-store outcomes; control-store bookkeeping failures are logged
// and retried on the next drain instead.
func (w *Worker) process(ctx context.Context, entry *types.OutboxEntry) bool {
	applyErr := w.apply(ctx, entry)
	now := w.now().UTC()

	if applyErr == nil {
		if err := w.store.MarkDone(ctx, entry.IdempotencyKey, now); err != nil {
			// The apply itself is idempotent, so a lost done-transition is
			// safe: the next drain re-applies and marks done again. The
			// mirror did apply, so the entry still counts as succeeded.
			slog.Error("failed to mark entry done",
				"component", "worker",
				"idempotency_key", entry.IdempotencyKey,
				"error", err,
			)
		}
		return true
	}

	retries := entry.Retries + 1
	terminal := errors.Is(applyErr, store.ErrTerminal)

	if terminal || retries >= entry.MaxRetries {
		if err := w.store.MarkFailed(ctx, entry.IdempotencyKey, applyErr.Error(), now); err != nil {
			slog.Error("failed to mark entry failed",
				"component", "worker",
				"idempotency_key", entry.IdempotencyKey,
				"error", err,
			)
			return false
		}
		entry.Retries = retries
		entry.LastError = applyErr.Error()
		w.alerts.OutboxEntryFailed(ctx, *entry)
		return false
	}

	next := now.Add(backoffDelay(w.cfg.BaseBackoff, w.cfg.MaxBackoff, entry.Retries))
	if err := w.store.MarkRetry(ctx, entry.IdempotencyKey, applyErr.Error(), next, now); err != nil {
		slog.Error("failed to schedule retry",
			"component", "worker",
			"idempotency_key", entry.IdempotencyKey,
			"error", err,
		)
		return false
	}
	slog.Warn("mirror apply failed, scheduled retry",
		"component", "worker",
		"idempotency_key", entry.IdempotencyKey,
		"retries", retries,
		"next_retry_at", next,
		"error", applyErr,
	)
	return false
}

// apply performs the mirrored operation under the per-entry timeout.
func (w *Worker) apply(ctx context.Context, entry *types.OutboxEntry) error {
	if w.brk != nil && !w.brk.Allow() {
		return fmt.Errorf("secondary store circuit open: %w", store.ErrTransient)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.ApplyTimeout)
	defer cancel()

	var err error
	switch entry.Operation {
	case types.OperationUpsert:
		err = w.target.Upsert(ctx, &types.Record{
			Table:   entry.Table,
			ID:      entry.RecordID,
			Fields:  entry.Payload,
			Version: entry.RecordVersion,
		})
	case types.OperationDelete:
		err = w.target.Delete(ctx, entry.Table, entry.RecordID)
	default:
		// Unknown operations cannot become applicable by retrying.
		return errors.Join(store.ErrTerminal, errors.New("unknown operation "+string(entry.Operation)))
	}

	if w.brk != nil {
		if err != nil {
			w.brk.Failure()
		} else {
			w.brk.Success()
		}
	}
	return err
}

// Run drains on an interval until ctx is cancelled. The worker remains
// correct without it; the flush endpoint triggers drains on demand.
func (w *Worker) Run(ctx context.Context) {
	if w.cfg.DrainInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(w.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Drain(ctx, w.cfg.DrainLimit); err != nil {
				slog.Error("periodic drain failed",
					"component", "worker",
					"error", err,
				)
			}
		}
	}
}
