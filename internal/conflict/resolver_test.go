package conflict

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/hyperengineering/cutover/internal/outbox"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

// memDriver is an in-memory record store for resolver tests.
type memDriver struct {
	mu        sync.Mutex
	records   map[string]*types.Record
	upsertErr error
}

func newMemDriver() *memDriver {
	return &memDriver{records: make(map[string]*types.Record)}
}

func (d *memDriver) key(table, id string) string { return table + "/" + id }

func (d *memDriver) Get(ctx context.Context, table, id string) (*types.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[d.key(table, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (d *memDriver) Upsert(ctx context.Context, rec *types.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.upsertErr != nil {
		return d.upsertErr
	}
	d.records[d.key(rec.Table, rec.ID)] = rec
	return nil
}

func (d *memDriver) Delete(ctx context.Context, table, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, d.key(table, id))
	return nil
}

func (d *memDriver) Query(ctx context.Context, table string, filter map[string]any, limit int) ([]types.Record, error) {
	return nil, nil
}

func (d *memDriver) Close() error { return nil }

type fixture struct {
	conflicts *store.SQLiteStore
	primary   *memDriver
	secondary *memDriver
	resolver  *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	primary := newMemDriver()
	secondary := newMemDriver()
	producer := outbox.NewProducer(s, 10)
	return &fixture{
		conflicts: s,
		primary:   primary,
		secondary: secondary,
		resolver:  NewResolver(s, primary, secondary, producer),
	}
}

func (f *fixture) detect(t *testing.T, server, client map[string]any) *types.ConflictRecord {
	t.Helper()
	rec, err := f.conflicts.Detect(context.Background(), "expenses", "exp-1", server, client)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	return rec
}

func TestResolve_RejectsUnknownResolutionBeforeStores(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), "any-id", "coin-flip", "ops")
	if !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("err = %v, want ErrInvalidResolution", err)
	}

	// No store was touched: both drivers are still empty.
	if len(f.primary.records) != 0 || len(f.secondary.records) != 0 {
		t.Error("stores mutated despite invalid resolution")
	}
}

func TestResolve_MissingConflictIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "no-such-id", types.ResolutionMerge, "ops")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_AlreadyResolvedIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.detect(t, map[string]any{"a": 1.0}, map[string]any{"a": 2.0})

	if _, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionServerWins, "ops"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionServerWins, "ops"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second resolve = %v, want ErrNotFound", err)
	}
}

func TestResolve_ServerWinsOverwritesTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server := map[string]any{"amount": 10.0, "payer": "u1"}
	rec := f.detect(t, server, map[string]any{"amount": 99.0})

	resolved, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionServerWins, "ops")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != types.ConflictResolved {
		t.Errorf("status = %s", resolved.Status)
	}

	got, err := f.secondary.Get(ctx, "expenses", "exp-1")
	if err != nil {
		t.Fatalf("target read: %v", err)
	}
	if !reflect.DeepEqual(got.Fields, server) {
		t.Errorf("target fields = %v, want server snapshot", got.Fields)
	}
	// server-wins leaves the primary untouched.
	if len(f.primary.records) != 0 {
		t.Error("primary store mutated on server-wins")
	}
}

func TestResolve_ClientWinsWritesPrimaryAndEnqueuesMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := map[string]any{"amount": 99.0}
	rec := f.detect(t, map[string]any{"amount": 10.0}, client)

	if _, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionClientWins, "ops"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := f.primary.Get(ctx, "expenses", "exp-1")
	if err != nil {
		t.Fatalf("primary read: %v", err)
	}
	if !reflect.DeepEqual(got.Fields, client) {
		t.Errorf("primary fields = %v, want client snapshot", got.Fields)
	}

	count, err := f.conflicts.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one mirror outbox entry, got %d", count)
	}
}

func TestResolve_MergeClientPrecedenceUnionWrittenToBothStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.detect(t,
		map[string]any{"a": 1.0, "b": 2.0},
		map[string]any{"b": 5.0, "c": 9.0})

	resolved, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionMerge, "ops")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := map[string]any{"a": 1.0, "b": 5.0, "c": 9.0}
	for name, d := range map[string]*memDriver{"primary": f.primary, "target": f.secondary} {
		got, err := d.Get(ctx, "expenses", "exp-1")
		if err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		if !reflect.DeepEqual(got.Fields, want) {
			t.Errorf("%s fields = %v, want %v", name, got.Fields, want)
		}
	}
	if resolved.Status != types.ConflictResolved {
		t.Errorf("conflict did not transition open→resolved: %s", resolved.Status)
	}
}

func TestResolve_PartialFailureLeavesConflictOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.detect(t, map[string]any{"a": 1.0}, map[string]any{"b": 2.0})

	// Primary accepts the merge, the secondary rejects it.
	f.secondary.upsertErr = fmt.Errorf("write rejected: %w", store.ErrTransient)

	if _, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionMerge, "ops"); err == nil {
		t.Fatal("expected error on partial failure")
	}

	current, err := f.conflicts.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if current.Status != types.ConflictOpen {
		t.Errorf("conflict silently resolved despite partial failure: %s", current.Status)
	}

	// Retry succeeds once the secondary recovers.
	f.secondary.upsertErr = nil
	if _, err := f.resolver.Resolve(ctx, rec.ID, types.ResolutionMerge, "ops"); err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
}

func TestMergeSnapshots(t *testing.T) {
	got := MergeSnapshots(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 5, "c": 9})
	want := map[string]any{"a": 1, "b": 5, "c": 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeSnapshots = %v, want %v", got, want)
	}
}
