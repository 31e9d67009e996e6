package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/cutover/internal/archive"
	"github.com/hyperengineering/cutover/internal/breaker"
	"github.com/hyperengineering/cutover/internal/cache"
	"github.com/hyperengineering/cutover/internal/conflict"
	"github.com/hyperengineering/cutover/internal/mode"
	"github.com/hyperengineering/cutover/internal/store"
	"github.com/hyperengineering/cutover/internal/types"
)

const testAPIKey = "test-api-key-12345"

// --- mocks ---

type mockRouter struct {
	mu       sync.Mutex
	records  map[string]*types.Record
	writes   []types.WriteDescriptor
	readErr  error
	writeErr error
	reads    int
	modes    mode.ModeConfig
}

func newMockRouter() *mockRouter {
	return &mockRouter{
		records: make(map[string]*types.Record),
		modes:   mode.ModeConfig{Backend: mode.BackendLegacy, Write: mode.WriteDual},
	}
}

func (m *mockRouter) Read(ctx context.Context, table, id string) (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readErr != nil {
		return nil, m.readErr
	}
	rec, ok := m.records[table+"/"+id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *mockRouter) Query(ctx context.Context, table string, filter map[string]any, limit int) ([]types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []types.Record
	for _, rec := range m.records {
		if rec.Table != table {
			continue
		}
		match := true
		for field, want := range filter {
			if rec.Fields[field] != want {
				match = false
				break
			}
		}
		if match && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockRouter) Write(ctx context.Context, desc types.WriteDescriptor) (types.WriteDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return desc, m.writeErr
	}
	if desc.Version == 0 {
		desc.Version = 12345
	}
	m.writes = append(m.writes, desc)
	return desc, nil
}

func (m *mockRouter) Modes() mode.ModeConfig { return m.modes }

type mockControl struct {
	mu        sync.Mutex
	pending   int64
	countErr  error
	failed    []types.OutboxEntry
	listErr   error
	open      []types.ConflictRecord
	listOpen  error
}

func (m *mockControl) Enqueue(ctx context.Context, entry *types.OutboxEntry) (bool, error) {
	return false, nil
}

func (m *mockControl) ClaimPending(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]types.OutboxEntry, error) {
	return nil, nil
}

func (m *mockControl) MarkDone(ctx context.Context, key string, now time.Time) error { return nil }

func (m *mockControl) MarkRetry(ctx context.Context, key, lastError string, nextRetryAt, now time.Time) error {
	return nil
}

func (m *mockControl) MarkFailed(ctx context.Context, key, lastError string, now time.Time) error {
	return nil
}

func (m *mockControl) GetEntry(ctx context.Context, key string) (*types.OutboxEntry, error) {
	return nil, store.ErrNotFound
}

func (m *mockControl) ListFailed(ctx context.Context, limit int) ([]types.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.failed, nil
}

func (m *mockControl) CountPending(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending, m.countErr
}

func (m *mockControl) Detect(ctx context.Context, entityType, entityID string, server, client map[string]any) (*types.ConflictRecord, error) {
	return nil, nil
}

func (m *mockControl) Get(ctx context.Context, id string) (*types.ConflictRecord, error) {
	return nil, store.ErrNotFound
}

func (m *mockControl) ListOpen(ctx context.Context, limit int) ([]types.ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listOpen != nil {
		return nil, m.listOpen
	}
	if len(m.open) > limit {
		return m.open[:limit], nil
	}
	return m.open, nil
}

func (m *mockControl) MarkResolved(ctx context.Context, id string, resolution types.Resolution, actorID string, now time.Time) error {
	return nil
}

func (m *mockControl) Close() error { return nil }

type mockDrainer struct {
	mu        sync.Mutex
	result    types.DrainResult
	err       error
	lastLimit int
}

func (m *mockDrainer) Drain(ctx context.Context, limit int) (types.DrainResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	return m.result, m.err
}

type mockResolver struct {
	mu             sync.Mutex
	record         *types.ConflictRecord
	err            error
	called         int
	lastResolution types.Resolution
}

func (m *mockResolver) Resolve(ctx context.Context, conflictID string, resolution types.Resolution, actorID string) (*types.ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.called++
	m.lastResolution = resolution
	if m.err != nil {
		return nil, m.err
	}
	return m.record, nil
}

type fixture struct {
	router   *mockRouter
	control  *mockControl
	drainer  *mockDrainer
	resolver *mockResolver
	handler  *Handler
	mux      http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		router:   newMockRouter(),
		control:  &mockControl{},
		drainer:  &mockDrainer{},
		resolver: &mockResolver{},
	}
	cacheSvc := cache.NewService(
		cache.NewSturdycBackend(cache.SturdycConfig{}),
		breaker.New(3, time.Minute),
	)
	f.handler = NewHandler(HandlerConfig{
		Router:   f.router,
		Cache:    cacheSvc,
		Drainer:  f.drainer,
		Resolver: f.resolver,
		Control:  f.control,
		Uploader: &archive.NoopUploader{},
		APIKey:   testAPIKey,
		Version:  "test",
		ReadTTL:  time.Minute,
	})
	f.mux = NewRouter(f.handler)
	return f
}

func (f *fixture) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

// --- health ---

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.control.pending = 7

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.BackendMode != "legacy" || resp.WriteMode != "dual" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.OutboxDepth != 7 {
		t.Errorf("outbox depth = %d, want 7", resp.OutboxDepth)
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	// No Authorization header.
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("unauthenticated health = %d, want 200", w.Code)
	}
}

// --- outbox flush ---

func TestFlushOutbox(t *testing.T) {
	f := newFixture(t)
	f.drainer.result = types.DrainResult{Drained: 3, Succeeded: 2, Failed: 1}

	w := f.request(t, http.MethodPost, "/api/v1/outbox/flush", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp types.FlushResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Drained != 3 || resp.Succeeded != 2 || resp.Failed != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if f.drainer.lastLimit != 100 {
		t.Errorf("default limit = %d, want 100", f.drainer.lastLimit)
	}
}

func TestFlushOutboxLimitClamping(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 100},
		{"5", 5},
		{"0", 1},
		{"-3", 1},
		{"9999", 500},
		{"not-a-number", 100},
	}
	for _, tt := range tests {
		f := newFixture(t)
		w := f.request(t, http.MethodPost, "/api/v1/outbox/flush?limit="+url.QueryEscape(tt.raw), nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("limit=%q status = %d", tt.raw, w.Code)
		}
		if f.drainer.lastLimit != tt.want {
			t.Errorf("limit=%q clamped to %d, want %d", tt.raw, f.drainer.lastLimit, tt.want)
		}
	}
}

func TestFlushOutboxRequiresAuth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/outbox/flush", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestFlushOutboxDrainError(t *testing.T) {
	f := newFixture(t)
	f.drainer.err = errors.New("control store locked")
	w := f.request(t, http.MethodPost, "/api/v1/outbox/flush", nil, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// --- failed export ---

func TestExportFailedOutboxNotConfigured(t *testing.T) {
	f := newFixture(t) // NoopUploader
	w := f.request(t, http.MethodPost, "/api/v1/outbox/failed/export", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

type stubUploader struct {
	mu       sync.Mutex
	lastName string
	lastData []byte
}

func (u *stubUploader) Put(ctx context.Context, objectName string, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastName = objectName
	u.lastData = data
	return nil
}

func (u *stubUploader) PresignedURL(ctx context.Context, objectName string) (string, time.Time, error) {
	return "https://s3.example.com/" + objectName + "?presigned=true", time.Now().Add(time.Hour), nil
}

func TestExportFailedOutbox(t *testing.T) {
	f := newFixture(t)
	uploader := &stubUploader{}
	f.handler.uploader = uploader
	f.control.failed = []types.OutboxEntry{
		{IdempotencyKey: "k1", Table: "expenses", RecordID: "e1", Status: types.OutboxFailed},
		{IdempotencyKey: "k2", Table: "expenses", RecordID: "e2", Status: types.OutboxFailed},
	}

	w := f.request(t, http.MethodPost, "/api/v1/outbox/failed/export", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp types.ExportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if resp.URL == "" {
		t.Error("missing presigned URL")
	}

	var exported []types.OutboxEntry
	if err := json.Unmarshal(uploader.lastData, &exported); err != nil {
		t.Fatalf("exported blob: %v", err)
	}
	if len(exported) != 2 || exported[0].IdempotencyKey != "k1" {
		t.Errorf("exported = %+v", exported)
	}
}

// --- conflicts ---

func TestListConflicts(t *testing.T) {
	f := newFixture(t)
	f.control.open = []types.ConflictRecord{
		{ID: ulid.Make().String(), EntityType: "expenses", EntityID: "e1", Status: types.ConflictOpen},
	}

	w := f.request(t, http.MethodGet, "/api/v1/conflicts", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp types.ListConflictsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Conflicts) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestResolveConflict(t *testing.T) {
	f := newFixture(t)
	id := ulid.Make().String()
	f.resolver.record = &types.ConflictRecord{ID: id, Status: types.ConflictResolved}

	w := f.request(t, http.MethodPost, "/api/v1/conflicts/"+id+"/resolve",
		types.ResolveRequest{Resolution: "merge", ActorID: "ops"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if f.resolver.lastResolution != types.ResolutionMerge {
		t.Errorf("resolution = %s", f.resolver.lastResolution)
	}
}

func TestResolveConflictRejectsUnknownResolutionBeforeResolver(t *testing.T) {
	f := newFixture(t)
	id := ulid.Make().String()

	w := f.request(t, http.MethodPost, "/api/v1/conflicts/"+id+"/resolve",
		types.ResolveRequest{Resolution: "coin-flip", ActorID: "ops"}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if f.resolver.called != 0 {
		t.Error("resolver reached despite invalid resolution")
	}
}

func TestResolveConflictMissingActor(t *testing.T) {
	f := newFixture(t)
	id := ulid.Make().String()

	w := f.request(t, http.MethodPost, "/api/v1/conflicts/"+id+"/resolve",
		types.ResolveRequest{Resolution: "merge"}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestResolveConflictNotFound(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = store.ErrNotFound
	id := ulid.Make().String()

	w := f.request(t, http.MethodPost, "/api/v1/conflicts/"+id+"/resolve",
		types.ResolveRequest{Resolution: "merge", ActorID: "ops"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestResolveConflictPartialFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = errors.New("target write rejected")
	id := ulid.Make().String()

	w := f.request(t, http.MethodPost, "/api/v1/conflicts/"+id+"/resolve",
		types.ResolveRequest{Resolution: "merge", ActorID: "ops"}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestResolveConflictInvalidResolutionFromResolver(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = conflict.ErrInvalidResolution
	id := ulid.Make().String()

	w := f.request(t, http.MethodPost, "/api/v1/conflicts/"+id+"/resolve",
		types.ResolveRequest{Resolution: "merge", ActorID: "ops"}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

// --- records ---

func TestGetRecordCacheMissThenHit(t *testing.T) {
	f := newFixture(t)
	f.router.records["expenses/e1"] = &types.Record{
		Table: "expenses", ID: "e1", Fields: map[string]any{"amount": 10.0}, Version: 1,
	}
	headers := map[string]string{"X-User-ID": "u1"}

	w := f.request(t, http.MethodGet, "/api/v1/records/expenses/e1", nil, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "miss" {
		t.Errorf("first read X-Cache = %q, want miss", got)
	}
	if w.Header().Get("X-Cache-Elapsed") == "" {
		t.Error("missing X-Cache-Elapsed header")
	}

	w = f.request(t, http.MethodGet, "/api/v1/records/expenses/e1", nil, headers)
	if got := w.Header().Get("X-Cache"); got != "hit" {
		t.Errorf("second read X-Cache = %q, want hit", got)
	}
	if f.router.reads != 1 {
		t.Errorf("primary store read %d times, want 1", f.router.reads)
	}
}

func TestGetRecordAnonymousBypassesCache(t *testing.T) {
	f := newFixture(t)
	f.router.records["expenses/e1"] = &types.Record{Table: "expenses", ID: "e1", Fields: map[string]any{}}

	for i := 0; i < 2; i++ {
		w := f.request(t, http.MethodGet, "/api/v1/records/expenses/e1", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if got := w.Header().Get("X-Cache"); got != "bypassed" {
			t.Errorf("X-Cache = %q, want bypassed", got)
		}
	}
	if f.router.reads != 2 {
		t.Errorf("primary store read %d times, want 2", f.router.reads)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/api/v1/records/expenses/missing", nil, map[string]string{"X-User-ID": "u1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestGetRecordRejectsBadTableName(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/api/v1/records/bad%3Btable/e1", nil, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestPutRecordWritesAndInvalidates(t *testing.T) {
	f := newFixture(t)
	f.router.records["expenses/e1"] = &types.Record{
		Table: "expenses", ID: "e1", Fields: map[string]any{"amount": 10.0},
	}
	headers := map[string]string{"X-User-ID": "u1"}

	// Prime the cache.
	if w := f.request(t, http.MethodGet, "/api/v1/records/expenses/e1", nil, headers); w.Code != http.StatusOK {
		t.Fatalf("prime: %d", w.Code)
	}

	w := f.request(t, http.MethodPut, "/api/v1/records/expenses/e1",
		types.WriteRecordRequest{Fields: map[string]any{"amount": 25.0}, UserIDs: []string{"u1", "u2"}}, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", w.Code, w.Body.String())
	}

	var resp types.WriteRecordResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version == 0 {
		t.Error("missing assigned version")
	}
	if len(f.router.writes) != 1 || f.router.writes[0].Operation != types.OperationUpsert {
		t.Fatalf("writes = %+v", f.router.writes)
	}

	// The mutation invalidated u1's expenses scope: next read misses.
	f.router.records["expenses/e1"].Fields["amount"] = 25.0
	w = f.request(t, http.MethodGet, "/api/v1/records/expenses/e1", nil, headers)
	if got := w.Header().Get("X-Cache"); got != "miss" {
		t.Errorf("post-write X-Cache = %q, want miss", got)
	}
}

func TestPutRecordRequiresFields(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodPut, "/api/v1/records/expenses/e1",
		types.WriteRecordRequest{}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if len(f.router.writes) != 0 {
		t.Error("write reached router despite missing fields")
	}
}

func TestPutRecordPrimaryFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	f.router.writeErr = errors.New("disk full")
	w := f.request(t, http.MethodPut, "/api/v1/records/expenses/e1",
		types.WriteRecordRequest{Fields: map[string]any{"amount": 1.0}}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestDeleteRecord(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodDelete, "/api/v1/records/expenses/e1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(f.router.writes) != 1 || f.router.writes[0].Operation != types.OperationDelete {
		t.Fatalf("writes = %+v", f.router.writes)
	}
}

func TestListRecordsWithFilter(t *testing.T) {
	f := newFixture(t)
	f.router.records["expenses/e1"] = &types.Record{
		Table: "expenses", ID: "e1", Fields: map[string]any{"group": "g1"},
	}
	f.router.records["expenses/e2"] = &types.Record{
		Table: "expenses", ID: "e2", Fields: map[string]any{"group": "g2"},
	}

	w := f.request(t, http.MethodGet, "/api/v1/records/expenses?filter.group=g1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp types.ListRecordsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Records[0].ID != "e1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestListRecordsEmptyIsJSONArray(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/api/v1/records/expenses", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp types.ListRecordsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Records == nil || resp.Count != 0 {
		t.Errorf("resp = %+v, want empty array", resp)
	}
}
