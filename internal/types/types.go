package types

import (
	"time"
)

// Operation represents the kind of change mirrored between stores
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (o Operation) Valid() bool {
	return o == OperationUpsert || o == OperationDelete
}

// OutboxStatus represents the lifecycle state of an outbox entry
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

// Valid reports whether the status is one of the known states.
func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxProcessing, OutboxDone, OutboxFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxDone || s == OutboxFailed
}

// OutboxEntry is a durable record of intent to mirror a change to the
// secondary store. One idempotency key maps to at most one effective
// secondary-store application.
type OutboxEntry struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Operation      Operation      `json:"operation"`
	Table          string         `json:"table"`
	RecordID       string         `json:"record_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	RecordVersion  int64          `json:"record_version"`
	Status         OutboxStatus   `json:"status"`
	Retries        int            `json:"retries"`
	MaxRetries     int            `json:"max_retries"`
	LastError      string         `json:"last_error,omitempty"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ConflictStatus represents the lifecycle state of a conflict record
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Resolution represents an operator-chosen conflict resolution strategy
type Resolution string

const (
	ResolutionServerWins Resolution = "server-wins"
	ResolutionClientWins Resolution = "client-wins"
	ResolutionMerge      Resolution = "merge"
)

// Valid reports whether the resolution is one of the three allowed values.
func (r Resolution) Valid() bool {
	return r == ResolutionServerWins || r == ResolutionClientWins || r == ResolutionMerge
}

// ConflictRecord captures detected divergence between the two stores'
// representations of one logical entity. At most one open record exists
// per (entity_type, entity_id).
type ConflictRecord struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	ServerSnapshot map[string]any `json:"server_snapshot"`
	ClientSnapshot map[string]any `json:"client_snapshot"`
	Status         ConflictStatus `json:"status"`
	Resolution     Resolution     `json:"resolution,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Record is one logical row in either datastore. Fields holds the record
// body as decoded JSON; Version orders concurrent writes (last-write-wins).
type Record struct {
	Table     string         `json:"table"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WriteDescriptor describes one logical mutation submitted to the router.
type WriteDescriptor struct {
	Operation Operation      `json:"operation"`
	Table     string         `json:"table"`
	RecordID  string         `json:"record_id"`
	Fields    map[string]any `json:"fields,omitempty"`
	Version   int64          `json:"version"`
	UserIDs   []string       `json:"user_ids,omitempty"`
}

// DrainResult summarises one outbox drain pass.
type DrainResult struct {
	Drained   int `json:"drained"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// FlushResponse is returned by the outbox flush endpoint.
type FlushResponse struct {
	OK        bool `json:"ok"`
	Drained   int  `json:"drained"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
}

// ExportResponse is returned by the dead-letter export endpoint.
type ExportResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Count     int       `json:"count"`
}

// WriteRecordRequest is the body of a record upsert.
type WriteRecordRequest struct {
	Fields  map[string]any `json:"fields"`
	Version int64          `json:"version,omitempty"`
	UserIDs []string       `json:"user_ids,omitempty"`
}

// WriteRecordResponse acknowledges an applied mutation with the version
// that will identify it in the mirror outbox.
type WriteRecordResponse struct {
	Table   string `json:"table"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// ListRecordsResponse is returned by the record list endpoint.
type ListRecordsResponse struct {
	Records []Record `json:"records"`
	Count   int      `json:"count"`
}

// ListConflictsResponse is returned by the conflict list endpoint.
type ListConflictsResponse struct {
	Conflicts []ConflictRecord `json:"conflicts"`
	Count     int              `json:"count"`
}

// ResolveRequest is the body of a conflict resolution.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
	ActorID    string `json:"actor_id"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	BackendMode string `json:"backend_mode"`
	WriteMode   string `json:"write_mode"`
	OutboxDepth int64  `json:"outbox_depth"`
}
