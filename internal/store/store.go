// Package store persists RawEvents (Bronze), IdempotencyRecords, Exceptions,
// and AuditEntries, and exposes the transactional unit of work the ingest and
// resolve transitions run their writes through.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the top-level persistence handle: it opens transactions for the
// write transitions and serves the read-only query surface directly.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	FetchRawEvent(ctx context.Context, rawID int64) (models.RawEvent, error)
	GetException(ctx context.Context, id uuid.UUID) (models.Exception, error)
	ListExceptions(ctx context.Context, in ListExceptionsInput) ([]models.Exception, error)
	GetIdempotencyRecord(ctx context.Context, tenantID, idempotencyKey string) (models.IdempotencyRecord, error)
	HealthCounts(ctx context.Context) (HealthCounts, error)
	Ping(ctx context.Context) error
}

// Tx is the unit of work for one Ingest or Resolve transition. Every method
// on Tx participates in the same underlying database transaction; the caller
// must call Commit or Rollback exactly once.
type Tx interface {
	AppendRawEvent(ctx context.Context, in RawEventInput) (models.RawEvent, error)
	FetchRawEvent(ctx context.Context, rawID int64) (models.RawEvent, error)

	UpsertIdempotency(ctx context.Context, in UpsertIdempotencyInput) (UpsertIdempotencyResult, error)
	GetIdempotencyRecord(ctx context.Context, tenantID, idempotencyKey string) (models.IdempotencyRecord, error)

	OpenException(ctx context.Context, in OpenExceptionInput) (models.Exception, error)
	GetException(ctx context.Context, id uuid.UUID) (models.Exception, error)
	ResolveNoReplay(ctx context.Context, in ResolveNoReplayInput) error
	ResolveAndReplay(ctx context.Context, in ResolveAndReplayInput) error

	AppendAudit(ctx context.Context, in AuditInput) error

	Commit() error
	Rollback() error
}

// RawEventInput is the input to AppendRawEvent.
type RawEventInput struct {
	TenantID      string
	StoreID       string
	SourceSystem  string
	SchemaVersion string
	OccurredAt    time.Time
	EventID       string
	SourceEventID *string
	EventType     string
	TxnID         string
	PayloadHash   string
	PayloadJSON   json.RawMessage
}

// UpsertIdempotencyInput is the input to UpsertIdempotency.
type UpsertIdempotencyInput struct {
	TenantID       string
	IdempotencyKey string
	RawID          int64
	PayloadHash    string
}

// UpsertIdempotencyResult carries both the fresh state and, for conflict
// classification, the record's state as it was immediately before this
// upsert applied.
type UpsertIdempotencyResult struct {
	Inserted bool

	// Pre-update snapshot: meaningful only when
	// Inserted is false.
	PriorStatus           string
	PriorPayloadHashFirst string
	PriorFirstRawID       int64
	PriorLastExceptionID  *uuid.UUID
}

// OpenExceptionInput is the input to OpenException: inserting the exception
// row, flipping the idempotency record to quarantined, and appending the
// audit entry all happen atomically as one call.
type OpenExceptionInput struct {
	TenantID       string
	IdempotencyKey string
	RawID          int64
	ReasonCode     string
	DetailsJSON    json.RawMessage
	Actor          string
}

// ResolveNoReplayInput is the input to ResolveNoReplay.
type ResolveNoReplayInput struct {
	ExceptionID     uuid.UUID
	TenantID        string
	IdempotencyKey  string
	Actor           string
	ResolutionNotes string
}

// ResolveAndReplayInput is the input to ResolveAndReplay.
type ResolveAndReplayInput struct {
	ExceptionID     uuid.UUID
	TenantID        string
	IdempotencyKey  string
	Actor           string
	ResolutionNotes string
	OverridePatch   json.RawMessage
	CanonicalRawID  int64
	FinalHash       string
}

// AuditInput is the input to AppendAudit.
type AuditInput struct {
	Actor      string
	Action     string
	ObjectType string
	ObjectID   string
	Notes      string
	AfterJSON  json.RawMessage
}

// ListExceptionsInput is the input to ListExceptions.
type ListExceptionsInput struct {
	Status   string
	TenantID string
	Limit    int
}

// HealthCounts backs GET /v1/health.
type HealthCounts struct {
	DBTime          time.Time
	EventsRaw       int64
	ExceptionsOpen  int64
	IdempProcessed  int64
	IdempQuarantine int64
	IdempIgnored    int64
}
