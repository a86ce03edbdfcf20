// Package ingest implements the Ingest Transition: one event submission
// mapped onto exactly one atomic write against the Bronze store, the
// idempotency ledger, and — when the submission cannot be auto-accepted —
// the exception registry and audit log.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/canonical"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

// ErrValidation is returned when the submitted envelope is missing a
// required field.
var ErrValidation = errors.New("validation error")

// Result classifications, mirrored onto HTTP status codes by the server.
const (
	ResultProcessed   = "processed"
	ResultDuplicate   = "duplicate"
	ResultQuarantined = "quarantined"
)

// Input is the decoded event submission envelope.
type Input struct {
	TenantID      string
	StoreID       string
	SourceSystem  string
	SchemaVersion string
	OccurredAt    time.Time
	EventID       string
	SourceEventID *string
	EventType     string
	TxnID         string
	Payload       map[string]interface{}
}

// Result is the outcome of one Ingest Transition.
type Result struct {
	TenantID       string
	IdempotencyKey string
	RawID          int64
	Outcome        string
	ExceptionID    *string
	ReasonCode     *string
}

// Notifier is notified, best-effort and after commit, of every ingest
// outcome. A nil Notifier disables the behavior.
type Notifier interface {
	NotifyIngestOutcome(ctx context.Context, tenantID, idempotencyKey string, rawID int64, outcome string) error
}

// Archiver copies the payload's canonical JSON form (as stored in Bronze) to
// durable object storage, best-effort and after commit. A nil Archiver
// disables the behavior.
type Archiver interface {
	ArchiveRawEvent(ctx context.Context, tenantID string, rawID int64, payload json.RawMessage) error
}

// Service runs the Ingest Transition.
type Service struct {
	Store    store.Store
	Notifier Notifier
	Archiver Archiver
}

// New constructs a Service. Notifier and Archiver may be nil.
func New(s store.Store, notifier Notifier, archiver Archiver) *Service {
	return &Service{Store: s, Notifier: notifier, Archiver: archiver}
}

// Ingest runs one submission through the full transition: validate, hash,
// append to Bronze, upsert the idempotency ledger, classify the outcome,
// and — when quarantine applies — open an Exception, all inside a single
// store transaction.
func (s *Service) Ingest(ctx context.Context, in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	eventType := strings.ToUpper(strings.TrimSpace(in.EventType))
	idempotencyKey := in.EventID

	payloadHash, err := canonical.ContentHash(in.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("hash payload: %w", err)
	}
	payloadJSON, err := canonical.Marshal(in.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ev, err := tx.AppendRawEvent(ctx, store.RawEventInput{
		TenantID:      in.TenantID,
		StoreID:       in.StoreID,
		SourceSystem:  in.SourceSystem,
		SchemaVersion: in.SchemaVersion,
		OccurredAt:    in.OccurredAt,
		EventID:       in.EventID,
		SourceEventID: in.SourceEventID,
		EventType:     eventType,
		TxnID:         in.TxnID,
		PayloadHash:   payloadHash,
		PayloadJSON:   payloadJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("append raw event: %w", err)
	}

	upsert, err := tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{
		TenantID:       in.TenantID,
		IdempotencyKey: idempotencyKey,
		RawID:          ev.RawID,
		PayloadHash:    payloadHash,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert idempotency: %w", err)
	}

	result := Result{TenantID: in.TenantID, IdempotencyKey: idempotencyKey, RawID: ev.RawID}

	switch {
	case upsert.Inserted && models.AllowedEventTypes[eventType]:
		// Case A: first time seen, event type accepted.
		result.Outcome = ResultProcessed

	case upsert.Inserted:
		// Case B: first time seen, event type unknown -> quarantine.
		details, _ := json.Marshal(map[string]interface{}{
			"event_type":          eventType,
			"allowed_event_types": models.AllowedEventTypeList(),
			"message":             "Event type is not supported by the ingestion core MVP.",
		})
		ex, err := tx.OpenException(ctx, store.OpenExceptionInput{
			TenantID: in.TenantID, IdempotencyKey: idempotencyKey, RawID: ev.RawID,
			ReasonCode: models.ReasonUnknownEventType, DetailsJSON: details, Actor: "system",
		})
		if err != nil {
			return Result{}, fmt.Errorf("open exception: %w", err)
		}
		result.Outcome = ResultQuarantined
		id := ex.ExceptionID.String()
		result.ExceptionID = &id
		reason := models.ReasonUnknownEventType
		result.ReasonCode = &reason

	case upsert.PriorPayloadHashFirst == payloadHash && upsert.PriorStatus == models.StatusQuarantined:
		// Case D: seen before, same payload, already quarantined.
		result.Outcome = ResultQuarantined
		if upsert.PriorLastExceptionID != nil {
			id := upsert.PriorLastExceptionID.String()
			result.ExceptionID = &id
		}
		reason := models.ReasonAlreadyQuarantined
		result.ReasonCode = &reason

	case upsert.PriorPayloadHashFirst == payloadHash:
		// Case C: seen before, same payload, already processed/ignored.
		result.Outcome = ResultDuplicate

	default:
		// Case E: seen before with a conflicting payload -> quarantine.
		details, _ := json.Marshal(map[string]interface{}{
			"message":               "Same idempotency_key seen with different payload hash.",
			"existing_payload_hash": upsert.PriorPayloadHashFirst,
			"new_payload_hash":      payloadHash,
			"first_raw_id":          upsert.PriorFirstRawID,
			"new_raw_id":            ev.RawID,
		})
		ex, err := tx.OpenException(ctx, store.OpenExceptionInput{
			TenantID: in.TenantID, IdempotencyKey: idempotencyKey, RawID: ev.RawID,
			ReasonCode: models.ReasonIdempotencyConflict, DetailsJSON: details, Actor: "system",
		})
		if err != nil {
			return Result{}, fmt.Errorf("open exception: %w", err)
		}
		result.Outcome = ResultQuarantined
		id := ex.ExceptionID.String()
		result.ExceptionID = &id
		reason := models.ReasonIdempotencyConflict
		result.ReasonCode = &reason
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	committed = true

	s.notifyAndArchive(ctx, result, payloadJSON)
	return result, nil
}

// notifyAndArchive runs the optional post-commit side effects. Failures are
// logged and swallowed: they must never affect the outcome already
// committed to the ledger.
func (s *Service) notifyAndArchive(ctx context.Context, result Result, payloadJSON json.RawMessage) {
	if s.Notifier != nil {
		if err := s.Notifier.NotifyIngestOutcome(ctx, result.TenantID, result.IdempotencyKey, result.RawID, result.Outcome); err != nil {
			log.Printf("ingest: outcome notify failed for raw_id=%d: %v", result.RawID, err)
		}
	}
	if s.Archiver != nil {
		if err := s.Archiver.ArchiveRawEvent(ctx, result.TenantID, result.RawID, payloadJSON); err != nil {
			log.Printf("ingest: archive failed for raw_id=%d: %v", result.RawID, err)
		}
	}
}

func validate(in Input) error {
	var missing []string
	if in.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if in.StoreID == "" {
		missing = append(missing, "store_id")
	}
	if in.SourceSystem == "" {
		missing = append(missing, "source_system")
	}
	if in.SchemaVersion == "" {
		missing = append(missing, "schema_version")
	}
	if in.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	if in.EventID == "" {
		missing = append(missing, "event_id")
	}
	if strings.TrimSpace(in.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if in.TxnID == "" {
		missing = append(missing, "txn_id")
	}
	if in.Payload == nil {
		missing = append(missing, "payload")
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing fields %s", ErrValidation, strings.Join(missing, ", "))
}
