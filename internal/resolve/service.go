// Package resolve implements the Resolve Transition: an operator decision
// against one open Exception, either closing it without replay or applying
// an override patch to a canonical raw event and replaying it to processed.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/canonical"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/patch"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

var (
	// ErrInvalidAction is returned for an action outside the allowed set.
	ErrInvalidAction = errors.New("invalid resolution action")
	// ErrNotFound mirrors store.ErrNotFound for an unknown exception_id.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyResolved is returned when the exception is not open.
	ErrAlreadyResolved = errors.New("exception already resolved")
	// ErrMissingIdempotencyRecord is returned when the exception's
	// idempotency record has gone missing — should not happen in practice.
	ErrMissingIdempotencyRecord = errors.New("missing idempotency record")
	// ErrInvalidCanonicalRawID is returned when canonical_raw_id does not
	// reference an existing raw event.
	ErrInvalidCanonicalRawID = errors.New("invalid canonical_raw_id")
	// ErrCanonicalRawTenantMismatch is returned when the canonical raw event
	// belongs to a different tenant than the exception.
	ErrCanonicalRawTenantMismatch = errors.New("canonical raw event belongs to a different tenant")
	// ErrMissingEventTypeInPayload is returned when the patched payload has
	// no event_type field or its event_type is empty after trimming.
	ErrMissingEventTypeInPayload = errors.New("missing event_type in patched payload")
	// ErrReplayValidationFailed is returned when the patched payload's
	// event_type is still not in the allowed set.
	ErrReplayValidationFailed = errors.New("replay validation failed")
)

// Allowed resolution actions.
const (
	ActionMarkResolvedNoReplay = models.ActionMarkResolvedNoReplay
	ActionOverrideAndReplay    = models.ActionOverrideAndReplay
)

var allowedActions = map[string]bool{
	ActionMarkResolvedNoReplay: true,
	ActionOverrideAndReplay:    true,
}

// Input is the decoded POST /v1/exceptions/{id}/resolve body.
type Input struct {
	ExceptionID     uuid.UUID
	Action          string
	Actor           string
	ResolutionNotes string
	CanonicalRawID  *int64
	OverridePatch   map[string]interface{}
}

// Result is the outcome of one Resolve Transition.
type Result struct {
	ExceptionID      uuid.UUID
	Status           string
	ReplayAttempted  bool
	ReplayRawID      *int64
	ReplayFinalHash  *string
}

// Service runs the Resolve Transition.
type Service struct {
	Store store.Store
}

// New constructs a Service.
func New(s store.Store) *Service {
	return &Service{Store: s}
}

// Resolve runs one resolution through to either a no-replay close or an
// override-and-replay against a canonical raw event.
func (s *Service) Resolve(ctx context.Context, in Input) (Result, error) {
	if !allowedActions[in.Action] {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidAction, in.Action)
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

	ex, err := tx.GetException(ctx, in.ExceptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrNotFound
		}
		return Result{}, fmt.Errorf("get exception: %w", err)
	}
	if ex.Status != models.ExceptionOpen {
		return Result{}, fmt.Errorf("%w: status=%s", ErrAlreadyResolved, ex.Status)
	}

	idemp, err := tx.GetIdempotencyRecord(ctx, ex.TenantID, ex.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrMissingIdempotencyRecord
		}
		return Result{}, fmt.Errorf("get idempotency record: %w", err)
	}

	if in.Action == ActionMarkResolvedNoReplay {
		if err := tx.ResolveNoReplay(ctx, store.ResolveNoReplayInput{
			ExceptionID: ex.ExceptionID, TenantID: ex.TenantID, IdempotencyKey: ex.IdempotencyKey,
			Actor: in.Actor, ResolutionNotes: in.ResolutionNotes,
		}); err != nil {
			return Result{}, fmt.Errorf("resolve no replay: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Result{}, fmt.Errorf("commit: %w", err)
		}
		committed = true
		return Result{ExceptionID: ex.ExceptionID, Status: models.ExceptionResolved, ReplayAttempted: false}, nil
	}

	// override_and_replay
	canonicalRawID := ex.RawID
	if in.CanonicalRawID != nil {
		canonicalRawID = *in.CanonicalRawID
	}

	canonicalRaw, err := tx.FetchRawEvent(ctx, canonicalRawID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %d", ErrInvalidCanonicalRawID, canonicalRawID)
		}
		return Result{}, fmt.Errorf("fetch canonical raw event: %w", err)
	}
	if canonicalRaw.TenantID != ex.TenantID {
		return Result{}, fmt.Errorf("%w: raw_id=%d", ErrCanonicalRawTenantMismatch, canonicalRawID)
	}

	canonicalPayload, err := canonical.Decode(canonicalRaw.PayloadJSON)
	if err != nil {
		return Result{}, fmt.Errorf("decode canonical payload: %w", err)
	}
	overridePatch := interface{}(map[string]interface{}{})
	if in.OverridePatch != nil {
		overridePatch = in.OverridePatch
	}
	finalPayload := patch.MergePatch(canonicalPayload, overridePatch)

	finalEventType := ""
	if m, ok := finalPayload.(map[string]interface{}); ok {
		if v, ok := m["event_type"]; ok {
			finalEventType = strings.ToUpper(strings.TrimSpace(fmt.Sprintf("%v", v)))
		}
	}
	if finalEventType == "" {
		return Result{}, ErrMissingEventTypeInPayload
	}
	if !models.AllowedEventTypes[finalEventType] {
		return Result{}, fmt.Errorf("%w: event_type=%s", ErrReplayValidationFailed, finalEventType)
	}

	finalHash, err := canonical.ContentHash(finalPayload)
	if err != nil {
		return Result{}, fmt.Errorf("hash final payload: %w", err)
	}

	overridePatchJSON, err := canonical.Marshal(overridePatch)
	if err != nil {
		return Result{}, fmt.Errorf("marshal override patch: %w", err)
	}

	if err := tx.ResolveAndReplay(ctx, store.ResolveAndReplayInput{
		ExceptionID: ex.ExceptionID, TenantID: ex.TenantID, IdempotencyKey: ex.IdempotencyKey,
		Actor: in.Actor, ResolutionNotes: in.ResolutionNotes, OverridePatch: overridePatchJSON,
		CanonicalRawID: canonicalRawID, FinalHash: finalHash,
	}); err != nil {
		return Result{}, fmt.Errorf("resolve and replay: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	committed = true

	_ = idemp // read above only to confirm the idempotency record still exists
	rawID := canonicalRawID
	return Result{
		ExceptionID: ex.ExceptionID, Status: models.ExceptionResolved,
		ReplayAttempted: true, ReplayRawID: &rawID, ReplayFinalHash: &finalHash,
	}, nil
}

