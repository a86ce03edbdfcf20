package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
)

// MemoryStore is an in-process Store used by unit tests that exercise the
// ingest and resolve transitions without a Postgres instance.
type MemoryStore struct {
	mu sync.Mutex

	rawEvents   []models.RawEvent
	idempotency map[idempKey]*models.IdempotencyRecord
	exceptions  map[uuid.UUID]*models.Exception
	auditLog    []models.AuditEntry
}

type idempKey struct {
	tenantID string
	key      string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		idempotency: make(map[idempKey]*models.IdempotencyRecord),
		exceptions:  make(map[uuid.UUID]*models.Exception),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	return &memoryTx{store: s, done: false}, nil
}

func (s *MemoryStore) FetchRawEvent(ctx context.Context, rawID int64) (models.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchRawEventLocked(rawID)
}

func (s *MemoryStore) fetchRawEventLocked(rawID int64) (models.RawEvent, error) {
	for _, ev := range s.rawEvents {
		if ev.RawID == rawID {
			return cloneRawEvent(ev), nil
		}
	}
	return models.RawEvent{}, ErrNotFound
}

func (s *MemoryStore) GetException(ctx context.Context, id uuid.UUID) (models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExceptionLocked(id)
}

func (s *MemoryStore) getExceptionLocked(id uuid.UUID) (models.Exception, error) {
	ex, ok := s.exceptions[id]
	if !ok {
		return models.Exception{}, ErrNotFound
	}
	return cloneException(*ex), nil
}

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, tenantID, idempotencyKey string) (models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIdempotencyRecordLocked(tenantID, idempotencyKey)
}

func (s *MemoryStore) getIdempotencyRecordLocked(tenantID, idempotencyKey string) (models.IdempotencyRecord, error) {
	rec, ok := s.idempotency[idempKey{tenantID, idempotencyKey}]
	if !ok {
		return models.IdempotencyRecord{}, ErrNotFound
	}
	return cloneIdempotencyRecord(*rec), nil
}

func (s *MemoryStore) ListExceptions(ctx context.Context, in ListExceptionsInput) ([]models.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Exception
	for _, ex := range s.exceptions {
		if ex.Status != in.Status {
			continue
		}
		if in.TenantID != "" && ex.TenantID != in.TenantID {
			continue
		}
		out = append(out, cloneException(*ex))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

func (s *MemoryStore) HealthCounts(ctx context.Context) (HealthCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hc := HealthCounts{DBTime: time.Now().UTC(), EventsRaw: int64(len(s.rawEvents))}
	for _, ex := range s.exceptions {
		if ex.Status == models.ExceptionOpen {
			hc.ExceptionsOpen++
		}
	}
	for _, rec := range s.idempotency {
		switch rec.Status {
		case models.StatusProcessed:
			hc.IdempProcessed++
		case models.StatusQuarantined:
			hc.IdempQuarantine++
		case models.StatusIgnored:
			hc.IdempIgnored++
		}
	}
	return hc, nil
}

// memoryTx implements Tx by holding the store's lock for the lifetime of the
// transaction, giving it the same serializability guarantees as the
// Postgres-backed transaction at a fraction of the complexity.
type memoryTx struct {
	store *MemoryStore
	done  bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) AppendRawEvent(ctx context.Context, in RawEventInput) (models.RawEvent, error) {
	s := t.store
	ev := models.RawEvent{
		RawID:         int64(len(s.rawEvents) + 1),
		TenantID:      in.TenantID,
		StoreID:       in.StoreID,
		SourceSystem:  in.SourceSystem,
		SchemaVersion: in.SchemaVersion,
		ReceivedAt:    time.Now().UTC(),
		OccurredAt:    in.OccurredAt,
		EventID:       in.EventID,
		SourceEventID: in.SourceEventID,
		EventType:     in.EventType,
		TxnID:         in.TxnID,
		PayloadHash:   in.PayloadHash,
		PayloadJSON:   ensureJSON(in.PayloadJSON),
	}
	s.rawEvents = append(s.rawEvents, ev)
	return cloneRawEvent(ev), nil
}

func (t *memoryTx) FetchRawEvent(ctx context.Context, rawID int64) (models.RawEvent, error) {
	return t.store.fetchRawEventLocked(rawID)
}

func (t *memoryTx) UpsertIdempotency(ctx context.Context, in UpsertIdempotencyInput) (UpsertIdempotencyResult, error) {
	s := t.store
	key := idempKey{in.TenantID, in.IdempotencyKey}
	now := time.Now().UTC()

	rec, exists := s.idempotency[key]
	if !exists {
		s.idempotency[key] = &models.IdempotencyRecord{
			TenantID:         in.TenantID,
			IdempotencyKey:   in.IdempotencyKey,
			Status:           models.StatusProcessed,
			FirstSeenAt:      now,
			LastSeenAt:       now,
			FirstRawID:       in.RawID,
			LastRawID:        in.RawID,
			PayloadHashFirst: in.PayloadHash,
			PayloadHashLast:  in.PayloadHash,
			ProcessedAt:      &now,
		}
		return UpsertIdempotencyResult{Inserted: true}, nil
	}

	res := UpsertIdempotencyResult{
		Inserted:              false,
		PriorStatus:           rec.Status,
		PriorPayloadHashFirst: rec.PayloadHashFirst,
		PriorFirstRawID:       rec.FirstRawID,
	}
	if rec.LastExceptionID != nil {
		id := *rec.LastExceptionID
		res.PriorLastExceptionID = &id
	}

	rec.LastSeenAt = now
	rec.LastRawID = in.RawID
	rec.PayloadHashLast = in.PayloadHash
	return res, nil
}

func (t *memoryTx) GetIdempotencyRecord(ctx context.Context, tenantID, idempotencyKey string) (models.IdempotencyRecord, error) {
	return t.store.getIdempotencyRecordLocked(tenantID, idempotencyKey)
}

func (t *memoryTx) OpenException(ctx context.Context, in OpenExceptionInput) (models.Exception, error) {
	s := t.store
	ex := models.Exception{
		ExceptionID:    uuid.New(),
		TenantID:       in.TenantID,
		IdempotencyKey: in.IdempotencyKey,
		RawID:          in.RawID,
		ReasonCode:     in.ReasonCode,
		DetailsJSON:    ensureJSON(in.DetailsJSON),
		Status:         models.ExceptionOpen,
		CreatedAt:      time.Now().UTC(),
	}
	s.exceptions[ex.ExceptionID] = &ex

	key := idempKey{in.TenantID, in.IdempotencyKey}
	if rec, ok := s.idempotency[key]; ok {
		rec.Status = models.StatusQuarantined
		rec.LastErrorCode = &in.ReasonCode
		id := ex.ExceptionID
		rec.LastExceptionID = &id
		rec.ProcessedAt = nil
	}

	afterJSON, _ := json.Marshal(map[string]interface{}{"reason_code": in.ReasonCode, "raw_id": in.RawID})
	if err := t.AppendAudit(ctx, AuditInput{
		Actor:      in.Actor,
		Action:     "quarantine",
		ObjectType: "exception",
		ObjectID:   ex.ExceptionID.String(),
		Notes:      in.ReasonCode,
		AfterJSON:  afterJSON,
	}); err != nil {
		return models.Exception{}, err
	}
	return cloneException(ex), nil
}

func (t *memoryTx) GetException(ctx context.Context, id uuid.UUID) (models.Exception, error) {
	return t.store.getExceptionLocked(id)
}

func (t *memoryTx) ResolveNoReplay(ctx context.Context, in ResolveNoReplayInput) error {
	s := t.store
	ex, ok := s.exceptions[in.ExceptionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	ex.Status = models.ExceptionResolved
	ex.ResolvedAt = &now
	action := models.ActionMarkResolvedNoReplay
	ex.ResolutionAction = &action
	ex.ResolutionNotes = &in.ResolutionNotes
	ex.ResolutionActor = &in.Actor
	replayStatus := models.ReplayNotReplayed
	ex.LastReplayStatus = &replayStatus

	key := idempKey{in.TenantID, in.IdempotencyKey}
	if rec, ok := s.idempotency[key]; ok {
		rec.Status = models.StatusIgnored
		rec.ProcessedAt = &now
		reason := models.ReasonIgnoredByOperator
		rec.LastErrorCode = &reason
		id := in.ExceptionID
		rec.LastExceptionID = &id
	}

	afterJSON, _ := json.Marshal(map[string]interface{}{
		"action":          models.ActionMarkResolvedNoReplay,
		"idempotency_key": in.IdempotencyKey,
	})
	return t.AppendAudit(ctx, AuditInput{
		Actor:      in.Actor,
		Action:     "resolve_no_replay",
		ObjectType: "exception",
		ObjectID:   in.ExceptionID.String(),
		Notes:      in.ResolutionNotes,
		AfterJSON:  afterJSON,
	})
}

func (t *memoryTx) ResolveAndReplay(ctx context.Context, in ResolveAndReplayInput) error {
	s := t.store
	ex, ok := s.exceptions[in.ExceptionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()

	key := idempKey{in.TenantID, in.IdempotencyKey}
	if rec, ok := s.idempotency[key]; ok {
		rec.Status = models.StatusProcessed
		rec.ProcessedAt = &now
		rec.PayloadHashFirst = in.FinalHash
		rec.PayloadHashLast = in.FinalHash
		rec.LastErrorCode = nil
		rec.LastExceptionID = nil
	}

	ex.Status = models.ExceptionResolved
	ex.ResolvedAt = &now
	action := models.ActionOverrideAndReplay
	ex.ResolutionAction = &action
	ex.ResolutionNotes = &in.ResolutionNotes
	ex.ResolutionActor = &in.Actor
	ex.OverridePatch = ensureJSON(in.OverridePatch)
	ex.ReplayAttempts++
	ex.LastReplayAt = &now
	replayStatus := models.ReplayProcessed
	ex.LastReplayStatus = &replayStatus

	afterJSON, _ := json.Marshal(map[string]interface{}{
		"action":             models.ActionOverrideAndReplay,
		"idempotency_key":    in.IdempotencyKey,
		"canonical_raw_id":   in.CanonicalRawID,
		"final_payload_hash": in.FinalHash,
	})
	return t.AppendAudit(ctx, AuditInput{
		Actor:      in.Actor,
		Action:     "resolve_and_replay",
		ObjectType: "exception",
		ObjectID:   in.ExceptionID.String(),
		Notes:      in.ResolutionNotes,
		AfterJSON:  afterJSON,
	})
}

func (t *memoryTx) AppendAudit(ctx context.Context, in AuditInput) error {
	s := t.store
	s.auditLog = append(s.auditLog, models.AuditEntry{
		ID:         int64(len(s.auditLog) + 1),
		Actor:      in.Actor,
		Action:     in.Action,
		ObjectType: in.ObjectType,
		ObjectID:   in.ObjectID,
		Notes:      in.Notes,
		AfterJSON:  ensureJSON(in.AfterJSON),
		At:         time.Now().UTC(),
	})
	return nil
}

func cloneRawEvent(ev models.RawEvent) models.RawEvent {
	ev.PayloadJSON = append(json.RawMessage(nil), ev.PayloadJSON...)
	return ev
}

func cloneException(ex models.Exception) models.Exception {
	ex.DetailsJSON = append(json.RawMessage(nil), ex.DetailsJSON...)
	if ex.OverridePatch != nil {
		ex.OverridePatch = append(json.RawMessage(nil), ex.OverridePatch...)
	}
	return ex
}

func cloneIdempotencyRecord(rec models.IdempotencyRecord) models.IdempotencyRecord {
	return rec
}
