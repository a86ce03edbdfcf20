package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
)

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store over an already-opened pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (s *PGStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) FetchRawEvent(ctx context.Context, rawID int64) (models.RawEvent, error) {
	return fetchRawEvent(ctx, s.db, rawID)
}

func (s *PGStore) GetException(ctx context.Context, id uuid.UUID) (models.Exception, error) {
	return getException(ctx, s.db, id)
}

func (s *PGStore) GetIdempotencyRecord(ctx context.Context, tenantID, idempotencyKey string) (models.IdempotencyRecord, error) {
	return getIdempotencyRecord(ctx, s.db, tenantID, idempotencyKey)
}

func (s *PGStore) ListExceptions(ctx context.Context, in ListExceptionsInput) ([]models.Exception, error) {
	query := `
		SELECT exception_id, tenant_id, idempotency_key, raw_id, reason_code, details_json,
		       status, created_at, resolved_at, resolution_action, resolution_notes,
		       resolution_actor, override_patch, replay_attempts, last_replay_at, last_replay_status
		FROM exceptions
		WHERE status = $1
	`
	args := []interface{}{in.Status}
	if in.TenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, in.TenantID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, in.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var out []models.Exception
	for rows.Next() {
		ex, err := scanException(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *PGStore) HealthCounts(ctx context.Context) (HealthCounts, error) {
	var hc HealthCounts
	if err := s.db.QueryRowContext(ctx, "SELECT now()").Scan(&hc.DBTime); err != nil {
		return HealthCounts{}, fmt.Errorf("db time: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events_raw").Scan(&hc.EventsRaw); err != nil {
		return HealthCounts{}, fmt.Errorf("count events_raw: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exceptions WHERE status = 'open'").Scan(&hc.ExceptionsOpen); err != nil {
		return HealthCounts{}, fmt.Errorf("count open exceptions: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'processed'),
			COUNT(*) FILTER (WHERE status = 'quarantined'),
			COUNT(*) FILTER (WHERE status = 'ignored')
		FROM events_processed
	`)
	if err := row.Scan(&hc.IdempProcessed, &hc.IdempQuarantine, &hc.IdempIgnored); err != nil {
		return HealthCounts{}, fmt.Errorf("count idempotency statuses: %w", err)
	}
	return hc, nil
}

// pgTx implements Tx over a single *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *pgTx) AppendRawEvent(ctx context.Context, in RawEventInput) (models.RawEvent, error) {
	const query = `
		INSERT INTO events_raw (
			tenant_id, store_id, source_system, schema_version, occurred_at,
			event_id, source_event_id, event_type, txn_id, payload_hash, payload_json
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING raw_id, received_at
	`
	var ev models.RawEvent
	err := t.tx.QueryRowContext(ctx, query,
		in.TenantID, in.StoreID, in.SourceSystem, in.SchemaVersion, in.OccurredAt,
		in.EventID, in.SourceEventID, in.EventType, in.TxnID, in.PayloadHash, ensureJSON(in.PayloadJSON),
	).Scan(&ev.RawID, &ev.ReceivedAt)
	if err != nil {
		return models.RawEvent{}, fmt.Errorf("append raw event: %w", err)
	}
	ev.TenantID = in.TenantID
	ev.StoreID = in.StoreID
	ev.SourceSystem = in.SourceSystem
	ev.SchemaVersion = in.SchemaVersion
	ev.OccurredAt = in.OccurredAt
	ev.EventID = in.EventID
	ev.SourceEventID = in.SourceEventID
	ev.EventType = in.EventType
	ev.TxnID = in.TxnID
	ev.PayloadHash = in.PayloadHash
	ev.PayloadJSON = ensureJSON(in.PayloadJSON)
	return ev, nil
}

func (t *pgTx) FetchRawEvent(ctx context.Context, rawID int64) (models.RawEvent, error) {
	return fetchRawEvent(ctx, t.tx, rawID)
}

func (t *pgTx) UpsertIdempotency(ctx context.Context, in UpsertIdempotencyInput) (UpsertIdempotencyResult, error) {
	const query = `
		INSERT INTO events_processed (
			tenant_id, idempotency_key, first_seen_at, last_seen_at,
			status, first_raw_id, last_raw_id,
			payload_hash_first, payload_hash_last, processed_at
		)
		VALUES ($1,$2, now(), now(), 'processed', $3, $3, $4, $4, now())
		ON CONFLICT (tenant_id, idempotency_key)
		DO UPDATE SET
			last_seen_at = now(),
			last_raw_id = EXCLUDED.last_raw_id,
			payload_hash_last = EXCLUDED.payload_hash_last
		RETURNING
			(xmax = 0) AS inserted,
			status,
			first_raw_id,
			payload_hash_first,
			last_exception_id
	`
	var res UpsertIdempotencyResult
	var lastExceptionID uuid.NullUUID
	err := t.tx.QueryRowContext(ctx, query, in.TenantID, in.IdempotencyKey, in.RawID, in.PayloadHash).Scan(
		&res.Inserted, &res.PriorStatus, &res.PriorFirstRawID, &res.PriorPayloadHashFirst, &lastExceptionID,
	)
	if err != nil {
		return UpsertIdempotencyResult{}, fmt.Errorf("upsert idempotency: %w", err)
	}
	if lastExceptionID.Valid {
		id := lastExceptionID.UUID
		res.PriorLastExceptionID = &id
	}
	return res, nil
}

func (t *pgTx) GetIdempotencyRecord(ctx context.Context, tenantID, idempotencyKey string) (models.IdempotencyRecord, error) {
	return getIdempotencyRecord(ctx, t.tx, tenantID, idempotencyKey)
}

func (t *pgTx) OpenException(ctx context.Context, in OpenExceptionInput) (models.Exception, error) {
	var ex models.Exception
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO exceptions (tenant_id, idempotency_key, raw_id, reason_code, details_json, status)
		VALUES ($1,$2,$3,$4,$5,'open')
		RETURNING exception_id, created_at
	`, in.TenantID, in.IdempotencyKey, in.RawID, in.ReasonCode, ensureJSON(in.DetailsJSON)).Scan(&ex.ExceptionID, &ex.CreatedAt)
	if err != nil {
		return models.Exception{}, fmt.Errorf("insert exception: %w", err)
	}
	ex.TenantID = in.TenantID
	ex.IdempotencyKey = in.IdempotencyKey
	ex.RawID = in.RawID
	ex.ReasonCode = in.ReasonCode
	ex.DetailsJSON = ensureJSON(in.DetailsJSON)
	ex.Status = models.ExceptionOpen
	ex.ReplayAttempts = 0

	_, err = t.tx.ExecContext(ctx, `
		UPDATE events_processed
		SET status = 'quarantined', last_error_code = $1, last_exception_id = $2, processed_at = NULL
		WHERE tenant_id = $3 AND idempotency_key = $4
	`, in.ReasonCode, ex.ExceptionID, in.TenantID, in.IdempotencyKey)
	if err != nil {
		return models.Exception{}, fmt.Errorf("mark quarantined: %w", err)
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
	return ex, nil
}

func (t *pgTx) GetException(ctx context.Context, id uuid.UUID) (models.Exception, error) {
	return getException(ctx, t.tx, id)
}

func (t *pgTx) ResolveNoReplay(ctx context.Context, in ResolveNoReplayInput) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE exceptions
		SET status = 'resolved', resolved_at = now(), resolution_action = $1,
		    resolution_notes = $2, resolution_actor = $3, last_replay_status = $4
		WHERE exception_id = $5
	`, models.ActionMarkResolvedNoReplay, in.ResolutionNotes, in.Actor, models.ReplayNotReplayed, in.ExceptionID)
	if err != nil {
		return fmt.Errorf("resolve no replay (exception): %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE events_processed
		SET status = 'ignored', processed_at = now(), last_error_code = $1, last_exception_id = $2
		WHERE tenant_id = $3 AND idempotency_key = $4
	`, models.ReasonIgnoredByOperator, in.ExceptionID, in.TenantID, in.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("resolve no replay (idempotency): %w", err)
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

func (t *pgTx) ResolveAndReplay(ctx context.Context, in ResolveAndReplayInput) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE events_processed
		SET status = 'processed', processed_at = now(),
		    payload_hash_first = $1, payload_hash_last = $1,
		    last_error_code = NULL, last_exception_id = NULL
		WHERE tenant_id = $2 AND idempotency_key = $3
	`, in.FinalHash, in.TenantID, in.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("resolve and replay (idempotency): %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		UPDATE exceptions
		SET status = 'resolved', resolved_at = now(), resolution_action = $1,
		    resolution_notes = $2, resolution_actor = $3, override_patch = $4,
		    replay_attempts = replay_attempts + 1, last_replay_at = now(), last_replay_status = $5
		WHERE exception_id = $6
	`, models.ActionOverrideAndReplay, in.ResolutionNotes, in.Actor, ensureJSON(in.OverridePatch), models.ReplayProcessed, in.ExceptionID)
	if err != nil {
		return fmt.Errorf("resolve and replay (exception): %w", err)
	}

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

func (t *pgTx) AppendAudit(ctx context.Context, in AuditInput) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, object_type, object_id, notes, after_json)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.Actor, in.Action, in.ObjectType, in.ObjectID, in.Notes, ensureJSON(in.AfterJSON))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting read helpers run
// either standalone or inside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func fetchRawEvent(ctx context.Context, q querier, rawID int64) (models.RawEvent, error) {
	const query = `
		SELECT raw_id, tenant_id, store_id, source_system, schema_version,
		       received_at, occurred_at, event_id, source_event_id, event_type, txn_id,
		       payload_hash, payload_json
		FROM events_raw
		WHERE raw_id = $1
	`
	var ev models.RawEvent
	var sourceEventID sql.NullString
	var payload []byte
	err := q.QueryRowContext(ctx, query, rawID).Scan(
		&ev.RawID, &ev.TenantID, &ev.StoreID, &ev.SourceSystem, &ev.SchemaVersion,
		&ev.ReceivedAt, &ev.OccurredAt, &ev.EventID, &sourceEventID, &ev.EventType, &ev.TxnID,
		&ev.PayloadHash, &payload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RawEvent{}, ErrNotFound
		}
		return models.RawEvent{}, fmt.Errorf("fetch raw event: %w", err)
	}
	if sourceEventID.Valid {
		ev.SourceEventID = &sourceEventID.String
	}
	ev.PayloadJSON = append(json.RawMessage(nil), payload...)
	return ev, nil
}

func getIdempotencyRecord(ctx context.Context, q querier, tenantID, idempotencyKey string) (models.IdempotencyRecord, error) {
	const query = `
		SELECT tenant_id, idempotency_key, status, first_seen_at, last_seen_at,
		       first_raw_id, last_raw_id, payload_hash_first, payload_hash_last,
		       processed_at, last_error_code, last_exception_id
		FROM events_processed
		WHERE tenant_id = $1 AND idempotency_key = $2
	`
	var rec models.IdempotencyRecord
	var processedAt sql.NullTime
	var lastErrorCode sql.NullString
	var lastExceptionID uuid.NullUUID
	err := q.QueryRowContext(ctx, query, tenantID, idempotencyKey).Scan(
		&rec.TenantID, &rec.IdempotencyKey, &rec.Status, &rec.FirstSeenAt, &rec.LastSeenAt,
		&rec.FirstRawID, &rec.LastRawID, &rec.PayloadHashFirst, &rec.PayloadHashLast,
		&processedAt, &lastErrorCode, &lastExceptionID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.IdempotencyRecord{}, ErrNotFound
		}
		return models.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	if lastErrorCode.Valid {
		rec.LastErrorCode = &lastErrorCode.String
	}
	if lastExceptionID.Valid {
		id := lastExceptionID.UUID
		rec.LastExceptionID = &id
	}
	return rec, nil
}

func getException(ctx context.Context, q querier, id uuid.UUID) (models.Exception, error) {
	const query = `
		SELECT exception_id, tenant_id, idempotency_key, raw_id, reason_code, details_json,
		       status, created_at, resolved_at, resolution_action, resolution_notes,
		       resolution_actor, override_patch, replay_attempts, last_replay_at, last_replay_status
		FROM exceptions
		WHERE exception_id = $1
	`
	return scanExceptionRow(q.QueryRowContext(ctx, query, id))
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExceptionRow(row rowScanner) (models.Exception, error) {
	ex, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Exception{}, ErrNotFound
	}
	if err != nil {
		return models.Exception{}, fmt.Errorf("scan exception: %w", err)
	}
	return ex, nil
}

func scanException(row rowScanner) (models.Exception, error) {
	var ex models.Exception
	var resolvedAt sql.NullTime
	var resolutionAction, resolutionNotes, resolutionActor sql.NullString
	var overridePatch []byte
	var details []byte
	var lastReplayAt sql.NullTime
	var lastReplayStatus sql.NullString

	err := row.Scan(
		&ex.ExceptionID, &ex.TenantID, &ex.IdempotencyKey, &ex.RawID, &ex.ReasonCode, &details,
		&ex.Status, &ex.CreatedAt, &resolvedAt, &resolutionAction, &resolutionNotes,
		&resolutionActor, &overridePatch, &ex.ReplayAttempts, &lastReplayAt, &lastReplayStatus,
	)
	if err != nil {
		return models.Exception{}, err
	}
	ex.DetailsJSON = append(json.RawMessage(nil), details...)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		ex.ResolvedAt = &t
	}
	if resolutionAction.Valid {
		ex.ResolutionAction = &resolutionAction.String
	}
	if resolutionNotes.Valid {
		ex.ResolutionNotes = &resolutionNotes.String
	}
	if resolutionActor.Valid {
		ex.ResolutionActor = &resolutionActor.String
	}
	if len(overridePatch) > 0 {
		ex.OverridePatch = append(json.RawMessage(nil), overridePatch...)
	}
	if lastReplayAt.Valid {
		t := lastReplayAt.Time
		ex.LastReplayAt = &t
	}
	if lastReplayStatus.Valid {
		ex.LastReplayStatus = &lastReplayStatus.String
	}
	return ex, nil
}
