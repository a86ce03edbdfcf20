// Package models holds the entity types shared across the ingest and
// resolve transitions and their HTTP surface.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status values for IdempotencyRecord.Status.
const (
	StatusProcessed   = "processed"
	StatusQuarantined = "quarantined"
	StatusIgnored     = "ignored"
)

// Status values for Exception.Status.
const (
	ExceptionOpen     = "open"
	ExceptionResolved = "resolved"
)

// Reason codes.
const (
	ReasonUnknownEventType    = "UNKNOWN_EVENT_TYPE"
	ReasonIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	ReasonAlreadyQuarantined  = "ALREADY_QUARANTINED"
	ReasonIgnoredByOperator   = "IGNORED_BY_OPERATOR"
)

// Resolution actions.
const (
	ActionMarkResolvedNoReplay = "mark_resolved_no_replay"
	ActionOverrideAndReplay    = "override_and_replay"
)

// Replay statuses.
const (
	ReplayNotReplayed = "not_replayed"
	ReplayProcessed   = "processed"
)

// AllowedEventTypes is the MVP set of event types the core accepts without
// quarantine.
var AllowedEventTypes = map[string]bool{
	"SALE":       true,
	"RETURN":     true,
	"CORRECTION": true,
	"CANCEL":     true,
	"VOID":       true,
}

// AllowedEventTypeList returns the allowed set as a sorted slice, for
// embedding in diagnostic payloads.
func AllowedEventTypeList() []string {
	return []string{"CANCEL", "CORRECTION", "RETURN", "SALE", "VOID"}
}

// RawEvent is an immutable row in the Bronze append-only log.
type RawEvent struct {
	RawID          int64           `json:"raw_id"`
	TenantID       string          `json:"tenant_id"`
	StoreID        string          `json:"store_id"`
	SourceSystem   string          `json:"source_system"`
	SchemaVersion  string          `json:"schema_version"`
	ReceivedAt     time.Time       `json:"received_at"`
	OccurredAt     time.Time       `json:"occurred_at"`
	EventID        string          `json:"event_id"`
	SourceEventID  *string         `json:"source_event_id,omitempty"`
	EventType      string          `json:"event_type"`
	TxnID          string          `json:"txn_id"`
	PayloadHash    string          `json:"payload_hash"`
	PayloadJSON    json.RawMessage `json:"payload_json"`
}

// IdempotencyRecord is the mutable per-(tenant,key) ledger row.
type IdempotencyRecord struct {
	TenantID          string     `json:"tenant_id"`
	IdempotencyKey     string     `json:"idempotency_key"`
	Status             string     `json:"status"`
	FirstSeenAt        time.Time  `json:"first_seen_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	FirstRawID         int64      `json:"first_raw_id"`
	LastRawID          int64      `json:"last_raw_id"`
	PayloadHashFirst   string     `json:"payload_hash_first"`
	PayloadHashLast    string     `json:"payload_hash_last"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
	LastErrorCode      *string    `json:"last_error_code,omitempty"`
	LastExceptionID    *uuid.UUID `json:"last_exception_id,omitempty"`
}

// Exception is an operator-visible quarantine record.
type Exception struct {
	ExceptionID        uuid.UUID       `json:"exception_id"`
	TenantID           string          `json:"tenant_id"`
	IdempotencyKey     string          `json:"idempotency_key"`
	RawID              int64           `json:"raw_id"`
	ReasonCode         string          `json:"reason_code"`
	DetailsJSON        json.RawMessage `json:"details_json"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ResolutionAction   *string         `json:"resolution_action,omitempty"`
	ResolutionNotes    *string         `json:"resolution_notes,omitempty"`
	ResolutionActor    *string         `json:"resolution_actor,omitempty"`
	OverridePatch      json.RawMessage `json:"override_patch,omitempty"`
	ReplayAttempts     int             `json:"replay_attempts"`
	LastReplayAt       *time.Time      `json:"last_replay_at,omitempty"`
	LastReplayStatus   *string         `json:"last_replay_status,omitempty"`
}

// AuditEntry is an append-only operator-visible transition record.
type AuditEntry struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	ObjectType string          `json:"object_type"`
	ObjectID   string          `json:"object_id"`
	Notes      string          `json:"notes"`
	AfterJSON  json.RawMessage `json:"after_json"`
	At         time.Time       `json:"at"`
}
