package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/ingest"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

func baseInput(eventID string) ingest.Input {
	return ingest.Input{
		TenantID: "tenant-1", StoreID: "store-1", SourceSystem: "pos",
		SchemaVersion: "1", OccurredAt: time.Now(), EventID: eventID,
		EventType: "sale", TxnID: "txn-1",
		Payload: map[string]interface{}{"event_type": "sale", "amount": "10.00"},
	}
}

func TestIngestCaseAFirstSeenAccepted(t *testing.T) {
	svc := ingest.New(store.NewMemoryStore(), nil, nil)
	res, err := svc.Ingest(context.Background(), baseInput("e1"))
	require.NoError(t, err)
	assert.Equal(t, ingest.ResultProcessed, res.Outcome)
	assert.Nil(t, res.ExceptionID)
}

func TestIngestCaseBUnknownEventTypeQuarantines(t *testing.T) {
	svc := ingest.New(store.NewMemoryStore(), nil, nil)
	in := baseInput("e1")
	in.EventType = "REFUND_REVERSAL"
	res, err := svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ingest.ResultQuarantined, res.Outcome)
	require.NotNil(t, res.ReasonCode)
	assert.Equal(t, models.ReasonUnknownEventType, *res.ReasonCode)
	require.NotNil(t, res.ExceptionID)
}

func TestIngestCaseCDuplicateSamePayload(t *testing.T) {
	svc := ingest.New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()
	in := baseInput("e1")

	first, err := svc.Ingest(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ingest.ResultProcessed, first.Outcome)

	second, err := svc.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ingest.ResultDuplicate, second.Outcome)
	assert.Equal(t, first.RawID+1, second.RawID)
}

func TestIngestCaseDAlreadyQuarantinedSamePayload(t *testing.T) {
	svc := ingest.New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()
	in := baseInput("e1")
	in.EventType = "REFUND_REVERSAL"
	in.Payload["event_type"] = "REFUND_REVERSAL"

	first, err := svc.Ingest(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ingest.ResultQuarantined, first.Outcome)

	second, err := svc.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ingest.ResultQuarantined, second.Outcome)
	require.NotNil(t, second.ReasonCode)
	assert.Equal(t, models.ReasonAlreadyQuarantined, *second.ReasonCode)
	assert.Equal(t, first.ExceptionID, second.ExceptionID)
}

func TestIngestCaseEConflictingPayloadQuarantines(t *testing.T) {
	svc := ingest.New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()
	in := baseInput("e1")

	_, err := svc.Ingest(ctx, in)
	require.NoError(t, err)

	in2 := in
	in2.Payload = map[string]interface{}{"event_type": "sale", "amount": "99.99"}
	res, err := svc.Ingest(ctx, in2)
	require.NoError(t, err)
	assert.Equal(t, ingest.ResultQuarantined, res.Outcome)
	require.NotNil(t, res.ReasonCode)
	assert.Equal(t, models.ReasonIdempotencyConflict, *res.ReasonCode)
}

func TestIngestValidationError(t *testing.T) {
	svc := ingest.New(store.NewMemoryStore(), nil, nil)
	in := baseInput("e1")
	in.TenantID = ""
	_, err := svc.Ingest(context.Background(), in)
	assert.ErrorIs(t, err, ingest.ErrValidation)
}

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) NotifyIngestOutcome(ctx context.Context, tenantID, idempotencyKey string, rawID int64, outcome string) error {
	r.calls = append(r.calls, outcome)
	return nil
}

type recordingArchiver struct {
	count int
}

func (r *recordingArchiver) ArchiveRawEvent(ctx context.Context, tenantID string, rawID int64, payload json.RawMessage) error {
	r.count++
	return nil
}

func TestIngestInvokesNotifierAndArchiverAfterCommit(t *testing.T) {
	n := &recordingNotifier{}
	a := &recordingArchiver{}
	svc := ingest.New(store.NewMemoryStore(), n, a)
	_, err := svc.Ingest(context.Background(), baseInput("e1"))
	require.NoError(t, err)
	assert.Equal(t, []string{ingest.ResultProcessed}, n.calls)
	assert.Equal(t, 1, a.count)
}
