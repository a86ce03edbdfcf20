package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/models"
	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

func TestMemoryStoreAppendAndUpsertFirstSeen(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)

	ev, err := tx.AppendRawEvent(ctx, store.RawEventInput{
		TenantID: "t1", StoreID: "s1", SourceSystem: "pos", SchemaVersion: "1",
		EventID: "e1", EventType: "SALE", TxnID: "txn-1", PayloadHash: "h1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.RawID)

	res, err := tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{
		TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, PayloadHash: "h1",
	})
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	require.NoError(t, tx.Commit())

	rec, err := s.GetIdempotencyRecord(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, rec.Status)
}

func TestMemoryStoreUpsertConflictReturnsPriorState(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.BeginTx(ctx)
	ev1, _ := tx.AppendRawEvent(ctx, store.RawEventInput{TenantID: "t1", EventID: "e1", EventType: "SALE", TxnID: "txn-1", PayloadHash: "h1"})
	_, _ = tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev1.RawID, PayloadHash: "h1"})
	require.NoError(t, tx.Commit())

	tx2, _ := s.BeginTx(ctx)
	ev2, _ := tx2.AppendRawEvent(ctx, store.RawEventInput{TenantID: "t1", EventID: "e2", EventType: "SALE", TxnID: "txn-1", PayloadHash: "h2"})
	res, err := tx2.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev2.RawID, PayloadHash: "h2"})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	assert.False(t, res.Inserted)
	assert.Equal(t, models.StatusProcessed, res.PriorStatus)
	assert.Equal(t, "h1", res.PriorPayloadHashFirst)
	assert.Equal(t, ev1.RawID, res.PriorFirstRawID)
}

func TestMemoryStoreOpenExceptionQuarantinesIdempotencyRecord(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.BeginTx(ctx)
	ev, _ := tx.AppendRawEvent(ctx, store.RawEventInput{TenantID: "t1", EventID: "e1", EventType: "UNKNOWN", TxnID: "txn-1", PayloadHash: "h1"})
	_, _ = tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, PayloadHash: "h1"})
	ex, err := tx.OpenException(ctx, store.OpenExceptionInput{
		TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID,
		ReasonCode: models.ReasonUnknownEventType, Actor: "system",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, models.ExceptionOpen, ex.Status)
	rec, err := s.GetIdempotencyRecord(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQuarantined, rec.Status)
	require.NotNil(t, rec.LastExceptionID)
	assert.Equal(t, ex.ExceptionID, *rec.LastExceptionID)

	listed, err := s.ListExceptions(ctx, store.ListExceptionsInput{Status: models.ExceptionOpen, Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, ex.ExceptionID, listed[0].ExceptionID)
}

func TestMemoryStoreResolveNoReplayIgnoresRecord(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.BeginTx(ctx)
	ev, _ := tx.AppendRawEvent(ctx, store.RawEventInput{TenantID: "t1", EventID: "e1", EventType: "UNKNOWN", TxnID: "txn-1", PayloadHash: "h1"})
	_, _ = tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, PayloadHash: "h1"})
	ex, _ := tx.OpenException(ctx, store.OpenExceptionInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, ReasonCode: models.ReasonUnknownEventType, Actor: "system"})
	require.NoError(t, tx.Commit())

	tx2, _ := s.BeginTx(ctx)
	err := tx2.ResolveNoReplay(ctx, store.ResolveNoReplayInput{
		ExceptionID: ex.ExceptionID, TenantID: "t1", IdempotencyKey: "k1",
		Actor: "operator", ResolutionNotes: "ignore, duplicate feed",
	})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	rec, err := s.GetIdempotencyRecord(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIgnored, rec.Status)

	got, err := s.GetException(ctx, ex.ExceptionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionResolved, got.Status)
	require.NotNil(t, got.ResolutionAction)
	assert.Equal(t, models.ActionMarkResolvedNoReplay, *got.ResolutionAction)
}

func TestMemoryStoreResolveAndReplayMarksProcessed(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.BeginTx(ctx)
	ev, _ := tx.AppendRawEvent(ctx, store.RawEventInput{TenantID: "t1", EventID: "e1", EventType: "UNKNOWN", TxnID: "txn-1", PayloadHash: "h1"})
	_, _ = tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, PayloadHash: "h1"})
	ex, _ := tx.OpenException(ctx, store.OpenExceptionInput{TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, ReasonCode: models.ReasonUnknownEventType, Actor: "system"})
	require.NoError(t, tx.Commit())

	tx2, _ := s.BeginTx(ctx)
	err := tx2.ResolveAndReplay(ctx, store.ResolveAndReplayInput{
		ExceptionID: ex.ExceptionID, TenantID: "t1", IdempotencyKey: "k1",
		Actor: "operator", ResolutionNotes: "fixed event_type",
		OverridePatch: []byte(`{"event_type":"SALE"}`), CanonicalRawID: ev.RawID, FinalHash: "h2",
	})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())

	rec, err := s.GetIdempotencyRecord(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, rec.Status)
	assert.Equal(t, "h2", rec.PayloadHashLast)
	assert.Nil(t, rec.LastExceptionID)

	got, err := s.GetException(ctx, ex.ExceptionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionResolved, got.Status)
	assert.Equal(t, 1, got.ReplayAttempts)
}

func TestMemoryStoreGetExceptionNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.GetException(context.Background(), [16]byte{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
