package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/108thecitizen/ledger-safe-pos-sim/internal/store"
)

func TestPGStoreAppendRawEventAndUpsertIdempotencyInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPGStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO events_raw").
		WithArgs("t1", "s1", "pos", "1", sqlmock.AnyArg(), "e1", sqlmock.AnyArg(), "SALE", "txn-1", "h1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"raw_id", "received_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectQuery("INSERT INTO events_processed").
		WithArgs("t1", "k1", int64(1), "h1").
		WillReturnRows(sqlmock.NewRows([]string{"inserted", "status", "first_raw_id", "payload_hash_first", "last_exception_id"}).
			AddRow(true, "processed", int64(1), "h1", nil))
	mock.ExpectCommit()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)

	ev, err := tx.AppendRawEvent(ctx, store.RawEventInput{
		TenantID: "t1", StoreID: "s1", SourceSystem: "pos", SchemaVersion: "1",
		OccurredAt: time.Now(), EventID: "e1", EventType: "SALE", TxnID: "txn-1", PayloadHash: "h1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.RawID)

	res, err := tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{
		TenantID: "t1", IdempotencyKey: "k1", RawID: ev.RawID, PayloadHash: "h1",
	})
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreUpsertIdempotencyConflictReturnsPriorState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPGStore(db)
	ctx := context.Background()
	priorException := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO events_processed").
		WithArgs("t1", "k1", int64(2), "h2").
		WillReturnRows(sqlmock.NewRows([]string{"inserted", "status", "first_raw_id", "payload_hash_first", "last_exception_id"}).
			AddRow(false, "quarantined", int64(1), "h1", priorException))
	mock.ExpectCommit()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)

	res, err := tx.UpsertIdempotency(ctx, store.UpsertIdempotencyInput{
		TenantID: "t1", IdempotencyKey: "k1", RawID: 2, PayloadHash: "h2",
	})
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, "quarantined", res.PriorStatus)
	assert.Equal(t, "h1", res.PriorPayloadHashFirst)
	require.NotNil(t, res.PriorLastExceptionID)
	assert.Equal(t, priorException, *res.PriorLastExceptionID)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStorePingWrapsError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(assertAnErr{})

	s := store.NewPGStore(db)
	err = s.Ping(context.Background())
	assert.ErrorIs(t, err, assertAnErr{})
}

type assertAnErr struct{}

func (assertAnErr) Error() string { return "connection refused" }
