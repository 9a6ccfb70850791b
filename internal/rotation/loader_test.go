package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestioncompras/rotacion-etl/internal/staging"
)

// memStore is an in-memory Store with the same transactional contract as the
// postgres one: a failed callback discards every write of that transaction.
type memStore struct {
	rows   map[int64]EnrichedRecord
	byKey  map[NaturalKey]int64
	nextSK int64

	// failTxAfter fails the nth RunInTx call (1-based); 0 disables.
	failTxAfter int
	txCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		rows:   make(map[int64]EnrichedRecord),
		byKey:  make(map[NaturalKey]int64),
		nextSK: 1,
	}
}

func (s *memStore) RunInTx(_ context.Context, fn func(StoreTx) error) error {
	s.txCalls++
	if s.failTxAfter > 0 && s.txCalls == s.failTxAfter {
		return errors.New("simulated transaction failure")
	}

	shadow := &memStore{
		rows:   make(map[int64]EnrichedRecord, len(s.rows)),
		byKey:  make(map[NaturalKey]int64, len(s.byKey)),
		nextSK: s.nextSK,
	}
	for sk, rec := range s.rows {
		shadow.rows[sk] = rec
	}
	for key, sk := range s.byKey {
		shadow.byKey[key] = sk
	}

	if err := fn(&memTx{store: shadow}); err != nil {
		return err
	}

	s.rows, s.byKey, s.nextSK = shadow.rows, shadow.byKey, shadow.nextSK
	return nil
}

type memTx struct {
	store *memStore
}

func (t *memTx) Lookup(_ context.Context, key NaturalKey) (int64, bool, error) {
	sk, ok := t.store.byKey[key]
	return sk, ok, nil
}

func (t *memTx) Insert(_ context.Context, rec *EnrichedRecord) error {
	sk := t.store.nextSK
	t.store.nextSK++
	t.store.rows[sk] = *rec
	t.store.byKey[rec.Key()] = sk
	return nil
}

func (t *memTx) Update(_ context.Context, sk int64, rec *EnrichedRecord) error {
	if _, ok := t.store.rows[sk]; !ok {
		return errors.New("update of unknown sk")
	}
	t.store.rows[sk] = *rec
	return nil
}

func (t *memTx) Truncate(_ context.Context) error {
	t.store.rows = make(map[int64]EnrichedRecord)
	t.store.byKey = make(map[NaturalKey]int64)
	return nil
}

func record(codigo, pdv string, fecha time.Time, ventaCajas string) EnrichedRecord {
	cajas, _ := decimal.NewFromString(ventaCajas)
	return EnrichedRecord{
		Record: staging.Record{
			CodigoProducto: codigo,
			CodigoPdv:      pdv,
			VentaCajas:     cajas,
		},
		Fecha: fecha,
	}
}

var testFecha = time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)

func TestUpsertInsertsNewRows(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 10)

	stats, err := loader.Upsert(context.Background(), []EnrichedRecord{
		record("A1", "40350", testFecha, "1"),
		record("A2", "40350", testFecha, "2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 1, stats.Batches)
	assert.Len(t, store.rows, 2)
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 10)
	records := []EnrichedRecord{
		record("A1", "40350", testFecha, "1"),
		record("A2", "40350", testFecha, "2"),
		record("A3", "804", testFecha, "3"),
	}

	_, err := loader.Upsert(context.Background(), records)
	require.NoError(t, err)

	stats, err := loader.Upsert(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 3, stats.Updated)
	assert.Len(t, store.rows, 3, "second run must not duplicate rows")
}

func TestUpsertDedupLastWins(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 10)

	stats, err := loader.Upsert(context.Background(), []EnrichedRecord{
		record("A1", "40350", testFecha, "1"),
		record("A1", "40350", testFecha, "7"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Deduplicated)
	require.Len(t, store.rows, 1)
	for _, rec := range store.rows {
		assert.True(t, rec.VentaCajas.Equal(decimal.NewFromInt(7)), "last record under the key wins")
	}
}

func TestUpsertBatchPartitioning(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 2)

	records := make([]EnrichedRecord, 5)
	for i := range records {
		records[i] = record(string(rune('A'+i)), "40350", testFecha, "1")
	}

	stats, err := loader.Upsert(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 5, stats.Inserted)
	assert.Equal(t, 3, store.txCalls)
}

func TestUpsertFailedBatchIsIsolated(t *testing.T) {
	store := newMemStore()
	store.failTxAfter = 2
	loader := NewLoader(store, 2)

	records := make([]EnrichedRecord, 6)
	for i := range records {
		records[i] = record(string(rune('A'+i)), "40350", testFecha, "1")
	}

	stats, err := loader.Upsert(context.Background(), records)
	require.NoError(t, err, "a failed batch is reported in stats, not as an error")

	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 1, stats.FailedBatches)
	assert.Equal(t, 4, stats.Inserted)
	assert.Len(t, store.rows, 4, "first and third batches committed, second rolled back")
}

func TestUpsertStopsOnCancelledContext(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loader.Upsert(ctx, []EnrichedRecord{record("A1", "40350", testFecha, "1")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.rows)
}

func TestReplaceAll(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 10)

	_, err := loader.Upsert(context.Background(), []EnrichedRecord{
		record("OLD", "40350", testFecha, "1"),
	})
	require.NoError(t, err)

	stats, err := loader.ReplaceAll(context.Background(), []EnrichedRecord{
		record("A1", "40350", testFecha, "1"),
		record("A2", "804", testFecha, "2"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Inserted)
	require.Len(t, store.rows, 2)
	_, old := store.byKey[NaturalKey{CodigoProducto: "OLD", CodigoPdv: "40350", Fecha: testFecha}]
	assert.False(t, old, "previous rows are gone after a full reload")
}

func TestReplaceAllRollsBackOnFailure(t *testing.T) {
	store := newMemStore()
	loader := NewLoader(store, 10)

	_, err := loader.Upsert(context.Background(), []EnrichedRecord{
		record("OLD", "40350", testFecha, "1"),
	})
	require.NoError(t, err)

	store.failTxAfter = 2
	_, err = loader.ReplaceAll(context.Background(), []EnrichedRecord{
		record("A1", "40350", testFecha, "1"),
	})
	require.Error(t, err)
	assert.Len(t, store.rows, 1, "failed reload leaves the table untouched")
}
