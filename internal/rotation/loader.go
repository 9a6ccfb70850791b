package rotation

import (
	"context"

	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

// DefaultBatchSize bounds transaction size and lock duration.
const DefaultBatchSize = 100

// LoadStats summarizes one loader invocation.
type LoadStats struct {
	Inserted      int
	Updated       int
	Deduplicated  int
	Batches       int
	FailedBatches int
}

func (s *LoadStats) add(o LoadStats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Deduplicated += o.Deduplicated
	s.Batches += o.Batches
	s.FailedBatches += o.FailedBatches
}

// Loader is the incremental-write engine for fact_rotacion. Running the same
// batch twice yields the same final row set: existing rows are updated in
// place, never duplicated.
type Loader struct {
	store     Store
	batchSize int
}

func NewLoader(store Store, batchSize int) *Loader {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Loader{store: store, batchSize: batchSize}
}

// Upsert persists records in fixed-size batches, one transaction per batch.
// A failed batch is logged with its key range and skipped; prior committed
// batches stand and later batches still run. Only context cancellation stops
// the loader early.
func (l *Loader) Upsert(ctx context.Context, records []EnrichedRecord) (LoadStats, error) {
	deduped, dropped := collapseByKey(records)
	stats := LoadStats{Deduplicated: dropped}

	for start := 0; start < len(deduped); start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := start + l.batchSize
		if end > len(deduped) {
			end = len(deduped)
		}
		batch := deduped[start:end]
		stats.Batches++

		batchStats, err := l.upsertBatch(ctx, batch)
		stats.add(batchStats)
		if err != nil {
			stats.FailedBatches++
			logger.Log.Error().Err(err).
				Str("first_key", batch[0].Key().String()).
				Str("last_key", batch[len(batch)-1].Key().String()).
				Int("records", len(batch)).
				Msg("batch aborted, continuing with next batch")
		}
	}

	return stats, nil
}

func (l *Loader) upsertBatch(ctx context.Context, batch []EnrichedRecord) (LoadStats, error) {
	var stats LoadStats
	err := l.store.RunInTx(ctx, func(tx StoreTx) error {
		for i := range batch {
			rec := &batch[i]
			sk, exists, err := tx.Lookup(ctx, rec.Key())
			if err != nil {
				return err
			}
			if exists {
				if err := tx.Update(ctx, sk, rec); err != nil {
					return err
				}
				stats.Updated++
			} else {
				if err := tx.Insert(ctx, rec); err != nil {
					return err
				}
				stats.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		// The transaction rolled back, none of this batch landed.
		return LoadStats{}, err
	}
	return stats, nil
}

// ReplaceAll is the table-replace mode for full-refresh loads: truncate the
// fact table and bulk-insert the whole computed set in one transaction. Not
// combined with incremental Upsert within a run.
func (l *Loader) ReplaceAll(ctx context.Context, records []EnrichedRecord) (LoadStats, error) {
	deduped, dropped := collapseByKey(records)
	stats := LoadStats{Deduplicated: dropped, Batches: 1}

	err := l.store.RunInTx(ctx, func(tx StoreTx) error {
		if err := tx.Truncate(ctx); err != nil {
			return err
		}
		for i := range deduped {
			if err := tx.Insert(ctx, &deduped[i]); err != nil {
				return err
			}
			stats.Inserted++
		}
		return nil
	})
	if err != nil {
		stats = LoadStats{Deduplicated: dropped, Batches: 1, FailedBatches: 1}
		return stats, err
	}

	return stats, nil
}

// collapseByKey keeps at most one record per natural key, last-processed
// wins. Order of first appearance is preserved.
func collapseByKey(records []EnrichedRecord) ([]EnrichedRecord, int) {
	index := make(map[NaturalKey]int, len(records))
	out := make([]EnrichedRecord, 0, len(records))
	dropped := 0

	for _, rec := range records {
		key := rec.Key()
		if at, seen := index[key]; seen {
			out[at] = rec
			dropped++
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}

	return out, dropped
}
