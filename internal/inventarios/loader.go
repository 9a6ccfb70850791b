// Package inventarios loads fact_inventarios from the per-PDV inventory
// staging tables (stg_inventario_{slug}{code}). It rides the same staging
// normalizer, dimension resolver and warehouse catalog as the rotation load,
// with its own, smaller fact surface.
package inventarios

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/gestioncompras/rotacion-etl/internal/rotation"
	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

// Record is one box-level inventory snapshot ready for loading.
type Record struct {
	CodigoProducto  string
	NombreProducto  string
	CodigoPdv       string
	InventarioCajas decimal.Decimal
	CostoCaja       decimal.Decimal
	CostoTotal      decimal.Decimal

	ProductoSK int64
	PdvSK      int64
	FechaSK    int64
	Fecha      time.Time
}

// ValorInventario is the stock valuation at box cost.
func (r *Record) ValorInventario() decimal.Decimal {
	return r.InventarioCajas.Mul(r.CostoCaja)
}

// Store persists inventory fact rows.
type Store interface {
	RunInTx(ctx context.Context, fn func(StoreTx) error) error
}

type StoreTx interface {
	Lookup(ctx context.Context, codigoProducto, codigoPdv string, fecha time.Time) (int64, bool, error)
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, sk int64, rec *Record) error
}

// Loader batches upserts into fact_inventarios, one transaction per batch,
// same idempotence contract as the rotation loader.
type Loader struct {
	store     Store
	batchSize int
}

func NewLoader(store Store, batchSize int) *Loader {
	if batchSize < 1 {
		batchSize = rotation.DefaultBatchSize
	}
	return &Loader{store: store, batchSize: batchSize}
}

func (l *Loader) Upsert(ctx context.Context, records []Record) (rotation.LoadStats, error) {
	var stats rotation.LoadStats

	for start := 0; start < len(records); start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := start + l.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		stats.Batches++

		var inserted, updated int
		err := l.store.RunInTx(ctx, func(tx StoreTx) error {
			for i := range batch {
				rec := &batch[i]
				sk, exists, err := tx.Lookup(ctx, rec.CodigoProducto, rec.CodigoPdv, rec.Fecha)
				if err != nil {
					return err
				}
				if exists {
					if err := tx.Update(ctx, sk, rec); err != nil {
						return err
					}
					updated++
				} else {
					if err := tx.Insert(ctx, rec); err != nil {
						return err
					}
					inserted++
				}
			}
			return nil
		})
		if err != nil {
			stats.FailedBatches++
			logger.Log.Error().Err(err).
				Str("first", batch[0].CodigoProducto).Str("last", batch[len(batch)-1].CodigoProducto).
				Msg("inventory batch aborted, continuing with next batch")
			continue
		}
		stats.Inserted += inserted
		stats.Updated += updated
	}

	return stats, nil
}

// factStore is the postgres-backed Store.
type factStore struct {
	db *warehouse.DB
}

func NewStore(db *warehouse.DB) Store {
	return &factStore{db: db}
}

func (s *factStore) RunInTx(ctx context.Context, fn func(StoreTx) error) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&factStoreTx{tx: tx})
	})
}

type factStoreTx struct {
	tx *sqlx.Tx
}

func (t *factStoreTx) Lookup(ctx context.Context, codigoProducto, codigoPdv string, fecha time.Time) (int64, bool, error) {
	var sk int64
	err := t.tx.GetContext(ctx, &sk, `
		SELECT inventario_sk
		FROM fact_inventarios
		WHERE codigo_producto = $1 AND codigo_pdv = $2 AND fecha = $3
	`, codigoProducto, codigoPdv, fecha)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("could not look up inventory row %s/%s: %w", codigoPdv, codigoProducto, err)
	}
	return sk, true, nil
}

func (t *factStoreTx) Insert(ctx context.Context, rec *Record) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fact_inventarios (
			producto_sk, pdv_sk, fecha_sk,
			codigo_producto, nombre_producto, codigo_pdv, fecha,
			inventario_cajas, costo_caja, costo_total, valor_inventario,
			fecha_carga, fecha_actualizacion
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, rec.ProductoSK, rec.PdvSK, rec.FechaSK,
		rec.CodigoProducto, rec.NombreProducto, rec.CodigoPdv, rec.Fecha,
		rec.InventarioCajas, rec.CostoCaja, rec.CostoTotal, rec.ValorInventario())
	if err != nil {
		return fmt.Errorf("could not insert inventory row %s/%s: %w", rec.CodigoPdv, rec.CodigoProducto, err)
	}
	return nil
}

func (t *factStoreTx) Update(ctx context.Context, sk int64, rec *Record) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE fact_inventarios SET
			producto_sk = $1, pdv_sk = $2, fecha_sk = $3,
			nombre_producto = $4,
			inventario_cajas = $5, costo_caja = $6, costo_total = $7, valor_inventario = $8,
			fecha_actualizacion = NOW()
		WHERE inventario_sk = $9
	`, rec.ProductoSK, rec.PdvSK, rec.FechaSK, rec.NombreProducto,
		rec.InventarioCajas, rec.CostoCaja, rec.CostoTotal, rec.ValorInventario(), sk)
	if err != nil {
		return fmt.Errorf("could not update inventory row %s/%s: %w", rec.CodigoPdv, rec.CodigoProducto, err)
	}
	return nil
}
