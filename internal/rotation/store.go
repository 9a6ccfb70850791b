package rotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
)

// factStore is the postgres-backed Store for fact_rotacion.
type factStore struct {
	db *warehouse.DB
}

// NewStore builds the fact_rotacion store over the warehouse pool.
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

// factRow mirrors the fact_rotacion column set.
type factRow struct {
	ProductoSK                int64           `db:"producto_sk"`
	PdvSK                     int64           `db:"pdv_sk"`
	FechaSK                   int64           `db:"fecha_sk"`
	CodigoProducto            string          `db:"codigo_producto"`
	NombreProducto            string          `db:"nombre_producto"`
	CodigoPdv                 string          `db:"codigo_pdv"`
	Fecha                     time.Time       `db:"fecha"`
	VentaUnidades             decimal.Decimal `db:"venta_unidades"`
	VentaCajas                decimal.Decimal `db:"venta_cajas"`
	VentaBlisters             decimal.Decimal `db:"venta_blisters"`
	CostoUnitario             decimal.Decimal `db:"costo_unitario"`
	PrecioVentaUnitario       decimal.Decimal `db:"precio_venta_unitario"`
	CostoTotal                decimal.Decimal `db:"costo_total"`
	VentaTotal                decimal.Decimal `db:"venta_total"`
	MargenBruto               decimal.Decimal `db:"margen_bruto"`
	MargenPorcentaje          float64         `db:"margen_porcentaje"`
	InventarioUnidadesInicial decimal.Decimal `db:"inventario_unidades_inicial"`
	InventarioUnidadesFinal   decimal.Decimal `db:"inventario_unidades_final"`
	DiasInventario            float64         `db:"dias_inventario"`
	RotacionMes               float64         `db:"rotacion_mes"`
	ClaseABC                  string          `db:"clase_abc"`
	EstadoStock               string          `db:"estado_stock"`
	StockCritico              bool            `db:"stock_critico"`
	AltaRentabilidad          bool            `db:"alta_rentabilidad"`
}

func newFactRow(rec *EnrichedRecord) factRow {
	return factRow{
		ProductoSK:          rec.ProductoSK,
		PdvSK:               rec.PdvSK,
		FechaSK:             rec.FechaSK,
		CodigoProducto:      rec.CodigoProducto,
		NombreProducto:      rec.NombreProducto,
		CodigoPdv:           rec.CodigoPdv,
		Fecha:               rec.Fecha,
		VentaUnidades:       rec.VentaUnidades,
		VentaCajas:          rec.VentaCajas,
		VentaBlisters:       rec.VentaBlisters,
		CostoUnitario:       rec.CostoUnitario,
		PrecioVentaUnitario: rec.PrecioVentaUnitario,
		CostoTotal:          rec.CostoTotal,
		VentaTotal:          rec.VentaTotal,
		MargenBruto:         rec.Metrics.MargenBruto,
		MargenPorcentaje:    rec.Metrics.MargenPorcentaje,
		// No historic snapshots in the staging exports, opening stock is 0.
		InventarioUnidadesInicial: decimal.Zero,
		InventarioUnidadesFinal:   rec.InventarioUnidades,
		DiasInventario:            rec.Metrics.DiasInventario,
		RotacionMes:               rec.Metrics.RotacionMes,
		ClaseABC:                  rec.Metrics.ClaseABC,
		EstadoStock:               rec.Metrics.EstadoStock,
		StockCritico:              rec.Metrics.StockCritico,
		AltaRentabilidad:          rec.Metrics.AltaRentabilidad,
	}
}

func (t *factStoreTx) Lookup(ctx context.Context, key NaturalKey) (int64, bool, error) {
	var sk int64
	err := t.tx.GetContext(ctx, &sk, `
		SELECT rotacion_sk
		FROM fact_rotacion
		WHERE codigo_producto = $1 AND codigo_pdv = $2 AND fecha = $3
	`, key.CodigoProducto, key.CodigoPdv, key.Fecha)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("could not look up fact row %s: %w", key, err)
	}
	return sk, true, nil
}

func (t *factStoreTx) Insert(ctx context.Context, rec *EnrichedRecord) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO fact_rotacion (
			producto_sk, pdv_sk, fecha_sk,
			codigo_producto, nombre_producto, codigo_pdv, fecha,
			venta_unidades, venta_cajas, venta_blisters,
			costo_unitario, precio_venta_unitario, costo_total, venta_total,
			margen_bruto, margen_porcentaje,
			inventario_unidades_inicial, inventario_unidades_final,
			dias_inventario, rotacion_mes,
			clase_abc, estado_stock, stock_critico, alta_rentabilidad,
			fecha_carga, fecha_actualizacion
		) VALUES (
			:producto_sk, :pdv_sk, :fecha_sk,
			:codigo_producto, :nombre_producto, :codigo_pdv, :fecha,
			:venta_unidades, :venta_cajas, :venta_blisters,
			:costo_unitario, :precio_venta_unitario, :costo_total, :venta_total,
			:margen_bruto, :margen_porcentaje,
			:inventario_unidades_inicial, :inventario_unidades_final,
			:dias_inventario, :rotacion_mes,
			:clase_abc, :estado_stock, :stock_critico, :alta_rentabilidad,
			NOW(), NOW()
		)
	`, newFactRow(rec))
	if err != nil {
		return fmt.Errorf("could not insert fact row %s: %w", rec.Key(), err)
	}
	return nil
}

func (t *factStoreTx) Update(ctx context.Context, sk int64, rec *EnrichedRecord) error {
	row := struct {
		factRow
		RotacionSK int64 `db:"rotacion_sk"`
	}{factRow: newFactRow(rec), RotacionSK: sk}

	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE fact_rotacion SET
			producto_sk = :producto_sk,
			pdv_sk = :pdv_sk,
			fecha_sk = :fecha_sk,
			nombre_producto = :nombre_producto,
			venta_unidades = :venta_unidades,
			venta_cajas = :venta_cajas,
			venta_blisters = :venta_blisters,
			costo_unitario = :costo_unitario,
			precio_venta_unitario = :precio_venta_unitario,
			costo_total = :costo_total,
			venta_total = :venta_total,
			margen_bruto = :margen_bruto,
			margen_porcentaje = :margen_porcentaje,
			inventario_unidades_inicial = :inventario_unidades_inicial,
			inventario_unidades_final = :inventario_unidades_final,
			dias_inventario = :dias_inventario,
			rotacion_mes = :rotacion_mes,
			clase_abc = :clase_abc,
			estado_stock = :estado_stock,
			stock_critico = :stock_critico,
			alta_rentabilidad = :alta_rentabilidad,
			fecha_actualizacion = NOW()
		WHERE rotacion_sk = :rotacion_sk
	`, row)
	if err != nil {
		return fmt.Errorf("could not update fact row %s: %w", rec.Key(), err)
	}
	return nil
}

func (t *factStoreTx) Truncate(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, "TRUNCATE TABLE fact_rotacion"); err != nil {
		return fmt.Errorf("could not truncate fact_rotacion: %w", err)
	}
	return nil
}
