package inventarios

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gestioncompras/rotacion-etl/internal/dimension"
	"github.com/gestioncompras/rotacion-etl/internal/rotation"
	"github.com/gestioncompras/rotacion-etl/internal/staging"
	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

const inventarioTablePrefix = "stg_inventario_%"

// RecordLoader persists inventory records.
type RecordLoader interface {
	Upsert(ctx context.Context, records []Record) (rotation.LoadStats, error)
}

// Orchestrator runs the fact_inventarios load: one staging table per PDV,
// snapshot dated on the run date. Failure semantics match the rotation
// orchestrator: per-PDV isolation, discovery errors fatal.
type Orchestrator struct {
	catalog  rotation.TableCatalog
	reader   rotation.RowReader
	resolver rotation.KeyResolver
	loader   RecordLoader
	now      func() time.Time
}

func NewOrchestrator(catalog rotation.TableCatalog, reader rotation.RowReader, resolver rotation.KeyResolver, loader RecordLoader) *Orchestrator {
	return &Orchestrator{
		catalog:  catalog,
		reader:   reader,
		resolver: resolver,
		loader:   loader,
		now:      time.Now,
	}
}

func (o *Orchestrator) Run(ctx context.Context) (*rotation.RunReport, error) {
	report := &rotation.RunReport{StartedAt: o.now()}

	tables, err := o.catalog.StagingTables(ctx, inventarioTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("staging discovery failed: %w", err)
	}
	logger.Log.Info().Int("tables", len(tables)).Msg("discovered inventory staging tables")

	// Snapshot date is the run's calendar day, not an epoch-based truncation
	// that can shift across midnight in non-UTC zones.
	now := o.now()
	fecha := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, name := range tables {
		ident, err := dimension.ParseInventarioTable(name)
		if err != nil {
			logger.Log.Warn().Str("tabla", name).Err(err).Msg("unrecognized staging table name")
			continue
		}
		report.Pdvs = append(report.Pdvs, o.processTable(ctx, ident, fecha))
	}

	report.FinishedAt = o.now()
	logger.Log.Info().Msg(report.Summary())

	return report, nil
}

func (o *Orchestrator) processTable(ctx context.Context, ident dimension.TableIdentity, fecha time.Time) *rotation.PdvReport {
	pdvReport := &rotation.PdvReport{Codigo: ident.Codigo, State: rotation.StateExtracting, Tables: 1}

	fail := func(err error) *rotation.PdvReport {
		pdvReport.State = rotation.StateFailed
		pdvReport.Error = err.Error()
		logger.Log.Warn().Str("tabla", ident.Table).Err(err).Msg("inventory pdv failed")
		return pdvReport
	}

	pdv, err := o.resolver.ResolvePdv(ctx, ident)
	if err != nil {
		return fail(err)
	}
	pdvReport.Codigo = pdv.Codigo
	pdvReport.Nombre = pdv.Nombre

	table, err := o.catalog.Describe(ctx, ident.Table)
	if err != nil {
		return fail(err)
	}

	mapping, err := staging.MapColumns(staging.InventarioFields, table)
	if errors.Is(err, staging.ErrSchemaMismatch) {
		pdvReport.TablesSkipped++
		return fail(err)
	}
	if err != nil {
		return fail(err)
	}

	rows, err := o.reader.Read(ctx, table, mapping)
	if err != nil {
		return fail(err)
	}

	pdvReport.State = rotation.StateTransforming

	fechaSK, err := o.resolver.ResolveDate(ctx, fecha)
	if err != nil {
		return fail(err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		codigo := row["codigo"]
		if codigo == "" {
			pdvReport.Skip("codigo_vacio")
			continue
		}

		productoSK, found, err := o.resolver.ResolveProduct(ctx, codigo)
		if err != nil {
			return fail(err)
		}
		if !found {
			pdvReport.Skip("producto_no_encontrado")
			continue
		}

		records = append(records, Record{
			CodigoProducto:  codigo,
			NombreProducto:  row["nombre"],
			CodigoPdv:       pdv.Codigo,
			InventarioCajas: staging.ParseDecimal(row["inventario_caja"]),
			CostoCaja:       staging.ParseDecimal(row["costo_caja"]),
			CostoTotal:      staging.ParseDecimal(row["costo_total"]),
			ProductoSK:      productoSK,
			PdvSK:           pdv.PdvSK,
			FechaSK:         fechaSK,
			Fecha:           fecha,
		})
		pdvReport.Processed++
	}

	if len(records) == 0 {
		return fail(errors.New("no usable records in staging table"))
	}

	pdvReport.State = rotation.StateLoading
	stats, err := o.loader.Upsert(ctx, records)
	pdvReport.Inserted = stats.Inserted
	pdvReport.Updated = stats.Updated
	pdvReport.FailedBatches = stats.FailedBatches
	if err != nil {
		return fail(err)
	}
	if stats.FailedBatches > 0 {
		return fail(fmt.Errorf("%d of %d batches failed", stats.FailedBatches, stats.Batches))
	}

	pdvReport.State = rotation.StateDone
	return pdvReport
}
