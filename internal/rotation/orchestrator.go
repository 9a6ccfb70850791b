package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gestioncompras/rotacion-etl/internal/dimension"
	"github.com/gestioncompras/rotacion-etl/internal/metrics"
	"github.com/gestioncompras/rotacion-etl/internal/staging"
	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

const rotacionTablePrefix = "stg_rotacion_%"

// skip reason tallies surfaced in the run report
const (
	skipProductoNoEncontrado = "producto_no_encontrado"
	skipCodigoVacio          = "codigo_vacio"
)

// TableCatalog discovers staging tables and their columns.
type TableCatalog interface {
	StagingTables(ctx context.Context, pattern string) ([]string, error)
	Describe(ctx context.Context, table string) (warehouse.Table, error)
}

// RowReader extracts normalized rows from one staging table.
type RowReader interface {
	Read(ctx context.Context, table warehouse.Table, mapping staging.Mapping) ([]staging.Row, error)
}

// KeyResolver resolves dimension surrogate keys.
type KeyResolver interface {
	ResolveProduct(ctx context.Context, codigo string) (int64, bool, error)
	ResolveDate(ctx context.Context, fecha time.Time) (int64, error)
	ResolvePdv(ctx context.Context, ident dimension.TableIdentity) (dimension.PdvInfo, error)
}

// FactLoader persists enriched records.
type FactLoader interface {
	Upsert(ctx context.Context, records []EnrichedRecord) (LoadStats, error)
	ReplaceAll(ctx context.Context, records []EnrichedRecord) (LoadStats, error)
}

// Orchestrator sequences extract -> normalize -> resolve -> calculate -> load
// per PDV. A PDV failure is recorded and never aborts the run; only staging
// discovery failures (connectivity, configuration) are fatal.
type Orchestrator struct {
	catalog  TableCatalog
	reader   RowReader
	resolver KeyResolver
	loader   FactLoader

	workers int
	replace bool
	now     func() time.Time
}

// Option tunes the orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds how many independent PDVs run at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithReplaceMode switches to the truncate-and-reload strategy instead of
// incremental upserts.
func WithReplaceMode() Option {
	return func(o *Orchestrator) { o.replace = true }
}

func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(catalog TableCatalog, reader RowReader, resolver KeyResolver, loader FactLoader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:  catalog,
		reader:   reader,
		resolver: resolver,
		loader:   loader,
		workers:  1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type pdvGroup struct {
	codigo string
	tables []dimension.TableIdentity
}

// Run processes every discovered PDV and returns the structured report. The
// returned error is non-nil only for fatal conditions (discovery failure,
// context cancellation, failed full-reload).
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: o.now()}

	tables, err := o.catalog.StagingTables(ctx, rotacionTablePrefix)
	if err != nil {
		return nil, fmt.Errorf("staging discovery failed: %w", err)
	}

	groups := groupByPdv(tables)
	logger.Log.Info().Int("tables", len(tables)).Int("pdvs", len(groups)).
		Msg("discovered rotation staging tables")

	report.Pdvs = make([]*PdvReport, len(groups))
	collected := make([][]EnrichedRecord, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			pdvReport, records := o.processPdv(gctx, group)
			report.Pdvs[i] = pdvReport
			collected[i] = records
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		report.FinishedAt = o.now()
		return report, err
	}

	if o.replace {
		if err := o.loadReplace(ctx, report, collected); err != nil {
			report.FinishedAt = o.now()
			return report, err
		}
	} else {
		o.loadIncremental(ctx, report, collected)
	}

	report.FinishedAt = o.now()
	logger.Log.Info().Msg(report.Summary())
	for _, line := range report.Lines() {
		logger.Log.Info().Msg(line)
	}

	return report, nil
}

// processPdv extracts, normalizes and enriches every staging table of one
// PDV. Loading happens afterwards, per strategy.
func (o *Orchestrator) processPdv(ctx context.Context, group pdvGroup) (*PdvReport, []EnrichedRecord) {
	report := &PdvReport{Codigo: group.codigo, State: StatePending, Tables: len(group.tables)}

	report.State = StateExtracting
	pdv, err := o.resolver.ResolvePdv(ctx, group.tables[0])
	if err != nil {
		report.State = StateFailed
		report.Error = err.Error()
		logger.Log.Warn().Str("pdv", group.codigo).Err(err).Msg("pdv failed")
		return report, nil
	}
	report.Codigo = pdv.Codigo
	report.Nombre = pdv.Nombre

	var records []EnrichedRecord
	for _, ident := range group.tables {
		tableRecords, err := o.processTable(ctx, ident, pdv, report)
		if err != nil {
			report.State = StateFailed
			report.Error = err.Error()
			logger.Log.Warn().Str("pdv", pdv.Codigo).Str("tabla", ident.Table).Err(err).Msg("pdv failed")
			return report, nil
		}
		records = append(records, tableRecords...)
	}

	if len(records) == 0 {
		report.State = StateFailed
		report.Error = "no usable records in any staging table"
		return report, nil
	}

	return report, records
}

// processTable handles one staging table. A nil record slice with nil error
// means the table was skipped (schema mismatch, read failure); a non-nil
// error fails the whole PDV (connectivity).
func (o *Orchestrator) processTable(ctx context.Context, ident dimension.TableIdentity, pdv dimension.PdvInfo, report *PdvReport) ([]EnrichedRecord, error) {
	table, err := o.catalog.Describe(ctx, ident.Table)
	if err != nil {
		return nil, fmt.Errorf("could not describe %s: %w", ident.Table, err)
	}

	mapping, err := staging.MapColumns(staging.RotacionFields, table)
	if errors.Is(err, staging.ErrSchemaMismatch) {
		report.TablesSkipped++
		logger.Log.Warn().Str("tabla", ident.Table).Err(err).Msg("staging table skipped")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := o.reader.Read(ctx, table, mapping)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", ident.Table, err)
	}

	report.State = StateTransforming

	fecha := dimension.PeriodDate(o.now(), ident.Periodo)
	fechaSK, err := o.resolver.ResolveDate(ctx, fecha)
	if err != nil {
		return nil, err
	}

	records := make([]EnrichedRecord, 0, len(rows))
	for _, row := range rows {
		rec := staging.RecordFromRow(row)
		rec.CodigoPdv = pdv.Codigo

		if rec.CodigoProducto == "" {
			report.Skip(skipCodigoVacio)
			continue
		}

		productoSK, found, err := o.resolver.ResolveProduct(ctx, rec.CodigoProducto)
		if err != nil {
			return nil, err
		}
		if !found {
			// Unresolved products surface as skips, never as placeholder rows.
			report.Skip(skipProductoNoEncontrado)
			continue
		}

		records = append(records, EnrichedRecord{
			Record:     rec,
			ProductoSK: productoSK,
			PdvSK:      pdv.PdvSK,
			FechaSK:    fechaSK,
			Fecha:      fecha,
			Metrics: metrics.Calculate(metrics.Input{
				VentaCajas:         rec.VentaCajas,
				VentaTotal:         rec.VentaTotal,
				CostoTotal:         rec.CostoTotal,
				InventarioUnidades: rec.InventarioUnidades,
			}),
		})
		report.Processed++
	}

	return records, nil
}

func (o *Orchestrator) loadIncremental(ctx context.Context, report *RunReport, collected [][]EnrichedRecord) {
	for i, records := range collected {
		pdvReport := report.Pdvs[i]
		if pdvReport.State == StateFailed || len(records) == 0 {
			continue
		}

		pdvReport.State = StateLoading
		stats, err := o.loader.Upsert(ctx, records)
		pdvReport.Inserted = stats.Inserted
		pdvReport.Updated = stats.Updated
		pdvReport.FailedBatches = stats.FailedBatches
		if err != nil {
			pdvReport.State = StateFailed
			pdvReport.Error = err.Error()
			continue
		}
		// A skipped batch left rows unloaded, the pdv did not fully succeed.
		if stats.FailedBatches > 0 {
			pdvReport.State = StateFailed
			pdvReport.Error = fmt.Sprintf("%d of %d batches failed", stats.FailedBatches, stats.Batches)
			continue
		}
		pdvReport.State = StateDone
	}
}

func (o *Orchestrator) loadReplace(ctx context.Context, report *RunReport, collected [][]EnrichedRecord) error {
	var all []EnrichedRecord
	for i, records := range collected {
		if report.Pdvs[i].State != StateFailed {
			report.Pdvs[i].State = StateLoading
			all = append(all, records...)
		}
	}

	stats, err := o.loader.ReplaceAll(ctx, all)
	if err != nil {
		for _, p := range report.Pdvs {
			if p.State == StateLoading {
				p.State = StateFailed
				p.Error = err.Error()
			}
		}
		return fmt.Errorf("full reload failed: %w", err)
	}

	for i, p := range report.Pdvs {
		if p.State == StateLoading {
			p.Inserted = len(collected[i])
			p.State = StateDone
		}
	}

	logger.Log.Info().Int("inserted", stats.Inserted).Int("deduplicated", stats.Deduplicated).
		Msg("fact_rotacion fully reloaded")
	return nil
}

// groupByPdv parses discovered table names and groups them by PDV code, in
// code order; tables within a PDV keep discovery order. Names that do not
// match the convention are logged and ignored.
func groupByPdv(tables []string) []pdvGroup {
	byCodigo := make(map[string][]dimension.TableIdentity)
	for _, name := range tables {
		ident, err := dimension.ParseRotacionTable(name)
		if err != nil {
			logger.Log.Warn().Str("tabla", name).Err(err).Msg("unrecognized staging table name")
			continue
		}
		byCodigo[ident.Codigo] = append(byCodigo[ident.Codigo], ident)
	}

	codes := make([]string, 0, len(byCodigo))
	for code := range byCodigo {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	groups := make([]pdvGroup, 0, len(codes))
	for _, code := range codes {
		groups = append(groups, pdvGroup{codigo: code, tables: byCodigo[code]})
	}
	return groups
}
