package inventarios

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestioncompras/rotacion-etl/internal/dimension"
	"github.com/gestioncompras/rotacion-etl/internal/rotation"
	"github.com/gestioncompras/rotacion-etl/internal/staging"
	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
)

type stubCatalog struct {
	tables  []string
	columns map[string][]string
}

func (c *stubCatalog) StagingTables(_ context.Context, _ string) ([]string, error) {
	return c.tables, nil
}

func (c *stubCatalog) Describe(_ context.Context, table string) (warehouse.Table, error) {
	cols, ok := c.columns[table]
	if !ok {
		return warehouse.Table{}, fmt.Errorf("table %s not found", table)
	}
	return warehouse.NewTable(table, cols), nil
}

type stubReader struct {
	rows map[string][]staging.Row
}

func (r *stubReader) Read(_ context.Context, table warehouse.Table, _ staging.Mapping) ([]staging.Row, error) {
	return r.rows[table.Name], nil
}

type stubResolver struct {
	products map[string]int64
	pdvs     map[string]dimension.PdvInfo
}

func (r *stubResolver) ResolveProduct(_ context.Context, codigo string) (int64, bool, error) {
	sk, ok := r.products[codigo]
	return sk, ok, nil
}

func (r *stubResolver) ResolveDate(_ context.Context, _ time.Time) (int64, error) {
	return 42, nil
}

func (r *stubResolver) ResolvePdv(_ context.Context, ident dimension.TableIdentity) (dimension.PdvInfo, error) {
	info, ok := r.pdvs[ident.Codigo]
	if !ok {
		return dimension.PdvInfo{}, fmt.Errorf("%w: code %s", dimension.ErrPdvNotFound, ident.Codigo)
	}
	return info, nil
}

type recordingLoader struct {
	upserts [][]Record
}

func (l *recordingLoader) Upsert(_ context.Context, records []Record) (rotation.LoadStats, error) {
	l.upserts = append(l.upserts, records)
	return rotation.LoadStats{Inserted: len(records), Batches: 1}, nil
}

var inventarioColumns = []string{"codigo", "nombre", "inventario_caja", "costo_caja", "costo_total"}

func TestRunSnapshotsInventory(t *testing.T) {
	catalog := &stubCatalog{
		tables: []string{"stg_inventario_bella_suiza40350"},
		columns: map[string][]string{
			"stg_inventario_bella_suiza40350": inventarioColumns,
		},
	}
	reader := &stubReader{rows: map[string][]staging.Row{
		"stg_inventario_bella_suiza40350": {
			{"codigo": "P1", "nombre": "ACETAMINOFEN 500MG", "inventario_caja": "4", "costo_caja": "2.500,00"},
			{"codigo": "P2", "inventario_caja": "1", "costo_caja": "100"},
			{"codigo": "NOPE", "inventario_caja": "9"},
		},
	}}
	resolver := &stubResolver{
		products: map[string]int64{"P1": 1, "P2": 2},
		pdvs: map[string]dimension.PdvInfo{
			"40350": {PdvSK: 7, Codigo: "40350", Nombre: "Bella Suiza"},
		},
	}
	loader := &recordingLoader{}

	report, err := NewOrchestrator(catalog, reader, resolver, loader).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Pdvs, 1)
	pdv := report.Pdvs[0]
	assert.Equal(t, rotation.StateDone, pdv.State)
	assert.Equal(t, 2, pdv.Processed)
	assert.Equal(t, 1, pdv.Skipped)
	assert.Equal(t, 1, pdv.SkipReasons["producto_no_encontrado"])

	require.Len(t, loader.upserts, 1)
	records := loader.upserts[0]
	require.Len(t, records, 2)

	rec := records[0]
	assert.Equal(t, "P1", rec.CodigoProducto)
	assert.Equal(t, "40350", rec.CodigoPdv)
	assert.Equal(t, int64(7), rec.PdvSK)
	assert.Equal(t, int64(42), rec.FechaSK)
	assert.True(t, rec.InventarioCajas.Equal(d("4")))
	assert.True(t, rec.ValorInventario().Equal(d("10000")))

	// Snapshot date is the run date at midnight.
	assert.Equal(t, rec.Fecha, rec.Fecha.Truncate(24*time.Hour))
}

type flakyLoader struct{}

func (l *flakyLoader) Upsert(_ context.Context, records []Record) (rotation.LoadStats, error) {
	return rotation.LoadStats{Inserted: len(records) - 1, Batches: 2, FailedBatches: 1}, nil
}

func TestRunFailsPdvWhenBatchesFail(t *testing.T) {
	catalog := &stubCatalog{
		tables: []string{"stg_inventario_bella_suiza40350"},
		columns: map[string][]string{
			"stg_inventario_bella_suiza40350": inventarioColumns,
		},
	}
	reader := &stubReader{rows: map[string][]staging.Row{
		"stg_inventario_bella_suiza40350": {
			{"codigo": "P1", "inventario_caja": "1"},
			{"codigo": "P2", "inventario_caja": "2"},
		},
	}}
	resolver := &stubResolver{
		products: map[string]int64{"P1": 1, "P2": 2},
		pdvs: map[string]dimension.PdvInfo{
			"40350": {PdvSK: 7, Codigo: "40350", Nombre: "Bella Suiza"},
		},
	}

	report, err := NewOrchestrator(catalog, reader, resolver, &flakyLoader{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Pdvs, 1)
	assert.Equal(t, rotation.StateFailed, report.Pdvs[0].State)
	assert.Contains(t, report.Pdvs[0].Error, "batches failed")
	assert.False(t, report.OK())
}

func TestRunSnapshotDateIsCalendarDay(t *testing.T) {
	catalog := &stubCatalog{
		tables: []string{"stg_inventario_bella_suiza40350"},
		columns: map[string][]string{
			"stg_inventario_bella_suiza40350": inventarioColumns,
		},
	}
	reader := &stubReader{rows: map[string][]staging.Row{
		"stg_inventario_bella_suiza40350": {
			{"codigo": "P1", "inventario_caja": "1"},
		},
	}}
	resolver := &stubResolver{
		products: map[string]int64{"P1": 1},
		pdvs: map[string]dimension.PdvInfo{
			"40350": {PdvSK: 7, Codigo: "40350", Nombre: "Bella Suiza"},
		},
	}
	loader := &recordingLoader{}

	orch := NewOrchestrator(catalog, reader, resolver, loader)
	// Late evening in Bogota is already past midnight UTC; the snapshot must
	// still land on the local March 17th.
	bogota := time.FixedZone("America/Bogota", -5*60*60)
	orch.now = func() time.Time {
		return time.Date(2025, time.March, 17, 23, 0, 0, 0, bogota)
	}

	_, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, loader.upserts, 1)
	require.Len(t, loader.upserts[0], 1)
	assert.Equal(t, time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC), loader.upserts[0][0].Fecha)
}

func TestRunFailsPdvWithUnknownCode(t *testing.T) {
	catalog := &stubCatalog{
		tables: []string{"stg_inventario_desconocido99999"},
		columns: map[string][]string{
			"stg_inventario_desconocido99999": inventarioColumns,
		},
	}
	reader := &stubReader{rows: map[string][]staging.Row{}}
	resolver := &stubResolver{pdvs: map[string]dimension.PdvInfo{}}
	loader := &recordingLoader{}

	report, err := NewOrchestrator(catalog, reader, resolver, loader).Run(context.Background())
	require.NoError(t, err, "a failed pdv never aborts the run")

	require.Len(t, report.Pdvs, 1)
	assert.Equal(t, rotation.StateFailed, report.Pdvs[0].State)
	assert.Contains(t, report.Pdvs[0].Error, "pdv not found")
	assert.Empty(t, loader.upserts)
}

func TestRunFailsPdvWithEmptyTable(t *testing.T) {
	catalog := &stubCatalog{
		tables: []string{"stg_inventario_bella_suiza40350"},
		columns: map[string][]string{
			"stg_inventario_bella_suiza40350": inventarioColumns,
		},
	}
	reader := &stubReader{rows: map[string][]staging.Row{}}
	resolver := &stubResolver{
		pdvs: map[string]dimension.PdvInfo{
			"40350": {PdvSK: 7, Codigo: "40350", Nombre: "Bella Suiza"},
		},
	}
	loader := &recordingLoader{}

	report, err := NewOrchestrator(catalog, reader, resolver, loader).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Pdvs, 1)
	assert.Equal(t, rotation.StateFailed, report.Pdvs[0].State)
	assert.Contains(t, report.Pdvs[0].Error, "no usable records")
}
