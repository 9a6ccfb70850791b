package dimension

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

// ErrPdvNotFound marks a staging table whose PDV cannot be matched against
// dim_pdv, by code or by name. The orchestrator fails that PDV and moves on.
var ErrPdvNotFound = errors.New("pdv not found in dim_pdv")

// PdvInfo identifies a resolved point of sale.
type PdvInfo struct {
	PdvSK  int64  `db:"pdv_sk"`
	Codigo string `db:"codigo_pdv"`
	Nombre string `db:"nombre_pdv"`
}

// TableIdentity is the PDV identity parsed out of a staging table name.
type TableIdentity struct {
	Table   string
	Slug    string
	Codigo  string
	Periodo int
}

// Rotation tables look like stg_rotacion_de_{slug}_{codigo}_{periodo}. The
// slug group is greedy so the code and period always bind to the trailing
// underscore-separated numeric groups, even when the slug itself ends in
// digits (stg_rotacion_de_cosmocentro1_40350_1).
var rotacionTablePattern = regexp.MustCompile(`^stg_rotacion_de_(?P<slug>.+)_(?P<codigo>[0-9]+)_(?P<periodo>[0-9]+)$`)

// Inventory tables look like stg_inventario_{slug}{codigo}, no separator
// before the code: the code is the trailing digit run.
var inventarioTablePattern = regexp.MustCompile(`^stg_inventario_(?P<slug>.*?)(?P<codigo>[0-9]+)$`)

// ParseRotacionTable extracts the PDV identity from a rotation staging table name.
func ParseRotacionTable(table string) (TableIdentity, error) {
	m := rotacionTablePattern.FindStringSubmatch(table)
	if m == nil {
		return TableIdentity{}, fmt.Errorf("table %q does not match the rotation naming convention", table)
	}

	periodo, err := strconv.Atoi(m[3])
	if err != nil {
		return TableIdentity{}, fmt.Errorf("table %q has invalid period %q", table, m[3])
	}

	return TableIdentity{Table: table, Slug: m[1], Codigo: m[2], Periodo: periodo}, nil
}

// ParseInventarioTable extracts the PDV identity from an inventory staging table name.
func ParseInventarioTable(table string) (TableIdentity, error) {
	m := inventarioTablePattern.FindStringSubmatch(table)
	if m == nil {
		return TableIdentity{}, fmt.Errorf("table %q does not match the inventory naming convention", table)
	}
	return TableIdentity{Table: table, Slug: strings.TrimSuffix(m[1], "_"), Codigo: m[2]}, nil
}

// PeriodDate maps a staging period suffix (1..n trailing months) onto the
// first day of that month, relative to ref.
func PeriodDate(ref time.Time, periodo int) time.Time {
	first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -periodo, 0)
}

// Resolver looks up surrogate keys in the dimension tables. Lookup misses are
// explicit results, never errors; only connectivity failures propagate.
type Resolver struct {
	db    *warehouse.DB
	cache ProductCache
}

func NewResolver(db *warehouse.DB, cache ProductCache) *Resolver {
	if cache == nil {
		cache = NewNoopProductCache()
	}
	return &Resolver{db: db, cache: cache}
}

// ResolveProduct looks up dim_producto by natural code. A miss returns
// ok=false; missing products are upstream data-quality issues and are never
// lazily created here.
func (r *Resolver) ResolveProduct(ctx context.Context, codigo string) (int64, bool, error) {
	if sk, ok, err := r.cache.Get(ctx, codigo); err != nil {
		logger.Log.Warn().Err(err).Str("codigo", codigo).Msg("product cache read failed")
	} else if ok {
		return sk, true, nil
	}

	var sk int64
	err := r.db.GetContext(ctx, &sk,
		"SELECT producto_sk FROM dim_producto WHERE codigo = $1", codigo)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Log.Warn().Str("codigo", codigo).Msg("product code not found in dim_producto")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("could not resolve product %s: %w", codigo, err)
	}

	if err := r.cache.Set(ctx, codigo, sk); err != nil {
		logger.Log.Warn().Err(err).Str("codigo", codigo).Msg("product cache write failed")
	}

	return sk, true, nil
}

// ResolveDate looks up dim_fecha by calendar date, inserting the row on a
// miss. This is the only lazy-create path in the resolver: the date dimension
// may grow on demand.
func (r *Resolver) ResolveDate(ctx context.Context, fecha time.Time) (int64, error) {
	fecha = fecha.Truncate(24 * time.Hour)

	var sk int64
	err := r.db.GetContext(ctx, &sk,
		"SELECT fecha_sk FROM dim_fecha WHERE fecha = $1", fecha)
	if err == nil {
		return sk, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("could not resolve date %s: %w", fecha.Format("2006-01-02"), err)
	}

	weekday := int(fecha.Weekday())
	isWeekend := weekday == 0 || weekday == 6
	quarter := (int(fecha.Month())-1)/3 + 1

	err = r.db.GetContext(ctx, &sk, `
		INSERT INTO dim_fecha (fecha, dia, mes, anio, trimestre, dia_semana, es_fin_de_semana, es_festivo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		ON CONFLICT (fecha) DO UPDATE SET fecha = EXCLUDED.fecha
		RETURNING fecha_sk
	`, fecha, fecha.Day(), int(fecha.Month()), fecha.Year(), quarter, weekday, isWeekend)
	if err != nil {
		return 0, fmt.Errorf("could not insert date %s into dim_fecha: %w", fecha.Format("2006-01-02"), err)
	}

	logger.Log.Info().Str("fecha", fecha.Format("2006-01-02")).Int64("fecha_sk", sk).
		Msg("inserted missing row into dim_fecha")

	return sk, nil
}

// ResolvePdv matches a parsed table identity against dim_pdv: exact code
// match first, fuzzy substring match on the slugified name as fallback.
func (r *Resolver) ResolvePdv(ctx context.Context, ident TableIdentity) (PdvInfo, error) {
	var info PdvInfo
	err := r.db.GetContext(ctx, &info,
		"SELECT pdv_sk, codigo_pdv, nombre_pdv FROM dim_pdv WHERE codigo_pdv = $1", ident.Codigo)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return PdvInfo{}, fmt.Errorf("could not resolve pdv %s: %w", ident.Codigo, err)
	}

	// Fuzzy fallback: compare slugified dimension names against the table slug.
	needle := strings.ReplaceAll(strings.ToLower(ident.Slug), "_", " ")
	if needle == "" {
		return PdvInfo{}, fmt.Errorf("%w: code %s (table %s)", ErrPdvNotFound, ident.Codigo, ident.Table)
	}

	err = r.db.GetContext(ctx, &info, `
		SELECT pdv_sk, codigo_pdv, nombre_pdv
		FROM dim_pdv
		WHERE LOWER(nombre_pdv) LIKE '%' || $1 || '%'
		ORDER BY pdv_sk
		LIMIT 1
	`, needle)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Log.Warn().Str("tabla", ident.Table).Str("codigo", ident.Codigo).Str("slug", ident.Slug).
			Msg("pdv not found by code nor by name")
		return PdvInfo{}, fmt.Errorf("%w: code %s (table %s)", ErrPdvNotFound, ident.Codigo, ident.Table)
	}
	if err != nil {
		return PdvInfo{}, fmt.Errorf("could not resolve pdv by name %q: %w", needle, err)
	}

	logger.Log.Info().Str("tabla", ident.Table).Str("codigo_tabla", ident.Codigo).
		Str("codigo_dim", info.Codigo).Msg("pdv resolved by fuzzy name match")

	return info, nil
}
