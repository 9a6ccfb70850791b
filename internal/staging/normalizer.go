package staging

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
)

// ErrSchemaMismatch marks a staging table that lacks a required canonical
// field. The orchestrator skips the table and keeps going with the PDV.
var ErrSchemaMismatch = errors.New("staging table missing required column")

// FieldSpec declares one canonical field and the source column names that may
// carry it, in priority order. The first candidate present in the table wins;
// when none is present the field is synthesized with its zero value.
type FieldSpec struct {
	Canonical  string
	Candidates []string
	Required   bool
}

// RotacionFields is the canonical field set for rotation staging tables.
// Candidate lists cover the column-name drift observed across PDV exports.
var RotacionFields = []FieldSpec{
	{Canonical: "codigo", Candidates: []string{"codigo", "codigo_producto", "cod_producto", "sku"}, Required: true},
	{Canonical: "nombre", Candidates: []string{"nombre", "descripcion", "nombre_producto"}},
	{Canonical: "venta_caja", Candidates: []string{"venta_caja", "venta_cajas", "cajas"}},
	{Canonical: "venta_blister", Candidates: []string{"venta_blister", "venta_blisters"}},
	{Canonical: "venta_unidad", Candidates: []string{"venta_unidad", "venta_unidades", "unidades", "cantidad"}},
	{Canonical: "costo_unitario", Candidates: []string{"costo_unitario", "costo"}},
	{Canonical: "precio_venta_unitario", Candidates: []string{"precio_venta_unitario", "precio_unitario", "precio"}},
	{Canonical: "costo_total", Candidates: []string{"costo_total"}},
	{Canonical: "venta_total", Candidates: []string{"venta_total", "total_venta"}},
	{Canonical: "inventario_unidad", Candidates: []string{"stock", "stock_actual", "existencia", "inventario_unidad", "inventario"}},
}

// InventarioFields is the canonical field set for inventory staging tables.
var InventarioFields = []FieldSpec{
	{Canonical: "codigo", Candidates: []string{"codigo", "codigo_producto", "cod_producto", "sku"}, Required: true},
	{Canonical: "nombre", Candidates: []string{"nombre", "descripcion", "nombre_producto"}},
	{Canonical: "inventario_caja", Candidates: []string{"inventario_caja", "inventario_cajas", "cajas"}},
	{Canonical: "costo_caja", Candidates: []string{"costo_caja", "costo_por_caja"}},
	{Canonical: "costo_total", Candidates: []string{"costo_total", "valor_total"}},
}

// Mapping maps canonical field names to the actual source column, or to the
// empty string when the field has to be synthesized.
type Mapping map[string]string

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeColumn folds a source column name onto the comparable form used
// for candidate matching: lowercase, accents stripped, whitespace collapsed
// to underscores.
func NormalizeColumn(name string) string {
	folded, _, err := transform.String(accentFolder, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(strings.TrimSpace(folded))
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '-'
	}), "_")
}

// MapColumns selects a source column per canonical field for the given table.
// Returns ErrSchemaMismatch when a required field has no candidate present.
func MapColumns(fields []FieldSpec, table warehouse.Table) (Mapping, error) {
	// Normalized column name -> actual column name as discovered.
	byNormalized := make(map[string]string, len(table.Columns))
	for _, col := range table.Columns {
		key := NormalizeColumn(col)
		if _, taken := byNormalized[key]; !taken {
			byNormalized[key] = col
		}
	}

	mapping := make(Mapping, len(fields))
	for _, field := range fields {
		source := ""
		for _, candidate := range field.Candidates {
			if actual, ok := byNormalized[NormalizeColumn(candidate)]; ok {
				source = actual
				break
			}
		}
		if source == "" && field.Required {
			return nil, fmt.Errorf("%w: table %s has no candidate for %s",
				ErrSchemaMismatch, table.Name, field.Canonical)
		}
		mapping[field.Canonical] = source
	}

	return mapping, nil
}

var dotThousands = regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{3})+$`)

// numeric sentinels spreadsheet exports leak into staging tables
var invalidSentinels = map[string]struct{}{
	"":        {},
	"-":       {},
	"n/a":     {},
	"na":      {},
	"null":    {},
	"#ref!":   {},
	"#value!": {},
	"#div/0!": {},
}

// ParseDecimal converts a raw staging value to a non-negative decimal.
// Absent columns, spreadsheet error sentinels and junk all become zero, so
// arithmetic downstream never sees an invalid quantity.
func ParseDecimal(raw string) decimal.Decimal {
	s := strings.TrimSpace(strings.ToLower(raw))
	if _, bad := invalidSentinels[s]; bad {
		return decimal.Zero
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, " ", "")
	switch {
	case strings.Contains(s, ".") && strings.Contains(s, ","):
		// Latin format: 1.234,56
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case dotThousands.MatchString(s):
		// Dot-only values in 3-digit groups are thousands-separated
		// integers (36.000 pesos), not fractions.
		s = strings.ReplaceAll(s, ".", "")
	default:
		s = strings.ReplaceAll(s, ",", ".")
	}

	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}
