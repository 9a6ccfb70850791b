package staging

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gestioncompras/rotacion-etl/internal/warehouse"
)

// Reader extracts normalized rows from staging tables. It only accepts tables
// and mappings produced by the warehouse catalog, so every identifier placed
// in a query has been validated against discovered metadata.
type Reader struct {
	db *warehouse.DB
}

func NewReader(db *warehouse.DB) *Reader {
	return &Reader{db: db}
}

// Read selects the mapped columns from a staging table and returns them keyed
// by canonical field name. Missing fields are simply absent from each Row.
func (r *Reader) Read(ctx context.Context, table warehouse.Table, mapping Mapping) ([]Row, error) {
	selects := make([]string, 0, len(mapping))

	// Stable column order keeps the generated SQL deterministic.
	canonicals := make([]string, 0, len(mapping))
	for canonical := range mapping {
		canonicals = append(canonicals, canonical)
	}
	sort.Strings(canonicals)

	for _, canonical := range canonicals {
		source := mapping[canonical]
		if source == "" {
			continue
		}
		if !warehouse.ValidIdent(source) || !table.HasColumn(source) {
			return nil, fmt.Errorf("column %q is not part of table %s", source, table.Name)
		}
		if !warehouse.ValidIdent(canonical) {
			return nil, fmt.Errorf("invalid canonical field name %q", canonical)
		}
		selects = append(selects, fmt.Sprintf("%s::text AS %s", source, canonical))
	}

	if len(selects) == 0 {
		return nil, fmt.Errorf("no mapped columns for table %s", table.Name)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), table.Name)

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not read staging table %s: %w", table.Name, err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		raw := map[string]interface{}{}
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("could not scan row from %s: %w", table.Name, err)
		}

		row := make(Row, len(raw))
		for col, val := range raw {
			row[col] = valueString(val)
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}
