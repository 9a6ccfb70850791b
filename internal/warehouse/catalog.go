package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Table describes a discovered staging table. Instances only come out of the
// Catalog, so their names and columns are known to exist in the warehouse and
// are safe to interpolate as identifiers.
type Table struct {
	Name    string
	Columns []string

	colSet map[string]struct{}
}

// HasColumn reports whether the table has the given (lowercased) column.
func (t Table) HasColumn(name string) bool {
	_, ok := t.colSet[strings.ToLower(name)]
	return ok
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether s is a plain lowercase SQL identifier. Discovered
// names are checked against this before they are ever placed in a query, so a
// hostile table or column name in information_schema cannot smuggle SQL in.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// Catalog discovers staging tables and their columns via information_schema.
type Catalog struct {
	db *DB
}

func NewCatalog(db *DB) *Catalog {
	return &Catalog{db: db}
}

// StagingTables returns the names of tables in the warehouse schema matching
// the given LIKE pattern (e.g. "stg_rotacion_%"), in name order.
func (c *Catalog) StagingTables(ctx context.Context, pattern string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		  AND table_name LIKE $2
		ORDER BY table_name
	`

	var names []string
	if err := c.db.SelectContext(ctx, &names, query, c.db.Schema(), pattern); err != nil {
		return nil, fmt.Errorf("could not list staging tables for %q: %w", pattern, err)
	}

	valid := names[:0]
	for _, name := range names {
		if !ValidIdent(name) {
			continue
		}
		valid = append(valid, name)
	}

	return valid, nil
}

// Describe returns the column set of a staging table. Column names are
// lowercased; names that are not plain identifiers are dropped.
func (c *Catalog) Describe(ctx context.Context, table string) (Table, error) {
	if !ValidIdent(table) {
		return Table{}, fmt.Errorf("invalid table name %q", table)
	}

	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = $1
		  AND table_name = $2
		ORDER BY ordinal_position
	`

	var columns []string
	if err := c.db.SelectContext(ctx, &columns, query, c.db.Schema(), table); err != nil {
		return Table{}, fmt.Errorf("could not describe table %s: %w", table, err)
	}
	if len(columns) == 0 {
		return Table{}, fmt.Errorf("table %s not found in schema %s", table, c.db.Schema())
	}

	t := Table{Name: table, colSet: make(map[string]struct{}, len(columns))}
	for _, col := range columns {
		col = strings.ToLower(col)
		if !ValidIdent(col) {
			continue
		}
		t.Columns = append(t.Columns, col)
		t.colSet[col] = struct{}{}
	}

	return t, nil
}

// NewTable builds a Table from a known name and column list. Used by tests and
// by callers that already validated the metadata.
func NewTable(name string, columns []string) Table {
	t := Table{Name: name, colSet: make(map[string]struct{}, len(columns))}
	for _, col := range columns {
		col = strings.ToLower(col)
		t.Columns = append(t.Columns, col)
		t.colSet[col] = struct{}{}
	}
	return t
}
