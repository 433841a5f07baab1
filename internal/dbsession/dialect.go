package dbsession

import (
	"fmt"
	"strings"
)

// InlineViewStyle renders a set of parent key tuples as a literal value
// table that can be joined against the child table.
type InlineViewStyle struct {
	// Head opens the view, e.g. "(values ".
	Head func(columns []string) string
	// Item renders one tuple of SQL literals.
	Item func(values []string, rowNr int) string
	// Separator joins items.
	Separator string
	// Terminator closes the view and binds the alias and column names,
	// e.g. ") as C(id, ver)".
	Terminator func(alias string, columns []string) string
}

// Dialect carries the capability flags and query fragments that vary per
// data source.
type Dialect struct {
	Name string

	// LimitSuffix is a row-limiting clause with a %d verb ("limit %d"),
	// empty when the data source has none.
	LimitSuffix string

	// SupportsInlineViews enables the value-table join batching strategy.
	SupportsInlineViews bool
	InlineView          InlineViewStyle

	// SupportsRowNumber enables the row_number() over() limitation.
	SupportsRowNumber bool

	// StoresUpperCaseIdentifiers drives the column re-probe quirk: when an
	// exact-case metadata probe finds nothing, the probe is retried with
	// the table name forced to upper (true) or lower (false) case.
	StoresUpperCaseIdentifiers bool

	// DefaultSchema is assumed for unqualified table names in metadata
	// queries ("public" for postgres, empty for sqlite).
	DefaultSchema string

	columnsQuery func(schema, table string) (string, []any)
	pkQuery      func(schema, table string) (string, []any)
	tablesQuery  func(schema string) (string, []any)
}

// Quote quotes an identifier unless it is already quoted.
func (d Dialect) Quote(ident string) string {
	if strings.HasPrefix(ident, `"`) && strings.HasSuffix(ident, `"`) {
		return ident
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Unquote strips identifier quoting.
func (d Dialect) Unquote(ident string) string {
	if strings.HasPrefix(ident, `"`) && strings.HasSuffix(ident, `"`) && len(ident) >= 2 {
		return strings.ReplaceAll(ident[1:len(ident)-1], `""`, `"`)
	}
	return ident
}

// QualifiedTable renders schema.table with quoting, omitting an empty
// schema.
func (d Dialect) QualifiedTable(table string) string {
	schema, name := SplitTableName(table, "")
	if schema == "" {
		return d.Quote(name)
	}
	return d.Quote(schema) + "." + d.Quote(name)
}

// SplitTableName splits "schema.table" into its parts, substituting
// defaultSchema when the name is unqualified.
func SplitTableName(table, defaultSchema string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return defaultSchema, table
}

// SQLiteDialect describes the modernc sqlite driver.
func SQLiteDialect() Dialect {
	return Dialect{
		Name:              "sqlite",
		LimitSuffix:       "limit %d",
		SupportsRowNumber: true,
		// sqlite cannot name the columns of a values table alias, so the
		// inline-view strategy is unavailable.
		SupportsInlineViews: false,
		DefaultSchema:       "",
		columnsQuery: func(schema, table string) (string, []any) {
			return "select name from pragma_table_info(?)", []any{table}
		},
		pkQuery: func(schema, table string) (string, []any) {
			return "select name from pragma_table_info(?) where pk > 0 order by pk", []any{table}
		},
		tablesQuery: func(schema string) (string, []any) {
			return `select name from sqlite_master
				where type = 'table' and name not like 'sqlite_%'
				order by name`, nil
		},
	}
}

// PostgresDialect describes the pgx stdlib driver.
func PostgresDialect() Dialect {
	return Dialect{
		Name:                "postgres",
		LimitSuffix:         "limit %d",
		SupportsRowNumber:   true,
		SupportsInlineViews: true,
		InlineView: InlineViewStyle{
			Head: func(columns []string) string { return "(values " },
			Item: func(values []string, rowNr int) string {
				return "(" + strings.Join(values, ", ") + ")"
			},
			Separator: ", ",
			Terminator: func(alias string, columns []string) string {
				return fmt.Sprintf(") as %s(%s)", alias, strings.Join(columns, ", "))
			},
		},
		DefaultSchema: "public",
		columnsQuery: func(schema, table string) (string, []any) {
			return `select column_name from information_schema.columns
				where table_schema = $1 and table_name = $2
				order by ordinal_position`, []any{schema, table}
		},
		pkQuery: func(schema, table string) (string, []any) {
			return `select kc.column_name
				from information_schema.table_constraints tc
				join information_schema.key_column_usage kc
				  on tc.constraint_name = kc.constraint_name
				where tc.table_schema = $1 and tc.table_name = $2
				  and tc.constraint_type = 'PRIMARY KEY'
				order by kc.ordinal_position`, []any{schema, table}
		},
		tablesQuery: func(schema string) (string, []any) {
			return `select table_name from information_schema.tables
				where table_schema = $1 and table_type = 'BASE TABLE'
				order by table_name`, []any{schema}
		},
	}
}

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "sqlite":
		return SQLiteDialect(), nil
	case "pgx", "postgres":
		return PostgresDialect(), nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}
