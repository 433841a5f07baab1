// Package dbsession provides the narrow database access surface the browse
// engine consumes: query execution with a row-reader callback, connection
// health/reconnect, silent-error mode and metadata discovery, over
// database/sql with the sqlite (modernc) and pgx (stdlib) drivers.
package dbsession

// ColumnMeta describes one result column.
type ColumnMeta struct {
	Name     string
	TypeName string
}

// RowReader consumes a result cursor row by row. Init is called once with
// the result's column metadata before the first ReadRow.
type RowReader interface {
	Init(cols []ColumnMeta) error
	ReadRow(values []any) error
}

// Session is the data access collaborator. Implementations must be safe for
// concurrent use; the engine issues queries from multiple worker goroutines.
type Session interface {
	// ExecuteQuery runs the query and streams up to limit rows (0 = no
	// limit) into reader. handle identifies the job for the cancellation
	// registry: cancelling the handle aborts the in-flight statement, and
	// ExecuteQuery returns cancel.ErrCanceled.
	ExecuteQuery(handle any, query string, reader RowReader, limit int) error

	// IsConnectionValid probes connection health without side effects.
	IsConnectionValid() bool

	// Reconnect tears down and reestablishes the connection pool.
	Reconnect() error

	// SetSilent suppresses failure logging while strategy probing runs;
	// probe failures are expected and handled by fallback.
	SetSilent(silent bool)

	// PrimaryKeyColumns returns the table's primary key columns in order.
	PrimaryKeyColumns(table string) ([]string, error)

	// PhysicalColumns returns the columns actually present in the table.
	PhysicalColumns(table string) ([]string, error)

	Dialect() Dialect
}
