package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/relbrowse/internal/cancel"
)

// SQLSession implements Session over a database/sql pool. Reconnect swaps
// the pool; readers always act on the pool current at call time.
type SQLSession struct {
	mu      sync.Mutex
	db      *sql.DB
	driver  string
	dsn     string
	dialect Dialect

	registry *cancel.Registry

	silentMu sync.Mutex
	silent   bool
}

// Open opens a session for the given database/sql driver name ("sqlite" or
// "pgx") and DSN. The registry wires statement-level cancellation; it may
// be nil.
func Open(driver, dsn string, registry *cancel.Registry) (*SQLSession, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", driver, err)
	}
	return &SQLSession{
		db:       db,
		driver:   driver,
		dsn:      dsn,
		dialect:  dialect,
		registry: registry,
	}, nil
}

func (s *SQLSession) current() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *SQLSession) Dialect() Dialect { return s.dialect }

// SetSilent suppresses query failure logging while strategy probes run.
func (s *SQLSession) SetSilent(silent bool) {
	s.silentMu.Lock()
	s.silent = silent
	s.silentMu.Unlock()
}

func (s *SQLSession) isSilent() bool {
	s.silentMu.Lock()
	defer s.silentMu.Unlock()
	return s.silent
}

// ExecuteQuery runs query and streams up to limit rows into reader.
func (s *SQLSession) ExecuteQuery(handle any, query string, reader RowReader, limit int) error {
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	if s.registry != nil && handle != nil {
		if err := s.registry.Check(handle); err != nil {
			return err
		}
		s.registry.OnCancel(handle, cancelFn)
		defer s.registry.ClearAbort(handle)
	}

	rows, err := s.current().QueryContext(ctx, query)
	if err != nil {
		return s.queryError(handle, query, err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return s.queryError(handle, query, err)
	}
	cols := make([]ColumnMeta, len(types))
	for i, t := range types {
		cols[i] = ColumnMeta{Name: t.Name(), TypeName: t.DatabaseTypeName()}
	}
	if err := reader.Init(cols); err != nil {
		return err
	}

	count := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return s.queryError(handle, query, err)
		}
		if err := reader.ReadRow(values); err != nil {
			return err
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return s.queryError(handle, query, err)
	}
	return nil
}

// queryError maps statement aborts caused by cancellation onto the
// cancellation sentinel and logs everything else unless silent.
func (s *SQLSession) queryError(handle any, query string, err error) error {
	if errors.Is(err, context.Canceled) {
		return cancel.ErrCanceled
	}
	if s.registry != nil && handle != nil {
		if cerr := s.registry.Check(handle); cerr != nil {
			return cerr
		}
	}
	if !s.isSilent() {
		log.Printf("dbsession: query failed: %v (%s)", err, truncateQuery(query))
	}
	return fmt.Errorf("execute query: %w", err)
}

func truncateQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 200 {
		return q[:200] + "..."
	}
	return q
}

// IsConnectionValid probes the pool.
func (s *SQLSession) IsConnectionValid() bool {
	return s.current().Ping() == nil
}

// Reconnect closes the pool and opens a fresh one against the same DSN.
func (s *SQLSession) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.db.Close()
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("reconnect ping: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the pool.
func (s *SQLSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PhysicalColumns returns the columns present in the physical table.
func (s *SQLSession) PhysicalColumns(table string) ([]string, error) {
	schema, name := SplitTableName(table, s.dialect.DefaultSchema)
	query, args := s.dialect.columnsQuery(schema, name)
	return s.stringColumn(query, args)
}

// Tables lists the user tables of the default schema.
func (s *SQLSession) Tables() ([]string, error) {
	query, args := s.dialect.tablesQuery(s.dialect.DefaultSchema)
	return s.stringColumn(query, args)
}

// PrimaryKeyColumns returns the table's primary key columns in key order.
func (s *SQLSession) PrimaryKeyColumns(table string) ([]string, error) {
	schema, name := SplitTableName(table, s.dialect.DefaultSchema)
	query, args := s.dialect.pkQuery(schema, name)
	return s.stringColumn(query, args)
}

func (s *SQLSession) stringColumn(query string, args []any) ([]string, error) {
	rows, err := s.current().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
