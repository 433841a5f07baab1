package dbsession

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/relbrowse/internal/cancel"
)

func newTestDB(t *testing.T) (string, *cancel.Registry, *SQLSession) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`create table customers (
		id integer primary key,
		name text,
		note text,
		avatar blob
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`create table orders (
		id integer primary key,
		customer_id integer,
		total real
	)`)
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		_, err = db.Exec("insert into customers (id, name) values (?, ?)", i, "c")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	registry := cancel.NewRegistry()
	session, err := Open("sqlite", path, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return path, registry, session
}

type collectReader struct {
	cols []ColumnMeta
	rows [][]any
}

func (c *collectReader) Init(cols []ColumnMeta) error { c.cols = cols; return nil }
func (c *collectReader) ReadRow(values []any) error {
	c.rows = append(c.rows, append([]any(nil), values...))
	return nil
}

func TestExecuteQueryStopsAtLimit(t *testing.T) {
	_, _, session := newTestDB(t)

	r := &collectReader{}
	err := session.ExecuteQuery(nil, `Select A."id" AS A0 From "customers" A`, r, 4)
	require.NoError(t, err)
	assert.Len(t, r.rows, 4)
	require.Len(t, r.cols, 1)
	assert.Equal(t, "A0", r.cols[0].Name)
}

func TestExecuteQueryCanceledHandle(t *testing.T) {
	_, registry, session := newTestDB(t)

	h := new(int)
	registry.Cancel(h)
	r := &collectReader{}
	err := session.ExecuteQuery(h, `Select 1`, r, 0)
	assert.ErrorIs(t, err, cancel.ErrCanceled)
	assert.Empty(t, r.rows)
}

func TestMetadataProbes(t *testing.T) {
	_, _, session := newTestDB(t)

	tables, err := session.Tables()
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, tables)

	cols, err := session.PhysicalColumns("customers")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "note", "avatar"}, cols)

	pk, err := session.PrimaryKeyColumns("orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, pk)

	missing, err := session.PhysicalColumns("nonexistent")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestReconnectKeepsWorking(t *testing.T) {
	_, _, session := newTestDB(t)

	assert.True(t, session.IsConnectionValid())
	require.NoError(t, session.Reconnect())

	r := &collectReader{}
	require.NoError(t, session.ExecuteQuery(nil, `Select count(*) From "customers"`, r, 0))
	require.Len(t, r.rows, 1)
	assert.EqualValues(t, 10, r.rows[0][0])
}

func TestLiteralRendering(t *testing.T) {
	sqlite := SQLiteDialect()
	pg := PostgresDialect()

	assert.Equal(t, "null", sqlite.Literal(nil))
	assert.Equal(t, "'O''Brien'", sqlite.Literal("O'Brien"))
	assert.Equal(t, "42", sqlite.Literal(int64(42)))
	assert.Equal(t, "true", sqlite.Literal(true))
	assert.Equal(t, "1.5", sqlite.Literal(1.5))
	assert.Equal(t, "X'00ff'", sqlite.Literal([]byte{0x00, 0xff}))
	assert.Equal(t, `'\x00ff'`, pg.Literal([]byte{0x00, 0xff}))

	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "'2026-03-01 12:30:00'", sqlite.Literal(ts))
}

func TestIdentifierQuoting(t *testing.T) {
	d := SQLiteDialect()

	assert.Equal(t, `"name"`, d.Quote("name"))
	assert.Equal(t, `"name"`, d.Quote(`"name"`))
	assert.Equal(t, `"a""b"`, d.Quote(`a"b`))
	assert.Equal(t, "name", d.Unquote(`"name"`))
	assert.Equal(t, `a"b`, d.Unquote(`"a""b"`))

	assert.Equal(t, `"orders"`, d.QualifiedTable("orders"))
	assert.Equal(t, `"main"."orders"`, d.QualifiedTable("main.orders"))

	schema, name := SplitTableName("orders", "public")
	assert.Equal(t, "public", schema)
	assert.Equal(t, "orders", name)
	schema, name = SplitTableName("crm.orders", "public")
	assert.Equal(t, "crm", schema)
	assert.Equal(t, "orders", name)
}

func TestDialectForDriver(t *testing.T) {
	d, err := DialectForDriver("sqlite")
	require.NoError(t, err)
	assert.False(t, d.SupportsInlineViews)

	d, err = DialectForDriver("pgx")
	require.NoError(t, err)
	assert.True(t, d.SupportsInlineViews)
	assert.Equal(t, "public", d.DefaultSchema)

	_, err = DialectForDriver("oracle")
	assert.Error(t, err)
}
