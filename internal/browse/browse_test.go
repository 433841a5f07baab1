package browse

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/relbrowse/internal/cancel"
	"github.com/agentic-research/relbrowse/internal/dbsession"
	"github.com/agentic-research/relbrowse/internal/rows"
)

var (
	relOrders = &Relationship{
		Name:   "customer-orders",
		Source: "customers",
		Target: "orders",
		Join:   `B."id" = A."customer_id"`,
		Kind:   Child,
	}
	relItems = &Relationship{
		Name:   "order-items",
		Source: "orders",
		Target: "items",
		Join:   `B."id" = A."order_id"`,
		Kind:   Child,
	}
	relRegions = &Relationship{
		Name:   "customer-region",
		Source: "customers",
		Target: "regions",
		Join:   `B."region" = A."region"`,
		Kind:   Association,
	}
)

type env struct {
	t        *testing.T
	path     string
	registry *cancel.Registry
	session  dbsession.Session
	browser  *Browser
	loaded   chan *Node
	errs     chan error
}

// newEnv creates a browser over a seeded throwaway sqlite database. The
// session may be wrapped before the browser is built.
func newEnv(t *testing.T, seed func(t *testing.T, db *sql.DB), wrap func(s *dbsession.SQLSession) dbsession.Session) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, stmt := range []string{
		`create table customers (id integer primary key, name text, region text)`,
		`create table orders (id integer primary key, customer_id integer, total real)`,
		`create table items (id integer primary key, order_id integer, sku text)`,
		`create table regions (region text primary key, label text)`,
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}
	if seed != nil {
		seed(t, db)
	}
	require.NoError(t, db.Close())

	registry := cancel.NewRegistry()
	sqlSession, err := dbsession.Open("sqlite", path, registry)
	require.NoError(t, err)

	var session dbsession.Session = sqlSession
	if wrap != nil {
		session = wrap(sqlSession)
	}

	e := &env{
		t:        t,
		path:     path,
		registry: registry,
		session:  session,
		loaded:   make(chan *Node, 64),
		errs:     make(chan error, 64),
	}
	e.browser = New(Config{
		Session:  session,
		Registry: registry,
		OnContentChange: func(n *Node, rs []*rows.Row, final bool) {
			if final {
				e.loaded <- n
			}
		},
		OnError: func(n *Node, err error) {
			e.errs <- err
			e.loaded <- n
		},
	})
	t.Cleanup(func() {
		e.browser.Close()
		_ = sqlSession.Close()
	})
	return e
}

func (e *env) waitFor(n *Node) {
	e.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case m := <-e.loaded:
			if m == n {
				return
			}
		case <-deadline:
			e.t.Fatalf("node %s did not load in time", n.Table())
		}
	}
}

// exec applies a statement to the database behind the browser's back.
func (e *env) exec(stmt string, args ...any) {
	e.t.Helper()
	db, err := sql.Open("sqlite", e.path)
	require.NoError(e.t, err)
	defer func() { _ = db.Close() }()
	_, err = db.Exec(stmt, args...)
	require.NoError(e.t, err)
}

func seedCustomers(n int) func(t *testing.T, db *sql.DB) {
	return func(t *testing.T, db *sql.DB) {
		t.Helper()
		tx, err := db.Begin()
		require.NoError(t, err)
		for i := 1; i <= n; i++ {
			_, err = tx.Exec("insert into customers (id, name, region) values (?, ?, ?)", i, "c", "eu")
			require.NoError(t, err)
		}
		require.NoError(t, tx.Commit())
	}
}

func seedOrderWorld(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []string{
		`insert into regions values ('eu', 'Europe'), ('us', 'Americas')`,
		`insert into customers values (1, 'zed', 'eu'), (2, 'amy', 'eu'), (3, 'moe', 'us')`,
		`insert into orders values (10, 1, 9.5), (11, 1, 20.0), (12, 3, 1.25)`,
		`insert into items values (100, 10, 'sku-a'), (101, 10, 'sku-b'), (102, 12, 'sku-c')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func TestRootLoadHonorsLimit(t *testing.T) {
	e := newEnv(t, seedCustomers(60), nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	assert.Len(t, root.Rows(), 50)
	assert.True(t, root.LimitExceeded())
	assert.Equal(t, []string{"id", "name", "region"}, root.Columns())
	assert.Equal(t, []int{0}, root.PKIndexes())
	for i, r := range root.Rows() {
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, uint32(i), r.Seq)
	}
}

func TestRootLoadExactlyAtLimit(t *testing.T) {
	e := newEnv(t, seedCustomers(50), nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	assert.Len(t, root.Rows(), 50)
	assert.False(t, root.LimitExceeded())
}

func TestRootLoadAppliesFilter(t *testing.T) {
	e := newEnv(t, seedCustomers(20), nil)

	root, err := e.browser.OpenRoot("customers", `A."id" <= 5`, 50)
	require.NoError(t, err)
	e.waitFor(root)

	assert.Len(t, root.Rows(), 5)
	assert.False(t, root.LimitExceeded())
}

func TestChildRowsLinkToParents(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	child, err := root.OpenChild(relOrders, "", 50)
	require.NoError(t, err)
	e.waitFor(child)

	require.Len(t, child.Rows(), 3)
	var parentIdx []int
	for _, r := range child.Rows() {
		parentIdx = append(parentIdx, r.ParentIndex())
	}
	// Orders group by their parent's view position: both orders of
	// customer 1 before the order of customer 3.
	assert.Equal(t, []int{0, 0, 2}, parentIdx)

	assert.Len(t, child.linkedRows(`B."id"=1`), 2)
	assert.Empty(t, child.linkedRows(`B."id"=2`))
	assert.Len(t, child.linkedRows(`B."id"=3`), 1)
}

func TestOpenChildRejectsForeignRelationship(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	_, err = root.OpenChild(relItems, "", 50)
	assert.Error(t, err)
}

func TestSortColumnOrdersRows(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	root.SetSort(1, true) // by name
	root.ReloadRows("sort changed")
	e.waitFor(root)

	var names []string
	for _, r := range root.Rows() {
		names = append(names, r.Values[1].(string))
	}
	assert.Equal(t, []string{"amy", "moe", "zed"}, names)

	root.SetSort(1, false)
	root.ReloadRows("sort changed")
	e.waitFor(root)
	assert.Equal(t, "zed", root.Rows()[0].Values[1].(string))
}

func TestClosureFollowsSelection(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)
	orders, err := root.OpenChild(relOrders, "", 50)
	require.NoError(t, err)
	e.waitFor(orders)
	items, err := orders.OpenChild(relItems, "", 50)
	require.NoError(t, err)
	e.waitFor(items)

	// Customer 1 owns orders 10 and 11, and through them items 100-101.
	root.Select(0)
	closure := e.browser.Closure()

	selected := root.Rows()[0]
	assert.Equal(t, selected.NonEmptyID, closure.RootID())
	assert.True(t, closure.Contains(root, selected.NonEmptyID))

	for _, r := range orders.Rows() {
		want := r.ParentIndex() == 0
		assert.Equal(t, want, closure.Contains(orders, r.NonEmptyID), "order %s", r.ID)
		assert.Equal(t, want, closure.ContainsSeq(orders, r.Seq))
	}
	memberItems := 0
	for _, r := range items.Rows() {
		if closure.Contains(items, r.NonEmptyID) {
			memberItems++
		}
	}
	assert.Equal(t, 2, memberItems)

	// Selecting in a child marks the ancestor chain and walks backwards to
	// the parent row.
	orders.Select(2)
	assert.True(t, closure.OnPath(root))
	assert.True(t, closure.Contains(root, root.Rows()[2].NonEmptyID))

	root.Select(SelectNone)
	assert.Equal(t, 0, closure.Len())
	assert.Equal(t, "", closure.RootID())
}

func TestSelectAllMarksEveryRow(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)
	orders, err := root.OpenChild(relOrders, "", 50)
	require.NoError(t, err)
	e.waitFor(orders)

	root.Select(SelectAll)
	closure := e.browser.Closure()
	for _, r := range root.Rows() {
		assert.True(t, closure.Contains(root, r.NonEmptyID))
	}
	for _, r := range orders.Rows() {
		assert.True(t, closure.Contains(orders, r.NonEmptyID))
	}
	assert.Equal(t, "", closure.RootID())
}

func TestDistinctDeduplicatesSharedRows(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	regions, err := root.OpenChild(relRegions, "", 50)
	require.NoError(t, err)
	e.waitFor(regions)

	// Customers 1 and 2 share region eu: without distinct the row shows
	// once per parent.
	assert.Len(t, regions.Rows(), 3)
	assert.Equal(t, 2, regions.DistinctRows())
	assert.Equal(t, 1, regions.NonDistinctRows())

	regions.SetDistinct(true)
	regions.ReloadRows("distinct toggled")
	e.waitFor(regions)

	assert.Len(t, regions.Rows(), 2)
	assert.Equal(t, 2, regions.DistinctRows())
	assert.Equal(t, 1, regions.NonDistinctRows())
	// Both eu parents link to the one surviving row object.
	euFrom1 := regions.linkedRows(`B."id"=1`)
	euFrom2 := regions.linkedRows(`B."id"=2`)
	require.Len(t, euFrom1, 1)
	require.Len(t, euFrom2, 1)
	assert.Same(t, euFrom1[0], euFrom2[0])
}

func TestCanceledJobDoesNotPublish(t *testing.T) {
	e := newEnv(t, seedCustomers(10), nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)
	before := root.Rows()

	j := newLoadJob(root, "", false, 50, nil)
	j.Cancel()
	j.Cancel() // idempotent
	j.Run()

	e.browser.Apply().Wait()
	assert.Equal(t, before, root.Rows())
	assert.NoError(t, e.registry.Check(j), "registry entry must be reset")
	assert.False(t, j.Finished())
}

func TestSupersededJobDoesNotPublish(t *testing.T) {
	e := newEnv(t, seedCustomers(10), nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	// A job that is no longer the node's current job loads but must not
	// replace the rows.
	j := newLoadJob(root, `A."id" = 1`, false, 50, nil)
	j.Run()
	e.browser.Apply().Wait()

	assert.True(t, j.Finished())
	assert.Len(t, root.Rows(), 10)
}

func TestLoadErrorIsReported(t *testing.T) {
	e := newEnv(t, seedCustomers(5), nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	e.exec("drop table customers")
	root.ReloadRows("table dropped")
	e.waitFor(root)

	select {
	case err := <-e.errs:
		assert.Error(t, err)
	default:
		t.Fatal("expected a reported error")
	}
	require.NotNil(t, root.CurrentJob())
	assert.Error(t, root.CurrentJob().Err())
	assert.Empty(t, root.Rows())
}

func TestSelectReloadsLimitExceededChildren(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	orders, err := root.OpenChild(relOrders, "", 2)
	require.NoError(t, err)
	e.waitFor(orders)
	require.True(t, orders.LimitExceeded())
	firstJob := orders.CurrentJob()

	root.Select(0)
	e.waitFor(orders)
	assert.NotSame(t, firstJob, orders.CurrentJob())
}

func TestLoadFromSource(t *testing.T) {
	e := newEnv(t, seedCustomers(3), nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)

	src := &fakeSource{
		cols: []dbsession.ColumnMeta{{Name: "total"}, {Name: "label"}},
		rows: [][]any{
			{int64(1), "first"},
			{int64(2), "second"},
		},
	}
	root.LoadFromSource(src)
	e.waitFor(root)

	assert.Equal(t, []string{"total", "label"}, root.Columns())
	require.Len(t, root.Rows(), 2)
	assert.Equal(t, "1", root.Rows()[0].NonEmptyID)
	assert.Equal(t, []any{int64(2), "second"}, root.Rows()[1].Values)
	assert.Empty(t, root.PKIndexes())
}

type fakeSource struct {
	cols []dbsession.ColumnMeta
	rows [][]any
}

func (f *fakeSource) Read(reader dbsession.RowReader) error {
	if err := reader.Init(f.cols); err != nil {
		return err
	}
	for _, r := range f.rows {
		if err := reader.ReadRow(r); err != nil {
			return err
		}
	}
	return nil
}

func TestCloseDetachesNode(t *testing.T) {
	e := newEnv(t, seedOrderWorld, nil)

	root, err := e.browser.OpenRoot("customers", "", 50)
	require.NoError(t, err)
	e.waitFor(root)
	orders, err := root.OpenChild(relOrders, "", 50)
	require.NoError(t, err)
	e.waitFor(orders)

	root.Select(0)
	require.True(t, e.browser.Closure().Len() > 0)

	orders.Close()
	assert.Empty(t, root.Children())
	for _, r := range orders.Rows() {
		assert.False(t, e.browser.Closure().Contains(orders, r.NonEmptyID))
	}

	// Closing the root removes it from the browser and clears the closure
	// origin.
	root.Close()
	assert.Equal(t, 0, e.browser.Closure().Len())
}
