package browse

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/agentic-research/relbrowse/internal/rows"
)

// Node is one level of the browser tree: rows of a table related to the
// rows of its parent node through a relationship. The visible row slice is
// replaced wholesale under the lock, never mutated in place, so readers see
// either the old list or the new one.
type Node struct {
	browser *Browser

	table string
	rel   *Relationship
	limit int

	mu         sync.Mutex
	parent     *Node
	children   []*Node
	rows       []*rows.Row
	columns    []string
	pkColumns  []string
	pkIndexes  []int
	links      map[string][]*rows.Row
	filter     string
	distinct   bool
	sortCol    int
	sortAsc    bool
	selection  int
	currentJob *LoadJob
	closed     bool

	limitExceeded        bool
	closureLimitExceeded bool
	distinctRows         int
	nonDistinctRows      int

	counts      *countCache
	closureRule ClosureRule
	onReload    func()
}

// OpenRoot opens a root node over table. Column and primary key metadata
// are probed once; an initial reload is enqueued.
func (b *Browser) OpenRoot(table, filter string, limit int) (*Node, error) {
	n, err := b.newNode(table, nil, nil, filter, limit)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.roots = append(b.roots, n)
	b.mu.Unlock()
	n.ReloadRows("opened")
	return n, nil
}

// OpenChild opens a child node below n through rel. rel.Source must be n's
// table.
func (n *Node) OpenChild(rel *Relationship, filter string, limit int) (*Node, error) {
	if rel.Source != n.table {
		return nil, fmt.Errorf("relationship %s does not start at %s", rel.Name, n.table)
	}
	child, err := n.browser.newNode(rel.Target, rel, n, filter, limit)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.children = append(n.children, child)
	n.mu.Unlock()
	child.ReloadRows("opened")
	return child, nil
}

func (b *Browser) newNode(table string, rel *Relationship, parent *Node, filter string, limit int) (*Node, error) {
	if limit <= 0 {
		limit = 500
	}
	columns, err := b.session.PhysicalColumns(table)
	if err != nil {
		return nil, fmt.Errorf("probe columns of %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}
	pk, err := b.session.PrimaryKeyColumns(table)
	if err != nil {
		return nil, fmt.Errorf("probe primary key of %s: %w", table, err)
	}
	n := &Node{
		browser:     b,
		table:       table,
		rel:         rel,
		parent:      parent,
		limit:       limit,
		columns:     columns,
		pkColumns:   pk,
		links:       make(map[string][]*rows.Row),
		filter:      filter,
		sortCol:     -1,
		sortAsc:     true,
		selection:   SelectNone,
		counts:      newCountCache(),
		closureRule: linkRule{},
	}
	n.derivePKIndexes()
	return n, nil
}

// Close cancels the node's job, closes descendants recursively and detaches
// the node from the tree and the closure.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	job := n.currentJob
	n.currentJob = nil
	children := append([]*Node(nil), n.children...)
	n.children = nil
	parent := n.parent
	n.mu.Unlock()

	if job != nil {
		job.Cancel()
	}
	for _, c := range children {
		c.Close()
	}
	if parent != nil {
		parent.removeChild(n)
	} else {
		n.browser.removeRoot(n)
	}
	n.browser.closure.forget(n)
	n.counts.purge()
}

func (n *Node) removeChild(c *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, x := range n.children {
		if x == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

func (b *Browser) removeRoot(n *Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.roots {
		if x == n {
			b.roots = append(b.roots[:i], b.roots[i+1:]...)
			return
		}
	}
}

// Table returns the browsed table name.
func (n *Node) Table() string { return n.table }

// Relationship returns the edge to the parent node, nil for roots.
func (n *Node) Relationship() *Relationship { return n.rel }

// ParentNode returns the parent node, nil for roots.
func (n *Node) ParentNode() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

// Children returns a snapshot of the child nodes.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.children...)
}

// Rows returns the current visible row set.
func (n *Node) Rows() []*rows.Row {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rows
}

func (n *Node) rowAt(i int) *rows.Row {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 0 || i >= len(n.rows) {
		return nil
	}
	return n.rows[i]
}

// Columns returns the declared column names.
func (n *Node) Columns() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.columns...)
}

// PKIndexes returns the column indices of the primary key columns.
func (n *Node) PKIndexes() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.pkIndexes...)
}

// LimitExceeded reports whether the last load was cut off by the row limit.
func (n *Node) LimitExceeded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.limitExceeded
}

// ClosureLimitExceeded reports whether the cut-off dropped rows belonging
// to closure-member parents.
func (n *Node) ClosureLimitExceeded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closureLimitExceeded
}

// DistinctRows and NonDistinctRows report the dedup statistics of the last
// load for display.
func (n *Node) DistinctRows() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.distinctRows
}

func (n *Node) NonDistinctRows() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonDistinctRows
}

// SetDistinct toggles select-distinct for subsequent reloads.
func (n *Node) SetDistinct(distinct bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.distinct = distinct
}

// SetFilter replaces the filter predicate for subsequent reloads.
func (n *Node) SetFilter(filter string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = filter
}

// SetSort sets the node's view ordering: newly loaded rows of one parent
// group are ordered by this column. col -1 disables sorting.
func (n *Node) SetSort(col int, asc bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sortCol = col
	n.sortAsc = asc
}

// SetOnReloadAction chains fn to run on the apply context after every
// successful reload.
func (n *Node) SetOnReloadAction(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev := n.onReload; prev != nil {
		n.onReload = func() { prev(); fn() }
	} else {
		n.onReload = fn
	}
}

// linkedRows returns the rows of this node produced by the parent row with
// the given surrogate id.
func (n *Node) linkedRows(parentID string) []*rows.Row {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[parentID]
}

// ReloadRows cancels the current load job, if any, and enqueues a new one.
// Exactly one job per node is current at a time.
func (n *Node) ReloadRows(cause string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	prev := n.currentJob
	job := newLoadJob(n, n.filter, n.distinct, n.limit, nil)
	n.currentJob = job
	n.rows = nil
	n.links = make(map[string][]*rows.Row)
	n.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	_ = cause
	n.browser.queue.Enqueue(job)
}

// LoadFromSource reloads the node from an external row source instead of
// querying the session.
func (n *Node) LoadFromSource(src RowSource) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	prev := n.currentJob
	job := newLoadJob(n, "", false, n.limit, src)
	n.currentJob = job
	n.rows = nil
	n.links = make(map[string][]*rows.Row)
	n.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	n.browser.queue.Enqueue(job)
}

// CurrentJob returns the job started by the most recent reload.
func (n *Node) CurrentJob() *LoadJob {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentJob
}

// Select sets the current row selection and recomputes the closure. Index
// SelectNone clears it, SelectAll widens it to every row. A concrete
// selection also reloads descendants whose last load hit the row limit, so
// the closure is computed over complete data.
func (n *Node) Select(index int) {
	n.mu.Lock()
	n.selection = index
	n.mu.Unlock()
	n.browser.closure.Select(n, index)
	if index >= 0 {
		n.reloadChildrenIfLimitExceeded()
	}
}

// Selection returns the current selection index.
func (n *Node) Selection() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selection
}

func (n *Node) reloadChildrenIfLimitExceeded() {
	for _, c := range n.Children() {
		if c.LimitExceeded() {
			c.ReloadRows("rows limit exceeded")
		} else {
			c.reloadChildrenIfLimitExceeded()
		}
	}
}

// derivePKIndexes recomputes the column positions of the primary key.
// Caller holds n.mu or has exclusive access.
func (n *Node) derivePKIndexes() {
	n.pkIndexes = n.pkIndexes[:0]
	for _, pk := range n.pkColumns {
		for i, c := range n.columns {
			if c == pk {
				n.pkIndexes = append(n.pkIndexes, i)
				break
			}
		}
	}
}

// applyLoadJob publishes a finished job's result. Runs on the apply
// context, never on a worker.
func (n *Node) applyLoadJob(j *LoadJob) {
	j.mu.Lock()
	if j.canceled && !j.finished {
		j.mu.Unlock()
		return
	}
	err := j.err
	result := j.rows
	limitExceeded := false
	for len(result) > j.limit {
		limitExceeded = true
		result = result[:len(result)-1]
	}
	closureLimit := j.closureLimitExceeded
	parentSnapshot := j.parentSnapshot
	distinct, nonDistinct := j.distinctRows, j.nonDistinctRows
	j.canceled = true // done; a late Cancel must not touch the registry
	j.mu.Unlock()

	// A superseded job must not publish.
	n.mu.Lock()
	current := n.currentJob == j
	n.mu.Unlock()
	if !current {
		return
	}

	if err != nil {
		n.browser.reportError(n, err)
		return
	}

	sortByParentViewIndex(result, n.ParentNode(), parentSnapshot)

	n.browser.contentChanged(n, nil, false)

	n.mu.Lock()
	for i, r := range result {
		r.Seq = uint32(i)
	}
	n.rows = result
	n.links = j.links
	n.limitExceeded = limitExceeded
	n.closureLimitExceeded = closureLimit
	n.distinctRows = distinct
	n.nonDistinctRows = nonDistinct
	if len(j.resultColumns) > 0 {
		n.columns = j.resultColumns
	}
	n.derivePKIndexes()
	onReload := n.onReload
	n.mu.Unlock()

	if n.ParentNode() != nil {
		n.browser.closure.Append(n)
	}
	n.browser.closure.Refresh()

	n.browser.contentChanged(n, result, true)
	if onReload != nil {
		onReload()
	}
}

// sortByParentViewIndex stable-sorts rows by the view position of the
// parent row that produced them; rows whose parent position cannot be
// resolved sort last.
func sortByParentViewIndex(result []*rows.Row, parent *Node, snapshot []*rows.Row) {
	if parent == nil || len(snapshot) == 0 {
		return
	}
	viewPos := make(map[string]int)
	for i, pr := range parent.Rows() {
		viewPos[pr.NonEmptyID] = i
	}
	pos := func(r *rows.Row) int {
		pi := r.ParentIndex()
		if pi < 0 || pi >= len(snapshot) {
			return math.MaxInt
		}
		if p, ok := viewPos[snapshot[pi].NonEmptyID]; ok {
			return p
		}
		return math.MaxInt
	}
	sort.SliceStable(result, func(a, b int) bool {
		return pos(result[a]) < pos(result[b])
	})
}
