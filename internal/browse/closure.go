package browse

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/relbrowse/internal/rows"
)

// Selection index sentinels.
const (
	// SelectNone clears the closure.
	SelectNone = -1
	// SelectAll treats every row of the node as a selection root for
	// highlighting, without enqueueing further count work.
	SelectAll = -2
)

// ClosureRule is the per-node capability deciding which rows are locally
// reachable from a given row. Injected per node variant rather than
// inherited.
type ClosureRule interface {
	// Neighbors returns the rows directly reachable from row in node n.
	// With forward true only descendant edges are followed; otherwise both
	// the parent edge and the child edges are.
	Neighbors(n *Node, row *rows.Row, forward bool) []RowRef
}

// RowRef addresses one row in one node.
type RowRef struct {
	Node *Node
	Row  *rows.Row
}

// linkRule is the default closure rule: forward reachability follows the
// row links recorded by the loader (parent surrogate id to child rows),
// backward reachability follows the parent-index annotation.
type linkRule struct{}

func (linkRule) Neighbors(n *Node, row *rows.Row, forward bool) []RowRef {
	var out []RowRef
	for _, c := range n.Children() {
		for _, cr := range c.linkedRows(row.NonEmptyID) {
			out = append(out, RowRef{Node: c, Row: cr})
		}
	}
	if forward {
		return out
	}
	if p := n.ParentNode(); p != nil {
		if pi := row.ParentIndex(); pi >= 0 {
			if pr := p.rowAt(pi); pr != nil {
				out = append(out, RowRef{Node: p, Row: pr})
			}
		}
	}
	return out
}

type pairKey struct {
	node *Node
	id   string
}

// ClosureSet tracks the set of (node, row surrogate id) pairs reachable
// from the current selection across the browser tree, plus the ancestor
// path of the selection. Recomputed wholesale on every selection change;
// read by rendering code for membership tests.
type ClosureSet struct {
	browser *Browser

	mu      sync.Mutex
	pairs   map[pairKey]struct{}
	path    map[*Node]struct{}
	rootID  string
	bitmaps map[*Node]*roaring.Bitmap

	// selection origin, for recomputation after a reload
	originNode  *Node
	originIndex int
}

func newClosureSet(b *Browser) *ClosureSet {
	return &ClosureSet{
		browser:     b,
		pairs:       make(map[pairKey]struct{}),
		path:        make(map[*Node]struct{}),
		bitmaps:     make(map[*Node]*roaring.Bitmap),
		originIndex: SelectNone,
	}
}

// Contains reports whether the row with the given surrogate id in node n is
// part of the closure.
func (c *ClosureSet) Contains(n *Node, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pairs[pairKey{node: n, id: id}]
	return ok
}

// ContainsSeq is the render fast path: membership by the row's sequence
// number within its node's current row set.
func (c *ClosureSet) ContainsSeq(n *Node, seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bm, ok := c.bitmaps[n]
	return ok && bm.Contains(seq)
}

// RootID returns the surrogate id of the selection root, empty when nothing
// is selected.
func (c *ClosureSet) RootID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootID
}

// OnPath reports whether n is an ancestor of the selected node.
func (c *ClosureSet) OnPath(n *Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.path[n]
	return ok
}

// Len returns the number of closure pairs.
func (c *ClosureSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

// Select recomputes the closure for the selection at index in node n.
// SelectNone clears it; SelectAll marks every row of n a root.
func (c *ClosureSet) Select(n *Node, index int) {
	refs := make(map[pairKey]*rows.Row)
	path := make(map[*Node]struct{})
	rootID := ""

	switch {
	case index == SelectNone || n == nil:
		// cleared below
	case index == SelectAll:
		for _, r := range n.Rows() {
			c.expand(RowRef{Node: n, Row: r}, refs, false)
		}
		for p := n.ParentNode(); p != nil; p = p.ParentNode() {
			path[p] = struct{}{}
		}
	default:
		r := n.rowAt(index)
		if r == nil {
			break
		}
		rootID = r.NonEmptyID
		c.expand(RowRef{Node: n, Row: r}, refs, false)
		for p := n.ParentNode(); p != nil; p = p.ParentNode() {
			path[p] = struct{}{}
		}
	}

	c.mu.Lock()
	c.originNode = n
	c.originIndex = index
	c.rootID = rootID
	c.path = path
	c.republish(refs)
	c.mu.Unlock()

	c.browser.redraw()
}

// Append extends the current closure with child's contribution: rows of
// child linked to closure members of its parent, expanded forward only.
// Used when a child node loads after the closure was computed.
func (c *ClosureSet) Append(child *Node) {
	parent := child.ParentNode()
	if parent == nil {
		return
	}

	c.mu.Lock()
	members := make([]string, 0)
	refs := make(map[pairKey]*rows.Row, len(c.pairs))
	for k := range c.pairs {
		if k.node == parent {
			members = append(members, k.id)
		}
	}
	c.mu.Unlock()

	for _, id := range members {
		for _, cr := range child.linkedRows(id) {
			c.expand(RowRef{Node: child, Row: cr}, refs, true)
		}
	}
	if len(refs) == 0 {
		return
	}

	c.mu.Lock()
	for k := range refs {
		c.pairs[k] = struct{}{}
	}
	c.rebuildBitmaps()
	c.mu.Unlock()

	c.browser.redraw()
}

// Refresh recomputes the closure from the stored selection origin. Called
// on the apply context after a node's rows were replaced.
func (c *ClosureSet) Refresh() {
	c.mu.Lock()
	n, idx := c.originNode, c.originIndex
	c.mu.Unlock()
	if n == nil || idx == SelectNone {
		return
	}
	c.Select(n, idx)
}

// expand walks reachability from ref using each visited node's closure
// rule, collecting pairs.
func (c *ClosureSet) expand(ref RowRef, into map[pairKey]*rows.Row, forward bool) {
	work := []RowRef{ref}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		k := pairKey{node: cur.Node, id: cur.Row.NonEmptyID}
		if _, seen := into[k]; seen {
			continue
		}
		into[k] = cur.Row
		work = append(work, cur.Node.closureRule.Neighbors(cur.Node, cur.Row, forward)...)
	}
}

// republish swaps in the new pair set and rebuilds the per-node bitmaps.
// Caller holds c.mu.
func (c *ClosureSet) republish(refs map[pairKey]*rows.Row) {
	c.pairs = make(map[pairKey]struct{}, len(refs))
	for k := range refs {
		c.pairs[k] = struct{}{}
	}
	c.rebuildBitmaps()
}

// rebuildBitmaps reindexes membership by row sequence number. Caller holds
// c.mu.
func (c *ClosureSet) rebuildBitmaps() {
	c.bitmaps = make(map[*Node]*roaring.Bitmap)
	byNode := make(map[*Node]map[string]struct{})
	for k := range c.pairs {
		ids, ok := byNode[k.node]
		if !ok {
			ids = make(map[string]struct{})
			byNode[k.node] = ids
		}
		ids[k.id] = struct{}{}
	}
	for n, ids := range byNode {
		bm := roaring.New()
		for _, r := range n.Rows() {
			if _, ok := ids[r.NonEmptyID]; ok {
				bm.Add(r.Seq)
			}
		}
		c.bitmaps[n] = bm
	}
}

// forget drops all state referring to a closed node. Caller must not hold
// c.mu.
func (c *ClosureSet) forget(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.pairs {
		if k.node == n {
			delete(c.pairs, k)
		}
	}
	delete(c.path, n)
	delete(c.bitmaps, n)
	if c.originNode == n {
		c.originNode = nil
		c.originIndex = SelectNone
		c.rootID = ""
	}
}
