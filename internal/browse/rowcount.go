package browse

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentic-research/relbrowse/internal/dbsession"
	"github.com/agentic-research/relbrowse/internal/rows"
)

const (
	// maxRowCount caps background counts; anything beyond it is reported as
	// an inexact lower bound.
	maxRowCount = 1000

	countCacheSize = 512
	countCacheTTL  = 5 * time.Minute
)

// RowCount is the outcome of a background count. Count -1 means the count
// failed. Exact is false for failures and for counts cut off at maxRowCount.
type RowCount struct {
	Count int64
	Exact bool
}

// countCache memoizes per-node relationship counts with a time bound, and
// coalesces concurrent requests for the same key into a single queue task.
type countCache struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, RowCount]
	pending map[string][]func(RowCount)
}

func newCountCache() *countCache {
	return &countCache{
		lru:     expirable.NewLRU[string, RowCount](countCacheSize, nil, countCacheTTL),
		pending: make(map[string][]func(RowCount)),
	}
}

// purge drops every cached count. Pending tasks stay pending; they will
// count against the fresh data and repopulate the cache.
func (c *countCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// CountRows delivers the number of rows related to row through rel, from
// cache when fresh, otherwise via a background task at the relationship
// kind's priority. A nil row counts over all currently loaded rows of the
// node. deliver runs on the apply context, exactly once.
func (n *Node) CountRows(row *rows.Row, rel *Relationship, deliver func(RowCount)) {
	key := rel.Name
	if row != nil {
		key += "|" + row.NonEmptyID
	}

	c := n.counts
	c.mu.Lock()
	if rc, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		n.browser.apply.Post(func() { deliver(rc) })
		return
	}
	waiting := len(c.pending[key])
	c.pending[key] = append(c.pending[key], deliver)
	c.mu.Unlock()
	if waiting > 0 {
		// A task for this key is already scheduled.
		return
	}

	n.browser.queue.Add(rel.Kind.CountPriority(), func() {
		rc := n.countRows(row, rel)
		c.mu.Lock()
		c.lru.Add(key, rc)
		callbacks := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		for _, cb := range callbacks {
			cb := cb
			n.browser.apply.Post(func() { cb(rc) })
		}
	})
}

// countRows runs the count query on the calling worker. Reads at most
// maxRowCount+1 rows; errors collapse to the failure value.
func (n *Node) countRows(row *rows.Row, rel *Relationship) RowCount {
	d := n.browser.session.Dialect()

	var sb strings.Builder
	sb.WriteString("Select 1 From " + d.QualifiedTable(rel.Source) + " B join " +
		d.QualifiedTable(rel.Target) + " A on " + rel.Join)
	if row != nil {
		if row.ID == "" {
			return RowCount{Count: -1}
		}
		sb.WriteString(" Where (" + row.ID + ")")
	} else {
		current := n.Rows()
		if len(current) == 0 {
			return RowCount{Count: 0, Exact: true}
		}
		for i, r := range current {
			if r.ID == "" {
				return RowCount{Count: -1}
			}
			if i == 0 {
				sb.WriteString(" Where ((")
			} else {
				sb.WriteString(" or (")
			}
			sb.WriteString(r.ID)
			sb.WriteString(")")
		}
		sb.WriteString(")")
	}

	handle := new(int)
	reader := &countReader{}
	err := n.browser.session.ExecuteQuery(handle, sb.String(), reader, maxRowCount+1)
	n.browser.registry.Reset(handle)
	if err != nil {
		log.Printf("browse: count of %s failed: %v", rel.Name, err)
		return RowCount{Count: -1}
	}
	if reader.n > maxRowCount {
		return RowCount{Count: maxRowCount, Exact: false}
	}
	return RowCount{Count: int64(reader.n), Exact: true}
}

type countReader struct {
	n int
}

func (r *countReader) Init([]dbsession.ColumnMeta) error { return nil }

func (r *countReader) ReadRow([]any) error {
	r.n++
	return nil
}
