package browse

import (
	"log"
	"sync"

	"github.com/agentic-research/relbrowse/internal/cancel"
	"github.com/agentic-research/relbrowse/internal/dbsession"
	"github.com/agentic-research/relbrowse/internal/rows"
	"github.com/agentic-research/relbrowse/internal/schedule"
)

// loadJobPriority places reloads above row-count lookups on the queue.
const loadJobPriority = 100

// RowSource supplies externally produced rows to a load job in place of a
// query (e.g. the result of an ad-hoc statement).
type RowSource interface {
	Read(reader dbsession.RowReader) error
}

// LoadJob is one cancellable reload of a node's visible rows. At most one
// job is current per node; starting a new reload cancels and supersedes the
// previous one. Cancellation is cooperative: an in-flight fetch may run to
// completion on its worker, but its result application is skipped.
type LoadJob struct {
	node     *Node
	cond     string
	distinct bool
	limit    int
	input    RowSource

	mu       sync.Mutex
	rows     []*rows.Row
	links    map[string][]*rows.Row
	err      error
	canceled bool
	finished bool

	closureLimitExceeded bool
	distinctRows         int
	nonDistinctRows      int
	parentSnapshot       []*rows.Row
	resultColumns        []string
}

var _ schedule.Task = (*LoadJob)(nil)

func newLoadJob(n *Node, cond string, distinct bool, limit int, input RowSource) *LoadJob {
	return &LoadJob{
		node:     n,
		cond:     cond,
		distinct: distinct,
		limit:    limit,
		input:    input,
		links:    make(map[string][]*rows.Row),
	}
}

// Priority implements schedule.Task.
func (j *LoadJob) Priority() int { return loadJobPriority }

// Run executes the job on a queue worker: one fetch with limit+1 rows, one
// reconnect-and-retry cycle on a non-cancellation error, then a serialized
// apply step. Cancellation exits silently at every stage.
func (j *LoadJob) Run() {
	registry := j.node.browser.registry

	j.mu.Lock()
	if j.canceled {
		j.mu.Unlock()
		registry.Reset(j)
		return
	}
	limit := j.limit
	j.mu.Unlock()

	// Rows are about to be replaced; cached counts are no longer valid.
	j.node.counts.purge()

	if j.parentSnapshot == nil {
		if p := j.node.ParentNode(); p != nil {
			j.parentSnapshot = p.Rows()
		}
	}

	err := j.node.loadRows(j, limit+1)
	if err == nil {
		err = j.CheckCancellation()
	}
	if cancel.IsCanceled(err) {
		log.Printf("browse: load of %s cancelled", j.node.Table())
		registry.Reset(j)
		return
	}

	if err != nil {
		// One recovery cycle: reconnect if the connection went bad, then
		// retry the fetch once.
		j.node.counts.purge()
		j.reconnectIfInvalid()
		err = j.node.loadRows(j, limit+1)
		if err == nil {
			err = j.CheckCancellation()
		}
		if cancel.IsCanceled(err) {
			log.Printf("browse: load of %s cancelled", j.node.Table())
			registry.Reset(j)
			return
		}
	}

	j.mu.Lock()
	if err != nil {
		j.err = err
	} else {
		j.finished = true
	}
	j.mu.Unlock()

	// Final health probe without retrying the fetch.
	j.reconnectIfInvalid()
	registry.Reset(j)

	j.node.browser.apply.Post(func() { j.node.applyLoadJob(j) })
}

// reconnectIfInvalid reestablishes the session when the connection is no
// longer valid. Reports whether a reconnect happened.
func (j *LoadJob) reconnectIfInvalid() bool {
	if j.input != nil {
		return false
	}
	session := j.node.browser.session
	if session.IsConnectionValid() {
		return false
	}
	if err := session.Reconnect(); err != nil {
		log.Printf("browse: reconnect failed: %v", err)
		return false
	}
	return true
}

// Cancel requests cooperative cancellation. Idempotent; cancelling a
// finished job does nothing further.
func (j *LoadJob) Cancel() {
	j.mu.Lock()
	if j.canceled {
		j.mu.Unlock()
		return
	}
	j.canceled = true
	finished := j.finished
	j.mu.Unlock()
	if finished {
		return
	}
	j.node.browser.registry.Cancel(j)
}

// CheckCancellation is the cooperative checkpoint used by nested loaders:
// it returns cancel.ErrCanceled once the registry shows this job cancelled.
func (j *LoadJob) CheckCancellation() error {
	return j.node.browser.registry.Check(j)
}

// Err returns the reported error, nil on success or cancellation.
func (j *LoadJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Finished reports whether the fetch completed without error.
func (j *LoadJob) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}
