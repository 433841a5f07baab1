// Package browse implements the asynchronous row-browsing engine: a tree of
// browser nodes over a live relational database, loaded by cancellable jobs
// on a shared priority queue, with closure tracking across the tree and
// time-bounded row counts for navigation.
package browse

import (
	"sync"

	"github.com/agentic-research/relbrowse/internal/cancel"
	"github.com/agentic-research/relbrowse/internal/dbsession"
	"github.com/agentic-research/relbrowse/internal/rows"
	"github.com/agentic-research/relbrowse/internal/schedule"
)

// Kind classifies a relationship for count-task prioritization.
type Kind int

const (
	Parent Kind = iota
	Child
	Association
	Detached
)

// CountPriority returns the scheduler priority of a background row count
// for this relationship kind. Parent counts run first, then children, then
// associated/detached.
func (k Kind) CountPriority() int {
	switch k {
	case Parent:
		return 90
	case Child:
		return 80
	default:
		return 70
	}
}

func (k Kind) String() string {
	switch k {
	case Parent:
		return "parent"
	case Child:
		return "child"
	case Association:
		return "association"
	default:
		return "detached"
	}
}

// Relationship is one navigable edge of the data model: rows of Target
// related to rows of Source through Join.
type Relationship struct {
	Name   string
	Source string
	Target string
	// Join is the join condition over alias B (source side) and alias A
	// (target side), e.g. "B.id = A.customer_id".
	Join string
	Kind Kind
}

// Config assembles a Browser. Session and Registry are required; callbacks
// may be nil.
type Config struct {
	Session  dbsession.Session
	Registry *cancel.Registry

	// Workers is the number of queue workers (default 2).
	Workers int

	// OnContentChange fires on the apply context, once with the empty set
	// before a node's rows change and once with the final set after.
	OnContentChange func(n *Node, rs []*rows.Row, final bool)

	// OnError surfaces a reported load error, once, after result
	// application.
	OnError func(n *Node, err error)

	// OnRedraw fires after every closure recomputation.
	OnRedraw func()
}

// Browser is the process-wide engine state: the session, the task queue,
// the serialized apply context, the cancellation registry and the closure
// tracker. Construct with New, tear down with Close.
type Browser struct {
	session  dbsession.Session
	registry *cancel.Registry
	queue    *schedule.Queue
	apply    *schedule.Serializer
	closure  *ClosureSet

	onContentChange func(n *Node, rs []*rows.Row, final bool)
	onError         func(n *Node, err error)
	onRedraw        func()

	mu    sync.Mutex
	roots []*Node
}

func New(cfg Config) *Browser {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	registry := cfg.Registry
	if registry == nil {
		registry = cancel.NewRegistry()
	}
	b := &Browser{
		session:         cfg.Session,
		registry:        registry,
		queue:           schedule.NewQueue(),
		apply:           schedule.NewSerializer(),
		onContentChange: cfg.OnContentChange,
		onError:         cfg.OnError,
		onRedraw:        cfg.OnRedraw,
	}
	b.closure = newClosureSet(b)
	b.queue.Start(workers)
	return b
}

// Close cancels every node's in-flight job and stops the workers and the
// apply context.
func (b *Browser) Close() {
	b.mu.Lock()
	roots := append([]*Node(nil), b.roots...)
	b.mu.Unlock()
	for _, n := range roots {
		n.Close()
	}
	b.queue.Close()
	b.apply.Close()
}

// Session returns the data session.
func (b *Browser) Session() dbsession.Session { return b.session }

// Registry returns the cancellation registry.
func (b *Browser) Registry() *cancel.Registry { return b.registry }

// Closure returns the closure tracker.
func (b *Browser) Closure() *ClosureSet { return b.closure }

// Queue exposes the shared task queue (row-count work enqueues here).
func (b *Browser) Queue() *schedule.Queue { return b.queue }

// Apply exposes the serialized apply context. Consumers needing to read
// node state consistently with content-change callbacks post here.
func (b *Browser) Apply() *schedule.Serializer { return b.apply }

func (b *Browser) contentChanged(n *Node, rs []*rows.Row, final bool) {
	if b.onContentChange != nil {
		b.onContentChange(n, rs, final)
	}
}

func (b *Browser) reportError(n *Node, err error) {
	if b.onError != nil {
		b.onError(n, err)
	}
}

func (b *Browser) redraw() {
	if b.onRedraw != nil {
		b.onRedraw()
	}
}
