// Package schedule provides the shared priority task queue that runs load
// jobs and row-count lookups, and the serialized apply context used to
// publish their results.
package schedule

import (
	"container/heap"
	"log"
	"sync"
)

// Task is a unit of work with a scheduling priority. Tasks with numerically
// larger priority run before tasks with smaller priority; equal priorities
// run in enqueue order.
type Task interface {
	Priority() int
	Run()
}

// taskFunc adapts a plain closure to Task.
type taskFunc struct {
	priority int
	fn       func()
}

func (t taskFunc) Priority() int { return t.priority }
func (t taskFunc) Run()          { t.fn() }

// queueEntry is a heap entry. seq breaks priority ties FIFO.
type queueEntry struct {
	task Task
	seq  uint64
}

// taskHeap implements container/heap.Interface as a max-heap on priority.
type taskHeap []queueEntry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	pi, pj := h[i].task.Priority(), h[j].task.Priority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a shared priority queue drained by worker goroutines. Tasks run
// synchronously to completion on a worker; the queue imposes no execution
// timeout. A panicking task is logged and does not kill its worker.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	seq    uint64
	closed bool
	wg     sync.WaitGroup
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches n worker goroutines draining the queue.
func (q *Queue) Start(n int) {
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

// Enqueue adds a task to the queue.
func (q *Queue) Enqueue(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.heap, queueEntry{task: t, seq: q.seq})
	q.cond.Signal()
}

// Add enqueues a plain closure at the given priority.
func (q *Queue) Add(priority int, fn func()) {
	q.Enqueue(taskFunc{priority: priority, fn: fn})
}

// Close stops the workers after the queue drains of running tasks. Pending
// tasks that have not started are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.heap = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) work() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.heap) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		entry := heap.Pop(&q.heap).(queueEntry)
		q.mu.Unlock()
		runTask(entry.task)
	}
}

// runTask executes one task, containing panics so a failing task cannot
// crash the worker loop.
func runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("schedule: task panicked: %v", r)
		}
	}()
	t.Run()
}
