package schedule

import (
	"log"
	"sync"
)

// Serializer runs posted closures one at a time, in post order. It stands in
// for a UI event thread: result application for a node must never run
// concurrently with another application, so load jobs post their apply step
// here instead of mutating node state on a worker goroutine.
type Serializer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

func NewSerializer() *Serializer {
	s := &Serializer{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Post schedules fn to run on the serialization goroutine. The pending queue
// is unbounded, so a running closure may post again without blocking. Posts
// after Close are dropped.
func (s *Serializer) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, fn)
	s.cond.Signal()
}

// Wait blocks until every closure posted before the call has finished.
// Returns immediately on a closed serializer.
func (s *Serializer) Wait() {
	var wg sync.WaitGroup
	wg.Add(1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, wg.Done)
	s.cond.Signal()
	s.mu.Unlock()
	wg.Wait()
}

// Close runs the already pending closures and stops the goroutine.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

func (s *Serializer) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.apply(fn)
	}
}

// apply executes one closure, containing panics so a failing apply step
// cannot kill the serialization goroutine.
func (s *Serializer) apply(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("schedule: apply step panicked: %v", r)
		}
	}()
	fn()
}
