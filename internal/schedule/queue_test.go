package schedule

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsByPriority(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	record := func(id int) func() {
		return func() {
			mu.Lock()
			order = append(order, id)
			n := len(order)
			mu.Unlock()
			if n == 4 {
				close(done)
			}
		}
	}

	// Enqueue before starting workers so ordering is decided purely by the
	// heap.
	q.Add(10, record(1))
	q.Add(100, record(2))
	q.Add(50, record(3))
	q.Add(100, record(4))

	q.Start(1)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}
	q.Close()

	// Highest priority first, ties in enqueue order.
	assert.Equal(t, []int{2, 4, 3, 1}, order)
}

func TestQueueSurvivesPanickingTask(t *testing.T) {
	q := NewQueue()
	q.Start(1)
	defer q.Close()

	ran := make(chan struct{})
	q.Add(1, func() { panic("boom") })
	q.Add(1, func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestQueueEnqueueAfterCloseIsDropped(t *testing.T) {
	q := NewQueue()
	q.Start(1)
	q.Close()
	q.Add(1, func() { t.Error("task ran after close") })
	time.Sleep(50 * time.Millisecond)
}

func TestSerializerRunsInPostOrder(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		s.Post(func() { order = append(order, i) })
	}
	s.Wait()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerializerPostAfterClose(t *testing.T) {
	s := NewSerializer()
	s.Close()
	s.Post(func() { t.Error("closure ran after close") })
	s.Wait()
}

func TestSerializerSelfPostDoesNotBlock(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	// A running closure posts a burst of further closures, the way a
	// content-change callback may request row counts. The pending queue must
	// absorb them without blocking the serialization goroutine.
	const n = 200
	var mu sync.Mutex
	ran := 0
	done := make(chan struct{})
	s.Post(func() {
		for i := 0; i < n; i++ {
			s.Post(func() {
				mu.Lock()
				ran++
				if ran == n {
					close(done)
				}
				mu.Unlock()
			})
		}
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("posting from a running closure blocked the apply context")
	}
}

func TestSerializerSurvivesPanic(t *testing.T) {
	s := NewSerializer()
	defer s.Close()

	s.Post(func() { panic("boom") })
	ran := false
	s.Post(func() { ran = true })
	s.Wait()
	assert.True(t, ran)
}
