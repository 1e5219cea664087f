package util

import (
	"sync"
	"testing"
	"time"
)

// TestBasicOperations tests push and drain in a single goroutine
func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}
	if q.Len() != 10 {
		t.Errorf("Len() = %d; want 10", q.Len())
	}

	first := q.Drain(4)
	if len(first) != 4 {
		t.Fatalf("Drain(4) returned %d items", len(first))
	}
	rest := q.Drain(0)
	if len(rest) != 6 {
		t.Fatalf("Drain(0) returned %d items; want 6", len(rest))
	}
	for i, v := range append(first, rest...) {
		if *v != i {
			t.Errorf("item %d = %d", i, *v)
		}
	}
	if len(q.Drain(0)) != 0 {
		t.Error("queue should be empty")
	}
	if q.Push(nil) {
		t.Error("nil values must be rejected")
	}
}

// TestConcurrentProducers verifies that no item is lost with many producers
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()

	const numProducers = 8
	const itemsPerProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				v := p*itemsPerProducer + i
				q.Push(&v)
			}
		}(p)
	}

	seen := make(map[int]bool)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		q.Close()
		close(done)
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-q.Notify():
		case <-done:
		case <-timeout:
			t.Fatalf("timeout, received %d items", len(seen))
		}
		for _, v := range q.Drain(0) {
			if seen[*v] {
				t.Fatalf("duplicate item %d", *v)
			}
			seen[*v] = true
		}
		if len(seen) == numProducers*itemsPerProducer {
			break
		}
	}

	if q.Push(new(int)) {
		t.Error("push after close should fail")
	}
}
