package metrics

import (
	"sync"
	"testing"
	"time"
)

func sampleAt(sec int) Sample {
	return Sample{Timestamp: time.Unix(int64(sec), 0), CPUPct: float64(sec)}
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 5; i++ {
		q.Append(sampleAt(i))
	}

	batch := q.Drain()
	if len(batch) != 5 {
		t.Fatalf("drained %d samples, want 5", len(batch))
	}
	for i, s := range batch {
		if s.CPUPct != float64(i) {
			t.Errorf("batch[%d].CPUPct = %v, want %v", i, s.CPUPct, float64(i))
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after drain = %d, want 0", q.Len())
	}
}

func TestQueue_NeverExceedsBoundAndDropsOldest(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 10; i++ {
		q.Append(sampleAt(i))
		if q.Len() > 3 {
			t.Fatalf("queue grew to %d, bound is 3", q.Len())
		}
	}

	batch := q.Drain()
	want := []float64{7, 8, 9}
	if len(batch) != len(want) {
		t.Fatalf("drained %d samples, want %d", len(batch), len(want))
	}
	for i, s := range batch {
		if s.CPUPct != want[i] {
			t.Errorf("batch[%d].CPUPct = %v, want %v (oldest must be dropped first)", i, s.CPUPct, want[i])
		}
	}
	if q.Dropped() != 7 {
		t.Errorf("Dropped() = %d, want 7", q.Dropped())
	}
}

func TestQueue_RequeueMergesAheadOfNewer(t *testing.T) {
	q := NewQueue(10)
	q.Append(sampleAt(0))
	q.Append(sampleAt(1))

	batch := q.Drain()

	// New samples arrive while the push is in flight.
	q.Append(sampleAt(2))

	q.Requeue(batch)

	merged := q.Drain()
	want := []float64{0, 1, 2}
	if len(merged) != len(want) {
		t.Fatalf("merged length = %d, want %d", len(merged), len(want))
	}
	for i, s := range merged {
		if s.CPUPct != want[i] {
			t.Errorf("merged[%d].CPUPct = %v, want %v", i, s.CPUPct, want[i])
		}
	}
}

func TestQueue_RequeueRespectsBound(t *testing.T) {
	q := NewQueue(3)
	q.Append(sampleAt(0))
	q.Append(sampleAt(1))
	q.Append(sampleAt(2))

	batch := q.Drain()

	q.Append(sampleAt(3))
	q.Append(sampleAt(4))

	q.Requeue(batch)

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	merged := q.Drain()
	want := []float64{2, 3, 4} // oldest requeued samples evicted first
	for i, s := range merged {
		if s.CPUPct != want[i] {
			t.Errorf("merged[%d].CPUPct = %v, want %v", i, s.CPUPct, want[i])
		}
	}
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	q := NewQueue(16)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			q.Append(sampleAt(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			q.Drain()
		}
	}()

	wg.Wait()
	if q.Len() > 16 {
		t.Errorf("Len() = %d exceeds bound", q.Len())
	}
}
