package metrics

import (
	"sync"
)

// Queue is a bounded FIFO buffer between the collector (producer) and the
// reporter (consumer). When full, the oldest sample is dropped: telemetry
// is best-effort and must never grow unbounded or block collection.
type Queue struct {
	mu      sync.Mutex
	samples []Sample
	bound   int
	dropped uint64
}

// NewQueue creates a queue holding at most bound samples. bound must be
// positive.
func NewQueue(bound int) *Queue {
	if bound <= 0 {
		panic("metrics: queue bound must be positive")
	}
	return &Queue{bound: bound}
}

// Append adds a sample, evicting the oldest one when the queue is full.
func (q *Queue) Append(s Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.samples) >= q.bound {
		drop := len(q.samples) - q.bound + 1
		q.samples = append(q.samples[:0], q.samples[drop:]...)
		q.dropped += uint64(drop)
	}
	q.samples = append(q.samples, s)
}

// Drain removes and returns every queued sample, oldest first. The
// returned slice is owned by the caller.
func (q *Queue) Drain() []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.samples) == 0 {
		return nil
	}
	out := make([]Sample, len(q.samples))
	copy(out, q.samples)
	q.samples = q.samples[:0]
	return out
}

// Requeue puts a failed batch back at the head of the queue so it merges,
// in order, with samples collected since the drain. The combined contents
// are re-bounded with oldest-first eviction.
func (q *Queue) Requeue(batch []Sample) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]Sample, 0, len(batch)+len(q.samples))
	merged = append(merged, batch...)
	merged = append(merged, q.samples...)
	if len(merged) > q.bound {
		drop := len(merged) - q.bound
		q.dropped += uint64(drop)
		merged = merged[drop:]
	}
	q.samples = merged
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

// Dropped returns the total number of samples evicted since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
