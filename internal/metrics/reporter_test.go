package metrics

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakePusher struct {
	mu      sync.Mutex
	batches [][]Sample
	err     error
}

func (p *fakePusher) Push(_ context.Context, samples []Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	batch := make([]Sample, len(samples))
	copy(batch, samples)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *fakePusher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePusher) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func newTestReporter(q *Queue, p Pusher) *Reporter {
	return NewReporter(q, p, ReporterConfig{
		Interval:    time.Hour, // tests call Flush directly
		PushTimeout: time.Second,
	}, zerolog.New(os.Stderr).Level(zerolog.Disabled))
}

func TestReporter_FlushPushesDrainedBatch(t *testing.T) {
	q := NewQueue(10)
	q.Append(sampleAt(1))
	q.Append(sampleAt(2))

	p := &fakePusher{}
	r := newTestReporter(q, p)

	r.Flush(context.Background())

	if p.batchCount() != 1 {
		t.Fatalf("pushed %d batches, want 1", p.batchCount())
	}
	if len(p.batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(p.batches[0]))
	}
	if q.Len() != 0 {
		t.Errorf("queue length after successful push = %d, want 0", q.Len())
	}
}

func TestReporter_EmptyQueueSkipsPush(t *testing.T) {
	p := &fakePusher{}
	r := newTestReporter(NewQueue(10), p)

	r.Flush(context.Background())
	if p.batchCount() != 0 {
		t.Errorf("pushed %d batches from empty queue, want 0", p.batchCount())
	}
}

func TestReporter_FailedBatchRequeuedAndRetriedNextInterval(t *testing.T) {
	q := NewQueue(10)
	q.Append(sampleAt(1))

	p := &fakePusher{}
	p.setErr(errors.New("network down"))
	r := newTestReporter(q, p)

	r.Flush(context.Background())
	if q.Len() != 1 {
		t.Fatalf("queue length after failed push = %d, want 1", q.Len())
	}

	// A newly collected sample joins the retried batch, oldest first.
	q.Append(sampleAt(2))
	p.setErr(nil)

	r.Flush(context.Background())
	if p.batchCount() != 1 {
		t.Fatalf("pushed %d batches, want 1", p.batchCount())
	}
	got := p.batches[0]
	if len(got) != 2 || got[0].CPUPct != 1 || got[1].CPUPct != 2 {
		t.Errorf("retried batch = %+v, want samples 1 then 2", got)
	}
}

func TestReporter_RunFlushesOnShutdown(t *testing.T) {
	q := NewQueue(10)
	q.Append(sampleAt(1))

	p := &fakePusher{}
	r := newTestReporter(q, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if p.batchCount() != 1 {
		t.Errorf("final flush pushed %d batches, want 1", p.batchCount())
	}
}
