package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pusher uploads a batch of samples to the platform. Implemented by the
// agent with the live session attached.
type Pusher interface {
	Push(ctx context.Context, samples []Sample) error
}

// ReporterConfig holds the reporting cadence.
type ReporterConfig struct {
	// Interval between push attempts.
	Interval time.Duration
	// PushTimeout bounds a single push.
	PushTimeout time.Duration
}

// Reporter periodically drains the queue and pushes the batch upstream.
// Failed batches are requeued and merged with newly collected samples,
// subject to the queue bound.
type Reporter struct {
	queue  *Queue
	pusher Pusher
	cfg    ReporterConfig
	logger zerolog.Logger
}

// NewReporter creates a reporter draining queue into pusher.
func NewReporter(queue *Queue, pusher Pusher, cfg ReporterConfig, logger zerolog.Logger) *Reporter {
	return &Reporter{
		queue:  queue,
		pusher: pusher,
		cfg:    cfg,
		logger: logger.With().Str("component", "metrics_reporter").Logger(),
	}
}

// Run pushes on every interval tick until ctx is cancelled. A final
// best-effort flush runs on the way out so shutdown does not silently
// discard a full queue.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.PushTimeout)
			r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush drains and pushes one batch. The batch is snapshotted before the
// push begins, so no sample produced after the call starts is sent.
func (r *Reporter) Flush(ctx context.Context) {
	batch := r.queue.Drain()
	if len(batch) == 0 {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, r.cfg.PushTimeout)
	err := r.pusher.Push(pushCtx, batch)
	cancel()

	if err != nil {
		r.queue.Requeue(batch)
		r.logger.Warn().
			Err(err).
			Int("batch_size", len(batch)).
			Int("queued", r.queue.Len()).
			Msg("metrics push failed, batch requeued")
		return
	}

	r.logger.Debug().Int("batch_size", len(batch)).Msg("metrics batch reported")
}
