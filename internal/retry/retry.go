// Package retry provides exponential backoff retry loops for the agent's
// network-facing operations.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration `yaml:"base"`
	// Max caps the delay between attempts.
	Max time.Duration `yaml:"max"`
	// Multiplier grows the delay after each attempt.
	Multiplier float64 `yaml:"multiplier"`
	// Jitter is the randomization factor applied to each delay (0 disables it).
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts bounds the number of attempts; 0 means retry until the
	// context is cancelled.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultPolicy returns the agent-wide default backoff schedule.
func DefaultPolicy() Policy {
	return Policy{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0,
	}
}

// Delay returns the delay before retry number attempt (0-based), without
// jitter. It is a pure function of the policy so schedules can be verified
// without waiting on a real clock.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Max
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.Reset()
	return bo
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// ErrBudgetExhausted wraps the last attempt error when MaxAttempts is reached.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Retrier runs operations under a Policy, observing context cancellation
// while waiting between attempts.
type Retrier struct {
	policy Policy
	logger zerolog.Logger

	// sleep is replaced in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Retrier for the given policy.
func New(policy Policy, logger zerolog.Logger) *Retrier {
	return &Retrier{
		policy: policy,
		logger: logger.With().Str("component", "retry").Logger(),
		sleep:  sleepCtx,
	}
}

// Do invokes fn until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled. The wait between attempts is
// interrupted by ctx so shutdown is never blocked on a pending retry.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := r.policy.newBackOff()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.policy.MaxAttempts > 0 && attempt >= r.policy.MaxAttempts {
			return errors.Join(ErrBudgetExhausted, err)
		}

		delay := bo.NextBackOff()
		r.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("operation failed, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
