package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.uber.org/atomic"
)

const (
	// DefaultMaxRetries is the shared attempt budget for one generation run.
	DefaultMaxRetries = 3

	defaultBadOutputBackoff = 1 * time.Second
	defaultGenericBackoff   = 3 * time.Second
)

// ErrBadOutput marks failures where the backend answered but the payload was
// missing, empty, or structurally invalid. Callers wrap their decode errors
// with it so the policy can use a shorter backoff than for transport errors.
var ErrBadOutput = errors.New("bad structured output")

// BadOutput wraps err as a structured-output failure.
func BadOutput(err error) error {
	return fmt.Errorf("%w: %v", ErrBadOutput, err)
}

// Badf builds a structured-output failure from a format string.
func Badf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrBadOutput}, args...)...)
}

// Policy bounds primary attempts across an entire generation run. The counter
// is shared by every operation in the run: once it exceeds the budget, all
// later Do calls skip their primary and go straight to the fallback. One
// Policy instance belongs to exactly one run; concurrent runs each get their
// own instance.
type Policy struct {
	maxRetries       int
	attempts         *atomic.Int64
	badOutputBackoff time.Duration
	genericBackoff   time.Duration
}

// Option adjusts a Policy at construction time.
type Option func(*Policy)

// WithBackoff overrides the per-attempt backoff bases. Tests pass zero.
func WithBackoff(badOutput, generic time.Duration) Option {
	return func(p *Policy) {
		p.badOutputBackoff = badOutput
		p.genericBackoff = generic
	}
}

// NewPolicy creates a run-scoped retry policy with the given attempt budget.
func NewPolicy(maxRetries int, opts ...Option) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	p := &Policy{
		maxRetries:       maxRetries,
		attempts:         atomic.NewInt64(0),
		badOutputBackoff: defaultBadOutputBackoff,
		genericBackoff:   defaultGenericBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reset zeroes the shared counter. Called once at the start of each run.
func (p *Policy) Reset() {
	p.attempts.Store(0)
}

// Attempts reports how many primary failures the run has accumulated.
func (p *Policy) Attempts() int {
	return int(p.attempts.Load())
}

// Exhausted reports whether the shared budget is spent and primaries are
// being skipped.
func (p *Policy) Exhausted() bool {
	return p.attempts.Load() > int64(p.maxRetries)
}

// Do runs primary under the shared budget and falls back when it is spent.
// The fallback must not fail; it always produces a usable, if degraded,
// result, so Do never returns an error and the pipeline never halts here.
func Do[T any](ctx context.Context, p *Policy, op string, primary func(context.Context) (T, error), fallback func() T) T {
	if p.Exhausted() {
		log.Printf("[retry] %s: budget exhausted (%d failures), using fallback", op, p.Attempts())
		return fallback()
	}

	for {
		result, err := primary(ctx)
		if err == nil {
			return result
		}

		failed := p.attempts.Inc()
		if failed > int64(p.maxRetries) {
			log.Printf("[retry] %s: attempt failed (%v), budget exhausted, using fallback", op, err)
			return fallback()
		}

		backoff := p.genericBackoff
		if errors.Is(err, ErrBadOutput) {
			backoff = p.badOutputBackoff
		}
		backoff *= time.Duration(failed)
		log.Printf("[retry] %s: attempt failed (%v), retrying in %s (%d/%d)", op, err, backoff, failed, p.maxRetries)

		if !sleep(ctx, backoff) {
			// Caller is gone; degrade instead of erroring.
			return fallback()
		}
	}
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
