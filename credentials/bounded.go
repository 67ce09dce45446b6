package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-core/instrumentation"
)

// DefaultTimeout bounds every call through Bounded unless configured otherwise.
const DefaultTimeout = 5 * time.Second

// Bounded limits every call to the wrapped store to a timeout. A call that
// does not return in time is abandoned and reported as ErrUnavailable, so a
// slow credential backend cannot hold request goroutines.
type Bounded struct {
	store           Store
	timeout         time.Duration
	instrumentation *instrumentation.Instrumentation
}

var _ Store = (*Bounded)(nil)

// NewBounded wraps store. A zero timeout uses DefaultTimeout.
func NewBounded(store Store, timeout time.Duration, inst *instrumentation.Instrumentation) *Bounded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bounded{store: store, timeout: timeout, instrumentation: inst}
}

// Timeout returns the per-call limit.
func (b *Bounded) Timeout() time.Duration {
	return b.timeout
}

type result[T any] struct {
	v   T
	err error
}

func call[T any](ctx context.Context, b *Bounded, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	// buffered so an abandoned call can still finish and be collected
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		timedOut := errors.Is(r.err, context.DeadlineExceeded)
		b.instrumentation.Metrics().RecordCredentialCall(ctx, op, msSince(start), timedOut)
		if timedOut {
			return zero, fmt.Errorf("%w: %s timed out after %s", ErrUnavailable, op, b.timeout)
		}
		return r.v, r.err
	case <-ctx.Done():
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		b.instrumentation.Metrics().RecordCredentialCall(context.WithoutCancel(ctx), op, msSince(start), timedOut)
		if timedOut {
			return zero, fmt.Errorf("%w: %s timed out after %s", ErrUnavailable, op, b.timeout)
		}
		return zero, ctx.Err()
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// Verify implements Store.
func (b *Bounded) Verify(ctx context.Context, username, password string) (*Subject, error) {
	return call(ctx, b, "verify", func(ctx context.Context) (*Subject, error) {
		return b.store.Verify(ctx, username, password)
	})
}

// LoadClaims implements Store.
func (b *Bounded) LoadClaims(ctx context.Context, subjectID string) (Claims, error) {
	return call(ctx, b, "load_claims", func(ctx context.Context) (Claims, error) {
		return b.store.LoadClaims(ctx, subjectID)
	})
}
