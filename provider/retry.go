package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

type RetryPolicy struct {
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max-delay"`
	Clock    clock.Clock   `json:"-"`
}

// DefaultRetryPolicy doubles the delay between attempts: 100ms, 200ms, 400ms, 800ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Delay:    100 * time.Millisecond,
		MaxDelay: 5 * time.Second,
		Clock:    clock.WallClock,
	}
}

func (p RetryPolicy) Validate() error {
	if p.Attempts < 1 {
		return errors.New("retry attempts must be greater than 0")
	}
	if p.Delay <= 0 {
		return errors.New("retry delay must be greater than 0")
	}
	if p.MaxDelay < 0 {
		return errors.New("retry max delay must not be negative")
	}
	return nil
}

// Retrier executes provider calls, retrying the errors its classifier deems retryable.
type Retrier struct {
	policy RetryPolicy
	log    *slog.Logger
}

func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	if policy.Clock == nil {
		policy.Clock = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, log: logger}
}

func (r *Retrier) Execute(ctx context.Context, op string, classifier Classifier, fn func(context.Context) error) error {
	_, err := ExecuteResult(ctx, r, op, classifier, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteResult is like Execute but for calls that return a value. The zero value is
// returned alongside a nil error when the call failed with an ignorable error.
func ExecuteResult[T any](ctx context.Context, r *Retrier, op string, classifier Classifier, fn func(context.Context) (T, error)) (T, error) {
	var result, zero T
	var lastErr error
	lastClass := Fatal
	attempts := 0

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			var err error
			if result, err = fn(ctx); err != nil {
				lastErr, lastClass = err, classifier.Classify(err)
			}
			return err
		},
		IsFatalError: func(error) bool {
			return lastClass != Retryable
		},
		NotifyFunc: func(err error, attempt int) {
			r.log.Debug("Provider call failed, retrying", "op", op, "attempt", attempt, "code", ErrorCode(err), "error", err)
		},
		Attempts:    r.policy.Attempts,
		Delay:       r.policy.Delay,
		MaxDelay:    r.policy.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.policy.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return result, nil
	}
	if lastErr == nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	switch lastClass {
	case Ignorable:
		r.log.Debug("Ignoring provider error", "op", op, "code", ErrorCode(lastErr), "error", lastErr)
		return zero, nil
	case Retryable:
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return zero, &RemoteError{Op: op, Code: ErrorCode(lastErr), Attempts: attempts, Exhausted: true, Err: lastErr}
	default:
		return zero, &RemoteError{Op: op, Code: ErrorCode(lastErr), Attempts: attempts, Err: lastErr}
	}
}
