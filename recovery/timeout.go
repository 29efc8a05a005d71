// Package recovery bounds every blocking call with a timeout, classifies
// failures and retries the retryable ones with jittered exponential backoff
// behind a circuit breaker.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backupxfer/metrics"
	"backupxfer/models"
)

// OperationTimeoutError reports an operation that did not finish within its
// timeout. Actual is the time spent before giving up.
type OperationTimeoutError struct {
	Label         string
	CorrelationID string
	Timeout       time.Duration
	Actual        time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (limit %s)", e.Label, e.Actual.Round(time.Millisecond), e.Timeout)
}

// Is matches models.ErrOperationTimeout.
func (e *OperationTimeoutError) Is(target error) bool {
	return target == models.ErrOperationTimeout
}

type result[T any] struct {
	value T
	err   error
}

// ExecuteWithTimeout runs op with a context bounded by timeout. When the bound
// fires first it returns *OperationTimeoutError; op keeps its context and is
// expected to return promptly once that context is done. Cancelling ctx returns
// ctx.Err() instead. timeout <= 0 runs op without a bound.
func ExecuteWithTimeout[T any](ctx context.Context, timeout time.Duration, label, correlationID string, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		value, err := op(opCtx)
		done <- result[T]{value: value, err: err}
	}()

	timedOut := func() (T, error) {
		var zero T
		metrics.OperationTimeoutsTotal.WithLabelValues(label).Inc()
		return zero, &OperationTimeoutError{
			Label:         label,
			CorrelationID: correlationID,
			Timeout:       timeout,
			Actual:        time.Since(start),
		}
	}

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		return res.value, res.err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		return timedOut()
	}
}

// Run is ExecuteWithTimeout for operations without a result value.
func Run(ctx context.Context, timeout time.Duration, label, correlationID string, op func(context.Context) error) error {
	_, err := ExecuteWithTimeout(ctx, timeout, label, correlationID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
