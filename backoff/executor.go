package backoff

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that Do returns it immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Operation performs a single attempt. attempt starts at 0.
type Operation[T any] func(ctx context.Context, attempt uint) (T, error)

// Executor runs operations under a Policy.
type Executor struct {
	policy Policy
	logger log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor ...
func NewExecutor(policy Policy, logger log.Logger) *Executor {
	return &Executor{
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Policy returns the policy the executor was built with.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op until it succeeds, the policy's attempts are used up or ctx is done.
//
// A failed attempt is either an error or a result for which retryable returns true (retryable may be nil).
// When the attempts are exhausted a retryable result is returned as-is with a nil error, so that the caller
// can inspect it, while an error is returned unchanged. Errors wrapped with Permanent are never retried.
func Do[T any](ctx context.Context, e *Executor, op Operation[T], retryable func(T) bool) (T, error) {
	var zero T
	backoff := e.policy.InitialBackoff
	attempts := e.policy.Attempts()

	for attempt := uint(0); ; attempt++ {
		result, err := op(ctx, attempt)

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return zero, permanent.Err
		}

		retryResult := err == nil && retryable != nil && retryable(result)
		if err == nil && !retryResult {
			return result, nil
		}

		if attempt+1 >= attempts {
			if err != nil {
				e.logger.Debugf("Max retries (%d) reached, last error: %s", e.policy.MaxRetries, err)
				return zero, err
			}
			e.logger.Debugf("Max retries (%d) reached, returning retryable result", e.policy.MaxRetries)
			return result, nil
		}

		if err != nil {
			e.logger.Debugf("Attempt %d/%d failed: %s, retrying in %s", attempt+1, attempts, err, backoff)
		} else {
			e.logger.Debugf("Attempt %d/%d returned a retryable result, retrying in %s", attempt+1, attempts, backoff)
			discard(result)
		}

		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			if err != nil {
				return zero, errors.Join(err, sleepErr)
			}
			return zero, sleepErr
		}
		backoff = e.policy.Next(backoff)
	}
}

// DoHTTP is Do for HTTP calls: a response whose status code is in the policy's retryable set is retried.
// Bodies of discarded responses are drained and closed.
func DoHTTP(ctx context.Context, e *Executor, op Operation[*http.Response]) (*http.Response, error) {
	return Do(ctx, e, op, func(resp *http.Response) bool {
		return resp != nil && e.policy.IsRetryableStatus(resp.StatusCode)
	})
}

func discard(result any) {
	resp, ok := result.(*http.Response)
	if !ok || resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
