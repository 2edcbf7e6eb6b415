package backoff

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// NewHTTPClient returns a retrying HTTP client driven by policy. It is meant for the low-fanout upstream calls
// (metadata, HEAD probes); when retries run out the last response is handed back to the caller unchanged.
func NewHTTPClient(policy Policy, logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = int(policy.MaxRetries)
	client.Backoff = HTTPBackoff(policy)
	client.CheckRetry = CheckRetry(policy, logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// HTTPBackoff adapts the policy's geometric sequence to retryablehttp. attemptNum is 0 for the first retry.
func HTTPBackoff(policy Policy) retryablehttp.Backoff {
	return func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		d := float64(policy.InitialBackoff) * math.Pow(policy.Exponent, float64(attemptNum))
		if d > math.MaxInt64 {
			d = math.MaxInt64
		}
		wait := time.Duration(d)
		if attemptNum > 0 && policy.MaxBackoff > 0 && wait > policy.MaxBackoff {
			return policy.MaxBackoff
		}
		return wait
	}
}

// CheckRetry retries transport errors, 429 and the policy's retryable statuses.
func CheckRetry(policy Policy, logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
			logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
			return retry, checkErr
		}
		if resp.StatusCode == http.StatusTooManyRequests || policy.IsRetryableStatus(resp.StatusCode) {
			logger.Debugf("CheckRetry: retry=true ; status=%d", resp.StatusCode)
			return true, nil
		}
		return false, nil
	}
}
