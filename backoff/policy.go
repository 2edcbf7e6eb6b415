// Package backoff retries fallible operations with a geometrically growing delay between attempts.
package backoff

import (
	"fmt"
	"math"
	"time"
)

// DefaultRetryableStatusCodes are the upstream statuses treated as transient: gateway failures and the
// Cloudflare 52x family.
var DefaultRetryableStatusCodes = []int{500, 502, 503, 504, 520, 521, 522, 523, 524}

// Policy describes how many times and how patiently an operation is retried.
// A Policy is a plain value: build it once per subsystem and share it read-only.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint
	// InitialBackoff is the sleep after the first failed attempt.
	InitialBackoff time.Duration
	// Exponent multiplies the backoff after every sleep. Must be greater than 1.
	Exponent float64
	// MaxBackoff caps the backoff. Zero means unbounded.
	MaxBackoff time.Duration
	// RetryableStatusCodes are HTTP statuses that make a response retryable.
	RetryableStatusCodes []int
}

// DefaultPolicy ...
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           3,
		InitialBackoff:       5 * time.Second,
		Exponent:             2,
		RetryableStatusCodes: DefaultRetryableStatusCodes,
	}
}

// Validate ...
func (p Policy) Validate() error {
	if p.Exponent <= 1 {
		return fmt.Errorf("exponent must be greater than 1, got %v", p.Exponent)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("initial backoff must not be negative, got %s", p.InitialBackoff)
	}
	if p.MaxBackoff < 0 {
		return fmt.Errorf("max backoff must not be negative, got %s", p.MaxBackoff)
	}
	return nil
}

// Attempts returns the total number of tries the policy allows.
func (p Policy) Attempts() uint {
	return p.MaxRetries + 1
}

// Next returns the backoff that follows current.
func (p Policy) Next(current time.Duration) time.Duration {
	next := float64(current) * p.Exponent
	if next > math.MaxInt64 {
		next = math.MaxInt64
	}
	d := time.Duration(next)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Backoffs returns the first n sleeps of the policy: b0 = InitialBackoff, b(i+1) = min(b(i) * Exponent, MaxBackoff).
func (p Policy) Backoffs(n int) []time.Duration {
	sleeps := make([]time.Duration, 0, n)
	current := p.InitialBackoff
	for i := 0; i < n; i++ {
		sleeps = append(sleeps, current)
		current = p.Next(current)
	}
	return sleeps
}

// IsRetryableStatus ...
func (p Policy) IsRetryableStatus(code int) bool {
	for _, c := range p.RetryableStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}
