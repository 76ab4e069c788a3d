// Package backoff provides the shared retry policy used for signalling
// sessions, ticket refresh and storage operations.
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Factor     float64
	MaxRetries int
}

// Default returns the daemon-wide retry policy.
func Default() Policy {
	return Policy{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Factor:     2,
		MaxRetries: 3,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Retry runs fn until it succeeds, the policy is exhausted, or ctx is
// cancelled. The last error is wrapped with the attempt count.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt - 1)):
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("giving up after %d attempts: %w", p.MaxRetries+1, lastErr)
}
