// Package backoff provides the exponential backoff policy shared by the
// marketplace client and the auxiliary HTTP fetchers.
package backoff

import (
	"context"
	"math/rand/v2"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/pkg/pipeline/core"
)

type Policy struct {
	// Initial is the sleep before the first retry.
	Initial time.Duration
	// Max caps exponential growth.
	Max time.Duration
	// JitterFrac applies +/- jitter to sleeps (0.2 = +/-20%).
	JitterFrac float64
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Second
	}
	if p.JitterFrac <= 0 {
		p.JitterFrac = 0.2
	}
	return p
}

// Delay returns the sleep before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	return Jitter(Exponential(p.Initial, p.Max, attempt), p.JitterFrac)
}

// Exponential doubles base once per attempt, never exceeding limit.
func Exponential(base, limit time.Duration, attempt int) time.Duration {
	sleep := base
	for i := 0; i < attempt && sleep < limit; i++ {
		sleep *= 2
		if sleep > limit {
			sleep = limit
			break
		}
	}
	return sleep
}

// Jitter scales d by a random factor in [1-frac, 1+frac].
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	j := 1 + (rand.Float64()*2-1)*frac
	return time.Duration(float64(d) * j)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. maxRetries counts extra attempts after the first.
func Retry[T any](ctx context.Context, maxRetries int, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var last T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		out, err := fn(ctx)
		last = out
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return last, ctx.Err()
		}
		if !IsTransient(err) || attempt >= MaxExtraRetries(maxRetries, err) {
			return last, err
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return last, err
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

// MaxExtraRetries lowers defaultRetries when err carries its own cap.
func MaxExtraRetries(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxExtraRetries()
		if limited < 0 {
			limited = 0
		}
		if limited < defaultRetries {
			return limited
		}
	}
	return defaultRetries
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *core.LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
