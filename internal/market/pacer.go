package market

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/shpitdev/soldcomp/pkg/pipeline/backoff"
	"golang.org/x/time/rate"
)

// PacerConfig bounds the wait before each search attempt.
type PacerConfig struct {
	// MinWait and MaxWait bound the randomized base delay.
	MinWait time.Duration
	MaxWait time.Duration
	// MaxWaitCap caps the delay after exponential widening and Retry-After.
	MaxWaitCap time.Duration
	// SearchesPerMinute is a hard ceiling on request rate. <=0 disables it.
	SearchesPerMinute float64
}

// Pacer decides and performs the pre-search delay.
type Pacer struct {
	cfg     PacerConfig
	limiter *rate.Limiter
	rand    func() float64
	sleep   func(context.Context, time.Duration) error
}

func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.MaxWait < cfg.MinWait {
		cfg.MaxWait = cfg.MinWait
	}
	if cfg.MaxWaitCap <= 0 {
		cfg.MaxWaitCap = 60 * time.Second
	}
	p := &Pacer{
		cfg:   cfg,
		rand:  rand.Float64,
		sleep: backoff.Sleep,
	}
	if cfg.SearchesPerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SearchesPerMinute/60), 1)
	}
	return p
}

// Delay returns the wait before attempt (0-based): a uniform draw from
// [MinWait, MaxWait], doubled per prior attempt, raised to floor, capped at MaxWaitCap.
func (p *Pacer) Delay(attempt int, floor time.Duration) time.Duration {
	span := p.cfg.MaxWait - p.cfg.MinWait
	base := p.cfg.MinWait + time.Duration(p.rand()*float64(span))
	d := backoff.Exponential(base, p.cfg.MaxWaitCap, attempt)
	if floor > d {
		d = floor
	}
	if d > p.cfg.MaxWaitCap {
		d = p.cfg.MaxWaitCap
	}
	return d
}

// Wait sleeps for Delay(attempt, floor) and then for a rate-limiter token.
// It returns the total time spent waiting.
func (p *Pacer) Wait(ctx context.Context, attempt int, floor time.Duration) (time.Duration, error) {
	start := time.Now()
	if err := p.sleep(ctx, p.Delay(attempt, floor)); err != nil {
		return time.Since(start), err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return time.Since(start), err
		}
	}
	return time.Since(start), nil
}
