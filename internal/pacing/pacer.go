// Package pacing spaces out profile visits with a token bucket plus a
// jittered human-scale delay.
package pacing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/contact-harvester/internal/metrics"
)

// Config holds pacing configuration. Zero values disable the matching wait.
type Config struct {
	ProfilesPerMinute float64
	Burst             int
	MinDelay          time.Duration
	MaxDelay          time.Duration
	CooldownMin       time.Duration
	CooldownMax       time.Duration
}

// Pacer gates profile visits and provides the between-page cool-down.
type Pacer struct {
	limiter *rate.Limiter
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(lo, hi time.Duration) time.Duration
}

// New creates a Pacer.
func New(cfg Config) *Pacer {
	r := rate.Limit(cfg.ProfilesPerMinute / 60)
	if cfg.ProfilesPerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiter: rate.NewLimiter(r, burst),
		cfg:     cfg,
		sleep:   sleepCtx,
		jitter:  uniform,
	}
}

// Wait blocks until the next profile visit may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if err := p.sleep(ctx, p.jitter(p.cfg.MinDelay, p.cfg.MaxDelay)); err != nil {
		return err
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObservePacingDelay(d)
	}
	return nil
}

// Cooldown pauses between result pages.
func (p *Pacer) Cooldown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.sleep(ctx, p.jitter(p.cfg.CooldownMin, p.cfg.CooldownMax))
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return max(lo, 0)
	}
	return lo + rand.N(hi-lo)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacing sleep: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
