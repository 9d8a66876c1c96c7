package session

import (
	"context"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based). The delay
// grows by Multiplier per attempt up to MaxDelay; with Jitter it is drawn from
// [d/2, d) so a jittered delay never exceeds the cap.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(cfg.InitialDelay)
	limit := float64(cfg.MaxDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if limit > 0 && delay >= limit {
			delay = limit
			break
		}
	}
	if limit > 0 && delay > limit {
		delay = limit
	}
	if cfg.Jitter && attempt > 1 {
		f := 0.75
		if rng != nil {
			f = 0.5 + rng.Float64()/2
		}
		delay *= f
	}
	return time.Duration(delay)
}

// SleepBackoff waits out the delay for attempt or returns early with ctx.Err().
func SleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reconnect counts consecutive failures of one serial link. Failed opens and
// short-lived sessions advance the count; a session that stayed up for
// StableAfter starts it over.
type Reconnect struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewReconnect(cfg BackoffConfig, rng *rand.Rand) *Reconnect {
	return &Reconnect{cfg: cfg, rng: rng}
}

func (r *Reconnect) Attempt() int {
	return r.attempt
}

// OpenFailed records a device that could not be opened.
func (r *Reconnect) OpenFailed() int {
	r.attempt++
	return r.attempt
}

// SessionEnded records a link that was lost after uptime.
func (r *Reconnect) SessionEnded(uptime time.Duration) int {
	if uptime >= r.cfg.stableAfter() {
		r.attempt = 1
	} else {
		r.attempt++
	}
	return r.attempt
}

// Delay is the wait before the next open at the current attempt.
func (r *Reconnect) Delay() time.Duration {
	return NextBackoffDelay(r.cfg, r.attempt, r.rng)
}

func (r *Reconnect) Wait(ctx context.Context) error {
	return SleepBackoff(ctx, r.cfg, r.attempt, r.rng)
}

func (c BackoffConfig) stableAfter() time.Duration {
	if c.StableAfter > 0 {
		return c.StableAfter
	}
	return c.MaxDelay
}
