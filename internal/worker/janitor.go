package worker

import (
	"context"
	"log/slog"
	"time"
)

// StaleEvicter drops per-caller state not used since cutoff.
type StaleEvicter interface {
	EvictStale(cutoff time.Time) int
}

// LimiterJanitor evicts idle rate limiters so callers keyed by remote host
// do not accumulate forever.
type LimiterJanitor struct {
	target   StaleEvicter
	interval time.Duration
	idle     time.Duration
	now      func() time.Time
}

// NewLimiterJanitor creates a LimiterJanitor that runs every interval and
// evicts limiters idle for longer than idle.
func NewLimiterJanitor(target StaleEvicter, interval, idle time.Duration) *LimiterJanitor {
	return &LimiterJanitor{target: target, interval: interval, idle: idle, now: time.Now}
}

// Name returns the worker identifier.
func (j *LimiterJanitor) Name() string { return "limiter_janitor" }

// Run evicts on every tick until ctx is cancelled.
func (j *LimiterJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.evict(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (j *LimiterJanitor) evict(ctx context.Context) {
	if n := j.target.EvictStale(j.now().Add(-j.idle)); n > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "idle rate limiters evicted",
			slog.Int("evicted", n),
		)
	}
}
