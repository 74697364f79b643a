package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes rule files of entries whose cache lifetime has ended.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
	RefreshTracked(ctx context.Context)
}

// ExpirySweeper periodically evicts expired entries. It stands in for the
// cache's own evict hook when the cache does not report evictions.
type ExpirySweeper struct {
	sweeper  Sweeper
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewExpirySweeper creates an ExpirySweeper that sweeps up to batch entries
// per round every interval.
func NewExpirySweeper(s Sweeper, interval time.Duration, batch int) *ExpirySweeper {
	return &ExpirySweeper{sweeper: s, interval: interval, batch: batch, now: time.Now}
}

// Name returns the worker identifier.
func (w *ExpirySweeper) Name() string { return "expiry_sweeper" }

// Run sweeps once at startup, then on every tick until ctx is cancelled.
func (w *ExpirySweeper) Run(ctx context.Context) error {
	w.sweeper.RefreshTracked(ctx)
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep runs full batches back to back until the backlog is cleared.
func (w *ExpirySweeper) sweep(ctx context.Context) {
	now := w.now()
	total := 0
	for ctx.Err() == nil {
		n, err := w.sweeper.SweepExpired(ctx, now, w.batch)
		total += n
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "expiry sweep failed",
				slog.Int("removed", total),
				slog.String("error", err.Error()),
			)
			return
		}
		if n < w.batch {
			break
		}
	}
	if total > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "expired entries swept",
			slog.Int("removed", total),
		)
	}
}
