package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSweeper struct {
	mu        sync.Mutex
	remaining int
	calls     int
	refreshed int
	err       error
	limits    []int
}

func (f *fakeSweeper) SweepExpired(_ context.Context, _ time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return 0, f.err
	}
	n := min(limit, f.remaining)
	f.remaining -= n
	return n, nil
}

func (f *fakeSweeper) RefreshTracked(context.Context) {
	f.mu.Lock()
	f.refreshed++
	f.mu.Unlock()
}

func TestExpirySweeperDrainsBacklog(t *testing.T) {
	t.Parallel()
	fs := &fakeSweeper{remaining: 25}
	w := NewExpirySweeper(fs, time.Hour, 10)

	w.sweep(context.Background())

	if fs.remaining != 0 {
		t.Errorf("remaining = %d, want 0", fs.remaining)
	}
	// 10 + 10 + 5: the short batch ends the round.
	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
	for _, l := range fs.limits {
		if l != 10 {
			t.Errorf("limit = %d, want 10", l)
		}
	}
}

func TestExpirySweeperStopsOnError(t *testing.T) {
	t.Parallel()
	fs := &fakeSweeper{remaining: 100, err: errors.New("db locked")}
	w := NewExpirySweeper(fs, time.Hour, 10)

	w.sweep(context.Background())

	if fs.calls != 1 {
		t.Errorf("calls = %d, want 1", fs.calls)
	}
}

func TestExpirySweeperRun(t *testing.T) {
	t.Parallel()
	fs := &fakeSweeper{remaining: 3}
	w := NewExpirySweeper(fs, 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", fs.refreshed)
	}
	if fs.remaining != 0 {
		t.Errorf("remaining = %d, want 0", fs.remaining)
	}
	if fs.calls < 2 {
		t.Errorf("calls = %d, want startup sweep plus ticks", fs.calls)
	}
}
