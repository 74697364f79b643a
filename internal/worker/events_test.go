package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/app"
)

type recordingHandler struct {
	mu  sync.Mutex
	log []string
	err error
}

func (h *recordingHandler) Generate(_ context.Context, req app.GenerateRequest) (*htrules.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, "populate:"+req.ID)
	return &htrules.Entry{ID: req.ID}, h.err
}

func (h *recordingHandler) Remove(_ context.Context, id, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, "evict:"+id)
	return h.err
}

func (h *recordingHandler) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func TestEventQueueAppliesInOrder(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	q := NewEventQueue(h)

	q.Enqueue(Event{Kind: EventPopulate, Request: app.GenerateRequest{ID: "a"}})
	q.Enqueue(Event{Kind: EventEvict, Request: app.GenerateRequest{ID: "a"}})
	q.Enqueue(Event{Kind: "bogus", Request: app.GenerateRequest{ID: "b"}})
	q.Enqueue(Event{Kind: EventPopulate, Request: app.GenerateRequest{ID: "c"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(h.events()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("events = %v", h.events())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	got := h.events()
	want := []string{"populate:a", "evict:a", "populate:c"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventQueueDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	q := NewEventQueue(h)

	for range 5 {
		q.Enqueue(Event{Kind: EventEvict, Request: app.GenerateRequest{ID: "x"}})
	}

	// Already cancelled: Run goes straight to drain.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.events()); n != 5 {
		t.Errorf("applied = %d, want 5", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestEventQueueFull(t *testing.T) {
	t.Parallel()
	q := NewEventQueue(&recordingHandler{})
	for i := range eventChanSize {
		if !q.Enqueue(Event{Kind: EventEvict}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if q.Enqueue(Event{Kind: EventEvict}) {
		t.Error("enqueue on full queue accepted")
	}
}

func TestEventQueueHandlerErrorsDoNotStop(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{err: errors.New("disk full")}
	q := NewEventQueue(h)
	q.Enqueue(Event{Kind: EventPopulate, Request: app.GenerateRequest{ID: "a"}})
	q.Enqueue(Event{Kind: EventPopulate, Request: app.GenerateRequest{ID: "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = q.Run(ctx)

	if n := len(h.events()); n != 2 {
		t.Errorf("applied = %d, want 2", n)
	}
}
