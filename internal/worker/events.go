package worker

import (
	"context"
	"log/slog"
	"time"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/app"
)

const (
	eventChanSize  = 1000
	eventDrainTime = 30 * time.Second
)

// EventKind distinguishes cache populate from cache evict.
type EventKind string

// Event kinds.
const (
	EventPopulate EventKind = "populate"
	EventEvict    EventKind = "evict"
)

// Event is a cache lifecycle notification. Evict events use only ID and
// TargetPath of Request.
type Event struct {
	Kind    EventKind
	Request app.GenerateRequest
}

// EventHandler applies cache events.
type EventHandler interface {
	Generate(ctx context.Context, req app.GenerateRequest) (*htrules.Entry, error)
	Remove(ctx context.Context, entryID, targetPath string) error
}

// EventQueue buffers cache events and applies them in arrival order, so a
// populate followed by an evict for the same entry always ends with no file.
type EventQueue struct {
	ch      chan Event
	handler EventHandler
}

// NewEventQueue creates an EventQueue applying events through h.
func NewEventQueue(h EventHandler) *EventQueue {
	return &EventQueue{
		ch:      make(chan Event, eventChanSize),
		handler: h,
	}
}

// Name returns the worker identifier.
func (q *EventQueue) Name() string { return "event_queue" }

// Enqueue adds an event without blocking. It reports false when the queue is full.
func (q *EventQueue) Enqueue(e Event) bool {
	select {
	case q.ch <- e:
		return true
	default:
		slog.Warn("cache event dropped, queue full", "kind", string(e.Kind), "entry_id", e.Request.ID)
		return false
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int { return len(q.ch) }

// Run applies events until ctx is cancelled, then drains what is queued.
func (q *EventQueue) Run(ctx context.Context) error {
	for {
		select {
		case e := <-q.ch:
			q.apply(ctx, e)
		case <-ctx.Done():
			q.drain()
			return nil
		}
	}
}

func (q *EventQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), eventDrainTime)
	defer cancel()

	for {
		select {
		case e := <-q.ch:
			q.apply(ctx, e)
		default:
			return
		}
	}
}

func (q *EventQueue) apply(ctx context.Context, e Event) {
	var err error
	switch e.Kind {
	case EventPopulate:
		_, err = q.handler.Generate(ctx, e.Request)
	case EventEvict:
		err = q.handler.Remove(ctx, e.Request.ID, e.Request.TargetPath)
	default:
		slog.LogAttrs(ctx, slog.LevelWarn, "unknown cache event", slog.String("kind", string(e.Kind)))
		return
	}
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cache event failed",
			slog.String("kind", string(e.Kind)),
			slog.String("entry_id", e.Request.ID),
			slog.String("target_path", e.Request.TargetPath),
			slog.String("error", err.Error()),
		)
	}
}
