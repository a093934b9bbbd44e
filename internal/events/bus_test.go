package events

import (
	"context"
	"errors"
	"testing"
)

func record(name string, prio int, types []EventType, got *[]string) *HandlerFunc {
	return &HandlerFunc{
		Name:  name,
		Types: types,
		Prio:  prio,
		Fn: func(ctx context.Context, event *Event) error {
			*got = append(*got, name)
			return nil
		},
	}
}

func TestPublishFiltersOnType(t *testing.T) {
	bus := New()
	var got []string
	bus.Register(record("items", 0, []EventType{EventItemCompleted}, &got))
	bus.Register(record("warnings", 0, []EventType{EventWarning}, &got))

	bus.Publish(context.Background(), &Event{Type: EventItemCompleted})
	bus.Publish(context.Background(), &Event{Type: EventRunFinished})

	if len(got) != 1 || got[0] != "items" {
		t.Errorf("dispatched to %v, want [items]", got)
	}
}

func TestPublishPriorityOrder(t *testing.T) {
	bus := New()
	var got []string
	// Registered out of order; dispatch must sort by priority.
	bus.Register(record("late", 10, []EventType{EventMessage}, &got))
	bus.Register(record("early", 1, []EventType{EventMessage}, &got))
	bus.Register(record("middle", 5, []EventType{EventMessage}, &got))

	bus.Publish(context.Background(), &Event{Type: EventMessage})

	want := []string{"early", "middle", "late"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestPublishHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := New()
	var got []string
	bus.Register(&HandlerFunc{
		Name:  "broken",
		Types: []EventType{EventMessage},
		Prio:  0,
		Fn: func(ctx context.Context, event *Event) error {
			return errors.New("boom")
		},
	})
	bus.Register(record("healthy", 1, []EventType{EventMessage}, &got))

	bus.Publish(context.Background(), &Event{Type: EventMessage})

	if len(got) != 1 {
		t.Errorf("healthy handler ran %d times, want 1", len(got))
	}
}

func TestPublishStampsTime(t *testing.T) {
	bus := New()
	var stamped bool
	bus.Register(&HandlerFunc{
		Name:  "clock",
		Types: []EventType{EventMessage},
		Fn: func(ctx context.Context, event *Event) error {
			stamped = !event.Time.IsZero()
			return nil
		},
	})

	bus.Publish(context.Background(), &Event{Type: EventMessage})
	if !stamped {
		t.Error("Publish should stamp a zero event time")
	}
}

func TestPublishNilEvent(t *testing.T) {
	bus := New()
	bus.Register(record("any", 0, []EventType{EventMessage}, &[]string{}))
	bus.Publish(context.Background(), nil) // Must not panic
}

func TestPublishCancelledContext(t *testing.T) {
	bus := New()
	var got []string
	bus.Register(record("first", 0, []EventType{EventMessage}, &got))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, &Event{Type: EventMessage})

	if len(got) != 0 {
		t.Errorf("handlers ran under a cancelled context: %v", got)
	}
}
