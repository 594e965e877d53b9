package syncq

import (
	"context"
	"time"

	"github.com/autom8ter/machine/v4"
)

// EventType is the kind of an Event
type EventType string

const (
	// EventEnqueued is published when a commit adds or coalesces a changeset
	EventEnqueued EventType = "enqueued"
	// EventDispatched is published when a changeset is pushed
	EventDispatched EventType = "dispatched"
	// EventCompleted is published when a changeset leaves the queue after a push
	EventCompleted EventType = "completed"
	// EventRequeued is published when a failed changeset returns to Pending
	EventRequeued EventType = "requeued"
	// EventParked is published when a fatal failure parks a changeset as Waiting
	EventParked EventType = "parked"
	// EventDropped is published when a changeset is discarded without being pushed
	EventDropped EventType = "dropped"
	// EventSuspended is published when the suspend count is incremented
	EventSuspended EventType = "suspended"
	// EventResumed is published when the suspend count is decremented
	EventResumed EventType = "resumed"
)

// Event is a lifecycle notification published by an Engine
type Event struct {
	Type      EventType `json:"type"`
	ChangeSet string    `json:"changeset,omitempty"`
	Class     Class     `json:"class,omitempty"`
	Count     int       `json:"count,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const eventsChannel = "syncq.events"

type eventBus struct {
	machine machine.Machine
}

func (e *eventBus) publish(ctx context.Context, evt Event) {
	if e == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e.machine.Publish(ctx, machine.Message{
		Channel: eventsChannel,
		Body:    evt,
	})
}

func (e *eventBus) subscribe(ctx context.Context, fn func(Event) (bool, error)) error {
	return e.machine.Subscribe(ctx, eventsChannel, func(ctx context.Context, msg machine.Message) (bool, error) {
		evt, ok := msg.Body.(Event)
		if !ok {
			return true, nil
		}
		return fn(evt)
	})
}
