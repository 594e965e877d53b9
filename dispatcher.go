package syncq

import (
	"context"
	"time"

	"github.com/autom8ter/machine/v4"
)

type pushResult struct {
	cs      *ChangeSet
	records []ServerRecord
	err     error
}

// Dispatcher submits exactly one changeset at a time to the remote service.
//
// Run owns the dispatch loop. Pushes run on their own goroutine and deliver their result back into the loop, so
// the outcome of a push is always reconciled before the next changeset is checked out.
type Dispatcher struct {
	queue      *ChangeQueue
	remote     RemoteService
	reconciler *Reconciler
	suspender  *Suspender
	backoff    Backoff
	machine    machine.Machine
	logger     Logger
	events     *eventBus

	wake    chan struct{}
	resumed chan struct{}
	results chan pushResult
}

// NewDispatcher returns a Dispatcher. It registers itself with suspender so that dispatch resumes when the suspend
// count returns to zero.
func NewDispatcher(m machine.Machine, queue *ChangeQueue, remote RemoteService, reconciler *Reconciler, suspender *Suspender, backoff Backoff, logger Logger) *Dispatcher {
	if logger == nil {
		logger = NopLogger()
	}
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	d := &Dispatcher{
		queue:      queue,
		remote:     remote,
		reconciler: reconciler,
		suspender:  suspender,
		backoff:    backoff,
		machine:    m,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		resumed:    make(chan struct{}, 1),
		results:    make(chan pushResult),
	}
	suspender.OnTransition(func(suspended bool) {
		if !suspended {
			signal(d.resumed)
		}
	})
	return d
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Wake asks the dispatcher to look for work
func (d *Dispatcher) Wake() {
	signal(d.wake)
}

// Run dispatches changesets until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	var (
		inflight bool
		timer    *time.Timer
		retry    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if !inflight && retry == nil {
			if err := d.release(ctx); err != nil {
				timer = time.NewTimer(d.backoff.Next(1))
				retry = timer.C
			} else {
				inflight = d.dispatch(ctx)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-d.resumed:
		case res := <-d.results:
			inflight = false
			if ctx.Err() != nil {
				// shutting down: the changeset stays queued and is dispatched again on the next start
				return nil
			}
			if delay := d.settle(ctx, res); delay > 0 {
				timer = time.NewTimer(delay)
				retry = timer.C
			}
		case <-retry:
			retry = nil
			timer = nil
		}
	}
}

// release returns parked changesets to Pending once dispatch is no longer suspended. The engine releases them on
// resume; this retries a release that failed there.
func (d *Dispatcher) release(ctx context.Context) error {
	if d.suspender.IsSuspended() || !d.queue.hasWaiting() {
		return nil
	}
	released, err := d.queue.ReleaseWaiting(ctx)
	if err != nil {
		d.logger.Error(ctx, "failed to release waiting changesets", err, map[string]any{})
		return err
	}
	if released > 0 {
		d.logger.Info(ctx, "released waiting changesets", map[string]any{
			"changesets": released,
		})
	}
	return nil
}

// dispatch checks out the head of the queue and pushes it. It returns false if there was nothing to push.
func (d *Dispatcher) dispatch(ctx context.Context) bool {
	cs := d.queue.Next()
	if cs == nil {
		return false
	}
	d.logger.Debug(ctx, "dispatching changeset", map[string]any{
		"changeset":  cs.ID,
		"operations": len(cs.Operations),
		"attempts":   cs.Attempts,
	})
	d.events.publish(ctx, Event{Type: EventDispatched, ChangeSet: cs.ID})
	d.machine.Go(ctx, func(ctx context.Context) error {
		records, err := d.remote.Push(ctx, cs.Database, cs.Operations)
		select {
		case d.results <- pushResult{cs: cs, records: records, err: err}:
		case <-ctx.Done():
		}
		return nil
	})
	return true
}

// settle reconciles a push result and returns how long to wait before the next checkout
func (d *Dispatcher) settle(ctx context.Context, res pushResult) time.Duration {
	if res.err == nil {
		if err := d.reconciler.OnSuccess(ctx, res.cs, res.records); err != nil {
			d.logger.Error(ctx, "failed to apply push result", err, map[string]any{
				"changeset": res.cs.ID,
			})
			d.queue.release(res.cs.ID)
			return d.backoff.Next(res.cs.Attempts + 1)
		}
		return 0
	}
	class, err := d.reconciler.OnFailure(ctx, res.cs, res.err)
	if err != nil {
		d.logger.Error(ctx, "failed to apply push failure", err, map[string]any{
			"changeset": res.cs.ID,
			"cause":     res.err.Error(),
		})
		d.queue.release(res.cs.ID)
		return d.backoff.Next(res.cs.Attempts + 1)
	}
	if class == Fatal {
		return 0
	}
	if _, ok := d.queue.Get(res.cs.ID); !ok {
		return 0
	}
	return d.backoff.Next(res.cs.Attempts + 1)
}
