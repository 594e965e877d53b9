package syncq

import (
	"context"
	"sync"

	"github.com/autom8ter/machine/v4"
	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/kv"
	_ "github.com/autom8ter/syncq/kv/badger"
	"github.com/autom8ter/syncq/kv/registry"
	_ "github.com/autom8ter/syncq/kv/tikv"
	"github.com/palantir/stacktrace"
)

// Engine synchronizes local document writes with a remote record service. Every local commit that changes
// documents enqueues a changeset in the same transaction; a single dispatcher pushes changesets one at a time and
// reconciles each outcome back into the local store.
type Engine struct {
	cfg      Config
	db       kv.DB
	ownsDB   bool
	logger   Logger
	remote   RemoteService
	deriver  Deriver
	merger   Merger
	resolver ConflictResolver
	backoff  Backoff

	machine    machine.Machine
	events     *eventBus
	suspender  *Suspender
	queue      *ChangeQueue
	store      *Store
	reconciler *Reconciler
	dispatcher *Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New opens an Engine, restores its persisted queue and starts dispatching if a RemoteService was configured
func New(ctx context.Context, cfg Config, opts ...Opt) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Provider == "" {
		cfg.Provider = "badger"
	}
	e := &Engine{cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		logger, err := NewLogger(cfg.LogLevel, map[string]any{
			"database": cfg.Database,
		})
		if err != nil {
			return nil, stacktrace.Propagate(err, "")
		}
		e.logger = logger
	}
	if e.db == nil {
		db, err := registry.Open(cfg.Provider, cfg.Params)
		if err != nil {
			return nil, stacktrace.Propagate(err, "failed to open %s provider", cfg.Provider)
		}
		e.db = db
		e.ownsDB = true
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.machine = machine.New()
	e.events = &eventBus{machine: e.machine}
	e.suspender = NewSuspender(e.logger)
	e.queue = NewChangeQueue(e.db, e.suspender, e.logger, cfg.MaxOperations)
	if err := e.queue.Load(ctx); err != nil {
		e.cancel()
		if e.ownsDB {
			_ = e.db.Close(ctx)
		}
		return nil, err
	}
	e.store = NewStore(e.db, e.queue, e.deriver, cfg.Database, e.logger)
	e.store.onCommit = e.enqueued
	e.reconciler = NewReconciler(e.queue, e.suspender, e.resolver, e.merger, e.logger)
	e.reconciler.events = e.events
	if e.remote != nil {
		e.dispatcher = NewDispatcher(e.machine, e.queue, e.remote, e.reconciler, e.suspender, e.backoff, e.logger)
		e.dispatcher.events = e.events
		e.machine.Go(e.ctx, e.dispatcher.Run)
	}
	e.logger.Info(ctx, "engine started", map[string]any{
		"provider":   cfg.Provider,
		"changesets": e.queue.Len(),
		"dispatch":   e.remote != nil,
	})
	return e, nil
}

// Suspend increments the suspend count by n and returns the new count. Dispatch is paused while the count is
// non-zero; a push already in flight still completes and is reconciled.
func (e *Engine) Suspend(n int) (int, error) {
	count, err := e.suspender.Increment(n)
	if n > 0 {
		e.events.publish(e.ctx, Event{Type: EventSuspended, Count: count})
	}
	return count, err
}

// Resume decrements the suspend count and returns the new count. Dispatch resumes, and changesets parked by a fatal
// failure are released, when the count reaches zero. Resuming a zero count is reported as a Misuse error.
func (e *Engine) Resume() (int, error) {
	count, err := e.suspender.Decrement()
	if err != nil {
		return count, err
	}
	e.events.publish(e.ctx, Event{Type: EventResumed, Count: count})
	if count == 0 {
		if err := e.releaseWaiting(e.ctx); err != nil {
			return count, err
		}
	}
	return count, nil
}

// releaseWaiting returns parked changesets to Pending and wakes the dispatcher
func (e *Engine) releaseWaiting(ctx context.Context) error {
	released, err := e.queue.ReleaseWaiting(ctx)
	if err != nil {
		e.logger.Error(ctx, "failed to release waiting changesets", err, map[string]any{})
		return stacktrace.Propagate(err, "failed to release waiting changesets")
	}
	if released > 0 {
		e.logger.Info(ctx, "released waiting changesets", map[string]any{
			"changesets": released,
		})
	}
	e.wake()
	return nil
}

// IsSuspended returns true while the suspend count is non-zero
func (e *Engine) IsSuspended() bool {
	return e.suspender.IsSuspended()
}

// Enqueue adds an externally built changeset to the queue, coalescing it with the tail when possible.
// It returns the id of the changeset now holding the operations.
func (e *Engine) Enqueue(ctx context.Context, cs *ChangeSet) (string, error) {
	if cs == nil {
		return "", errors.New(errors.Validation, "empty changeset")
	}
	if cs.RowIDs == nil {
		cs.RowIDs = map[string]RowID{}
	}
	if cs.Database == "" {
		cs.Database = e.cfg.Database
	}
	id, err := e.queue.MergeIncoming(ctx, cs)
	if err != nil {
		return "", err
	}
	e.enqueued(ctx, id)
	return id, nil
}

func (e *Engine) enqueued(ctx context.Context, id string) {
	e.events.publish(ctx, Event{Type: EventEnqueued, ChangeSet: id})
	e.wake()
}

func (e *Engine) wake() {
	if e.dispatcher != nil {
		e.dispatcher.Wake()
	}
}

// OnSuccess reconciles a successful push of cs
func (e *Engine) OnSuccess(ctx context.Context, cs *ChangeSet, records []ServerRecord) error {
	defer e.wake()
	return e.reconciler.OnSuccess(ctx, cs, records)
}

// OnFailure reconciles a failed push of cs and returns the failure's classification
func (e *Engine) OnFailure(ctx context.Context, cs *ChangeSet, err error) (Class, error) {
	defer e.wake()
	return e.reconciler.OnFailure(ctx, cs, err)
}

// Tx executes fn in a local read/write transaction and enqueues the changes it makes. It returns the id of the
// changeset holding them, or an empty string if nothing changed.
func (e *Engine) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (string, error) {
	return e.store.Tx(ctx, fn)
}

// View executes fn in a local read-only transaction
func (e *Engine) View(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return e.store.View(ctx, fn)
}

// Get returns a local document
func (e *Engine) Get(ctx context.Context, collection, id string) (*Document, error) {
	return e.store.Get(ctx, collection, id)
}

// Metadata returns the remote system fields cached for a local document, or nil if it has never been synced
func (e *Engine) Metadata(ctx context.Context, collection, id string) (*SystemFields, error) {
	return e.store.Metadata(ctx, collection, id)
}

// Changesets returns the queued changesets in dispatch order
func (e *Engine) Changesets() []*ChangeSet {
	return e.queue.List()
}

// Changeset returns a queued changeset
func (e *Engine) Changeset(id string) (*ChangeSet, bool) {
	return e.queue.Get(id)
}

// Logger returns the engine's logger
func (e *Engine) Logger() Logger {
	return e.logger
}

// Drop discards a queued changeset without pushing it
func (e *Engine) Drop(ctx context.Context, id string) error {
	if err := e.queue.Drop(ctx, id); err != nil {
		return err
	}
	e.logger.Warn(ctx, "changeset dropped", map[string]any{
		"changeset": id,
	})
	e.events.publish(ctx, Event{Type: EventDropped, ChangeSet: id})
	e.wake()
	return nil
}

// Purge discards every queued changeset. It fails while a changeset is in flight.
func (e *Engine) Purge(ctx context.Context) (int, error) {
	n, err := e.queue.Purge(ctx)
	if err != nil {
		return 0, err
	}
	e.logger.Warn(ctx, "change queue purged", map[string]any{
		"changesets": n,
	})
	return n, nil
}

// Status is a point in time summary of an Engine
type Status struct {
	Database     string `json:"database"`
	Suspended    bool   `json:"suspended"`
	SuspendCount int    `json:"suspendCount"`
	Queued       int    `json:"queued"`
	Pending      int    `json:"pending"`
	InFlight     int    `json:"inFlight"`
	Waiting      int    `json:"waiting"`
}

// Status returns the engine's status
func (e *Engine) Status() Status {
	count := e.suspender.Count()
	s := Status{
		Database:     e.cfg.Database,
		Suspended:    count > 0,
		SuspendCount: count,
	}
	for _, cs := range e.queue.List() {
		s.Queued++
		switch cs.State {
		case Pending:
			s.Pending++
		case InFlight:
			s.InFlight++
		case Waiting:
			s.Waiting++
		}
	}
	return s
}

// Watch calls fn with every event the engine publishes until ctx is cancelled, the engine is closed, or fn
// returns false
func (e *Engine) Watch(ctx context.Context, fn func(Event) (bool, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return e.events.subscribe(ctx, fn)
}

// Close stops dispatching, waits for the dispatcher to exit and closes the kv database if the engine opened it.
// A push still in flight observes the cancellation; its changeset is dispatched again on the next start.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		if werr := e.machine.Wait(); werr != nil {
			e.logger.Error(ctx, "dispatcher exited with error", werr, map[string]any{})
		}
		if e.ownsDB {
			err = stacktrace.Propagate(e.db.Close(ctx), "failed to close %s provider", e.cfg.Provider)
		}
	})
	return err
}
