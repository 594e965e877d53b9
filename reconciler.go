package syncq

import (
	"context"

	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/kv"
	"github.com/palantir/stacktrace"
	"github.com/samber/lo"
)

// Reconciler applies the outcome of a push to the local store and the change queue. Each outcome commits in a
// single kv transaction: either every metadata update and the queue change persist, or none do.
type Reconciler struct {
	queue     *ChangeQueue
	suspender *Suspender
	resolver  ConflictResolver
	merger    Merger
	logger    Logger
	events    *eventBus
}

// NewReconciler returns a Reconciler. A nil resolver regenerates conflicting operations with merger, and a nil
// merger is a FieldMerger.
func NewReconciler(queue *ChangeQueue, suspender *Suspender, resolver ConflictResolver, merger Merger, logger Logger) *Reconciler {
	if logger == nil {
		logger = NopLogger()
	}
	if merger == nil {
		merger = FieldMerger{}
	}
	if resolver == nil {
		resolver = ResolveWith(Regenerate)
	}
	return &Reconciler{
		queue:     queue,
		suspender: suspender,
		resolver:  resolver,
		merger:    merger,
		logger:    logger,
	}
}

// OnSuccess caches the system fields of every saved record on the local row it was derived from and removes the
// changeset from the queue. Records without a row mapping, or whose row was deleted since enqueue, are skipped.
func (r *Reconciler) OnSuccess(ctx context.Context, cs *ChangeSet, records []ServerRecord) error {
	err := r.queue.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		if err := r.applySaved(ctx, tx, items, cs, records); err != nil {
			return nil, err
		}
		return r.queue.removeTx(ctx, tx, items, cs.ID)
	})
	if err != nil {
		return stacktrace.Propagate(err, "failed to reconcile changeset %s", cs.ID)
	}
	r.logger.Debug(ctx, "changeset completed", map[string]any{
		"changeset": cs.ID,
		"records":   len(records),
	})
	r.events.publish(ctx, Event{Type: EventCompleted, ChangeSet: cs.ID})
	return nil
}

// OnFailure classifies a failed push and applies the matching recovery. Records the service saved before failing
// are applied in the same transaction. It returns the failure's classification.
//
//   - Transient: the changeset returns to Pending, coalesced with the next changeset when they overlap.
//   - ConflictClass: each conflicting operation is retried, dropped or regenerated as the ConflictResolver decides.
//   - Fatal: the changeset is parked as Waiting and dispatch is suspended until an external resume.
func (r *Reconciler) OnFailure(ctx context.Context, cs *ChangeSet, cause error) (Class, error) {
	class := Classify(cause)
	if class == "" {
		return "", errors.New(errors.Misuse, "OnFailure called without an error for changeset %s", cs.ID)
	}
	var (
		saved     []ServerRecord
		conflicts []Conflict
	)
	if perr, ok := AsPushError(cause); ok {
		saved = perr.Saved
		conflicts = perr.Conflicts
	}
	remaining := cs.without(lo.Map(saved, func(rec ServerRecord, _ int) RecordID {
		return rec.Record
	}))
	tags := map[string]any{
		"changeset": cs.ID,
		"class":     class,
		"saved":     len(saved),
		"attempts":  cs.Attempts + 1,
	}

	switch class {
	case ConflictClass:
		res, err := r.resolve(ctx, cs, remaining, conflicts)
		if err != nil {
			return class, stacktrace.Propagate(err, "failed to resolve conflicts for changeset %s", cs.ID)
		}
		err = r.queue.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
			if err := r.applySaved(ctx, tx, items, cs, saved); err != nil {
				return nil, err
			}
			if err := r.applyResolution(ctx, tx, res); err != nil {
				return nil, err
			}
			adopted := lo.Map(res.adopted, func(a adoption, _ int) ServerRecord {
				return a.record
			})
			if err := r.queue.retagTx(ctx, tx, items, cs.ID, adopted); err != nil {
				return nil, err
			}
			return r.queue.requeueTx(ctx, tx, items, cs.ID, res.ops)
		})
		if err != nil {
			return class, stacktrace.Propagate(err, "failed to reconcile changeset %s", cs.ID)
		}
		tags["operations"] = len(res.ops)
		r.logger.Warn(ctx, "push conflicted", tags)
		if len(res.ops) == 0 {
			r.events.publish(ctx, Event{Type: EventCompleted, ChangeSet: cs.ID, Class: class})
		} else {
			r.events.publish(ctx, Event{Type: EventRequeued, ChangeSet: cs.ID, Class: class, Error: cause.Error()})
		}
	case Transient:
		err := r.queue.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
			if err := r.applySaved(ctx, tx, items, cs, saved); err != nil {
				return nil, err
			}
			return r.queue.requeueTx(ctx, tx, items, cs.ID, remaining)
		})
		if err != nil {
			return class, stacktrace.Propagate(err, "failed to reconcile changeset %s", cs.ID)
		}
		r.logger.Warn(ctx, "push failed, will retry", tags)
		r.events.publish(ctx, Event{Type: EventRequeued, ChangeSet: cs.ID, Class: class, Error: cause.Error()})
	default:
		err := r.queue.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
			if err := r.applySaved(ctx, tx, items, cs, saved); err != nil {
				return nil, err
			}
			return r.queue.parkTx(ctx, tx, items, cs.ID, remaining)
		})
		if err != nil {
			return class, stacktrace.Propagate(err, "failed to reconcile changeset %s", cs.ID)
		}
		r.logger.Error(ctx, "push failed, suspending dispatch", cause, tags)
		r.events.publish(ctx, Event{Type: EventParked, ChangeSet: cs.ID, Class: class, Error: cause.Error()})
		if _, err := r.suspender.Increment(1); err != nil {
			r.logger.Warn(ctx, "failed to suspend dispatch", map[string]any{
				"changeset": cs.ID,
				"error":     err.Error(),
			})
		}
	}
	return class, nil
}

// applySaved writes the system fields of saved records to their local rows and to the queued operations that
// follow up on them
func (r *Reconciler) applySaved(ctx context.Context, tx kv.Tx, items []*ChangeSet, cs *ChangeSet, records []ServerRecord) error {
	if err := r.queue.retagTx(ctx, tx, items, cs.ID, records); err != nil {
		return err
	}
	for _, rec := range records {
		row, ok := cs.Row(rec.Record)
		if !ok {
			r.logger.Debug(ctx, "no local row for saved record", map[string]any{
				"changeset": cs.ID,
				"record":    rec.Record.String(),
			})
			continue
		}
		if op, ok := cs.Operation(rec.Record); (ok && op.Kind == Delete) || rec.Deleted {
			if err := deleteMeta(ctx, tx, row); err != nil {
				return err
			}
			continue
		}
		exists, err := rowExists(ctx, tx, row)
		if err != nil {
			return err
		}
		if !exists {
			r.logger.Debug(ctx, "local row deleted since enqueue", map[string]any{
				"changeset": cs.ID,
				"row":       row.String(),
			})
			continue
		}
		if err := setMeta(ctx, tx, row, rec.System); err != nil {
			return err
		}
	}
	return nil
}

type resolution struct {
	ops []RecordOperation
	// adopted are server records whose local operations were dropped
	adopted []adoption
	// regenerated are merged writes that replace local rows
	regenerated []RecordOperation
}

type adoption struct {
	row    RowID
	record ServerRecord
}

// resolve runs the ConflictResolver on each conflict. It runs outside of any transaction.
func (r *Reconciler) resolve(ctx context.Context, cs *ChangeSet, ops []RecordOperation, conflicts []Conflict) (*resolution, error) {
	scratch := cs.Clone()
	scratch.Operations = nil
	scratch.absorb(ops)
	res := &resolution{}
	for _, c := range conflicts {
		local, ok := scratch.Operation(c.Local.Record)
		if !ok {
			continue
		}
		c.Local = local
		decision := Retry
		if c.Remote == nil {
			r.logger.Warn(ctx, "conflict without a server record, retrying", map[string]any{
				"changeset": cs.ID,
				"record":    local.Record.String(),
			})
		} else {
			var err error
			decision, err = r.resolver.Resolve(ctx, c)
			if err != nil {
				return nil, err
			}
		}
		switch decision {
		case Retry:
		case Drop:
			scratch.Operations = scratch.without([]RecordID{local.Record})
			if row, ok := scratch.Row(local.Record); ok {
				res.adopted = append(res.adopted, adoption{row: row, record: *c.Remote})
			}
		case Regenerate:
			merged, err := r.merger.Merge(ctx, local, *c.Remote)
			if err != nil {
				return nil, err
			}
			scratch.Operations = scratch.without([]RecordID{local.Record})
			for i := range merged {
				if merged[i].Row.ID == "" && merged[i].Record == local.Record {
					merged[i].Row = local.Row
				}
			}
			scratch.absorb(merged)
			res.regenerated = append(res.regenerated, merged...)
		default:
			return nil, errors.New(errors.Validation, "unknown conflict resolution %q", decision)
		}
	}
	res.ops = scratch.Operations
	return res, nil
}

func (r *Reconciler) applyResolution(ctx context.Context, tx kv.Tx, res *resolution) error {
	for _, a := range res.adopted {
		if a.record.Deleted {
			if err := tx.Delete(ctx, docKey(a.row)); err != nil {
				return stacktrace.Propagate(err, "")
			}
			if err := deleteMeta(ctx, tx, a.row); err != nil {
				return err
			}
			continue
		}
		if len(a.record.Payload) > 0 {
			if err := putDoc(ctx, tx, a.row, a.record.Payload); err != nil {
				return err
			}
		}
		if err := setMeta(ctx, tx, a.row, a.record.System); err != nil {
			return err
		}
	}
	for _, op := range res.regenerated {
		if op.Kind != Upsert || op.Row.ID == "" || len(op.Payload) == 0 {
			continue
		}
		if err := putDoc(ctx, tx, op.Row, op.Payload); err != nil {
			return err
		}
	}
	return nil
}
