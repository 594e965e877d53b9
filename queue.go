package syncq

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/kvutil"
	"github.com/palantir/stacktrace"
)

const queuePrefix = "internal.changeq"

func queueKey(id string) []byte {
	return kvutil.Key(queuePrefix, id)
}

// ChangeQueue is the ordered, persisted collection of pending changesets.
//
// Every mutation holds mu across its kv transaction and replaces items only after the transaction commits, so the
// in-memory queue never runs ahead of the persisted one.
type ChangeQueue struct {
	mu        sync.Mutex
	db        kv.DB
	items     []*ChangeSet
	seq       uint64
	maxOps    int
	suspender *Suspender
	logger    Logger
}

// NewChangeQueue returns an empty queue persisted to db. Call Load to restore persisted changesets.
// maxOps caps the number of operations a coalesced changeset may hold; zero means unlimited.
func NewChangeQueue(db kv.DB, suspender *Suspender, logger Logger, maxOps int) *ChangeQueue {
	if logger == nil {
		logger = NopLogger()
	}
	return &ChangeQueue{
		db:        db,
		maxOps:    maxOps,
		suspender: suspender,
		logger:    logger,
	}
}

// Load replaces the in-memory queue with the persisted one. Every changeset is restored as Pending, in enqueue order.
func (q *ChangeQueue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []*ChangeSet
	err := q.db.Tx(ctx, false, func(tx kv.Tx) error {
		var err error
		items, err = scanQueue(tx)
		return err
	})
	if err != nil {
		return stacktrace.Propagate(err, "failed to load change queue")
	}
	var seq uint64
	for _, cs := range items {
		cs.State = Pending
		if cs.Seq > seq {
			seq = cs.Seq
		}
	}
	q.items = items
	q.seq = seq
	q.logger.Debug(ctx, "loaded change queue", map[string]any{
		"changesets": len(items),
	})
	return nil
}

// scanQueue reads every persisted changeset ordered by Seq
func scanQueue(tx kv.Tx) ([]*ChangeSet, error) {
	it, err := tx.NewIterator(kv.IterOpts{Prefix: kvutil.Prefix(queuePrefix)})
	if err != nil {
		return nil, stacktrace.Propagate(err, "")
	}
	defer it.Close()
	var items []*ChangeSet
	for it.Valid() {
		bits, err := it.Value()
		if err != nil {
			return nil, stacktrace.Propagate(err, "")
		}
		var cs ChangeSet
		if err := json.Unmarshal(bits, &cs); err != nil {
			return nil, stacktrace.Propagate(err, "corrupt queue row %s", string(it.Key()))
		}
		items = append(items, &cs)
		if err := it.Next(); err != nil {
			return nil, stacktrace.Propagate(err, "")
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Seq < items[j].Seq
	})
	return items, nil
}

// mutate runs fn against a private copy of the queue inside a read/write transaction.
// The copy returned by fn becomes the queue only if the transaction commits.
func (q *ChangeQueue) mutate(ctx context.Context, fn func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.seq
	working := make([]*ChangeSet, len(q.items))
	for i, cs := range q.items {
		working[i] = cs.Clone()
	}
	var next []*ChangeSet
	if err := q.db.Tx(ctx, true, func(tx kv.Tx) error {
		var err error
		next, err = fn(tx, working)
		return err
	}); err != nil {
		q.seq = seq
		return err
	}
	q.items = next
	return nil
}

func (q *ChangeQueue) persist(ctx context.Context, tx kv.Tx, cs *ChangeSet) error {
	bits, err := json.Marshal(cs)
	if err != nil {
		return stacktrace.Propagate(err, "")
	}
	return stacktrace.Propagate(tx.Set(ctx, queueKey(cs.ID), bits), "failed to persist changeset %s", cs.ID)
}

// Append adds the changeset to the tail of the queue without attempting to coalesce it
func (q *ChangeQueue) Append(ctx context.Context, cs *ChangeSet) error {
	if err := cs.Validate(); err != nil {
		return errors.Wrap(err, errors.Validation, "invalid changeset")
	}
	return q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		return q.appendTx(ctx, tx, items, cs.Clone())
	})
}

// MergeIncoming enqueues the changeset, coalescing it into the tail of the queue when the tail is still Pending
// and writes at least one of the same records. It returns the id of the changeset now holding the operations.
func (q *ChangeQueue) MergeIncoming(ctx context.Context, cs *ChangeSet) (string, error) {
	if err := cs.Validate(); err != nil {
		return "", errors.Wrap(err, errors.Validation, "invalid changeset")
	}
	var id string
	err := q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		var err error
		items, id, err = q.mergeTx(ctx, tx, items, cs.Clone())
		return items, err
	})
	return id, err
}

func (q *ChangeQueue) appendTx(ctx context.Context, tx kv.Tx, items []*ChangeSet, cs *ChangeSet) ([]*ChangeSet, error) {
	for _, existing := range items {
		if existing.ID == cs.ID {
			return nil, errors.New(errors.Conflict, "changeset %s is already queued", cs.ID)
		}
	}
	q.seq++
	cs.Seq = q.seq
	cs.State = Pending
	if err := q.persist(ctx, tx, cs); err != nil {
		return nil, err
	}
	return append(items, cs), nil
}

func (q *ChangeQueue) mergeTx(ctx context.Context, tx kv.Tx, items []*ChangeSet, cs *ChangeSet) ([]*ChangeSet, string, error) {
	if target := q.mergeTarget(items, cs); target != nil {
		target.absorb(cs.Operations)
		for k, row := range cs.RowIDs {
			target.RowIDs[k] = row
		}
		if err := q.persist(ctx, tx, target); err != nil {
			return nil, "", err
		}
		q.logger.Debug(ctx, "coalesced changeset", map[string]any{
			"into":       target.ID,
			"incoming":   cs.ID,
			"operations": len(target.Operations),
		})
		return items, target.ID, nil
	}
	items, err := q.appendTx(ctx, tx, items, cs)
	if err != nil {
		return nil, "", err
	}
	return items, cs.ID, nil
}

// mergeTarget walks back from the tail over Pending changesets that share no record with incoming and returns the
// first Pending changeset that does. It stops at an InFlight or Waiting changeset, and returns nil when the
// overlapping changeset is full, so operations on a record are never reordered.
func (q *ChangeQueue) mergeTarget(items []*ChangeSet, incoming *ChangeSet) *ChangeSet {
	for i := len(items) - 1; i >= 0; i-- {
		target := items[i]
		if target.State != Pending {
			return nil
		}
		if target.Database != incoming.Database || !target.Overlaps(incoming) {
			continue
		}
		if q.coalesces(target, incoming) {
			return target
		}
		return nil
	}
	return nil
}

// coalesces returns true if incoming may be folded into target. An InFlight or Waiting target has already been
// transmitted (or must be resubmitted as-is), so its operations are never touched.
func (q *ChangeQueue) coalesces(target, incoming *ChangeSet) bool {
	if target.State != Pending || target.Database != incoming.Database {
		return false
	}
	if !target.Overlaps(incoming) {
		return false
	}
	return q.maxOps <= 0 || target.union(incoming) <= q.maxOps
}

// Next checks out the head of the queue. It returns nil unless dispatch is not suspended, nothing is InFlight and
// the head is Pending. The returned changeset is marked InFlight and is a private copy.
func (q *ChangeQueue) Next() *ChangeSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || (q.suspender != nil && q.suspender.IsSuspended()) {
		return nil
	}
	for _, cs := range q.items {
		if cs.State == InFlight {
			return nil
		}
	}
	head := q.items[0]
	if head.State != Pending {
		return nil
	}
	head.State = InFlight
	return head.Clone()
}

// hasWaiting returns true if any changeset is parked
func (q *ChangeQueue) hasWaiting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cs := range q.items {
		if cs.State == Waiting {
			return true
		}
	}
	return false
}

// release returns an InFlight changeset to Pending without touching the persisted queue. It is used when a push
// settled but its outcome could not be committed locally.
func (q *ChangeQueue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := indexOf(q.items, id); i >= 0 && q.items[i].State == InFlight {
		q.items[i].State = Pending
	}
}

// Remove deletes the changeset. Removing a changeset that is not queued is logged and ignored.
func (q *ChangeQueue) Remove(ctx context.Context, id string) error {
	return q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		return q.removeTx(ctx, tx, items, id)
	})
}

func (q *ChangeQueue) removeTx(ctx context.Context, tx kv.Tx, items []*ChangeSet, id string) ([]*ChangeSet, error) {
	i := indexOf(items, id)
	if i < 0 {
		q.logger.Debug(ctx, "changeset not found for removal", map[string]any{
			"changeset": id,
		})
		return items, nil
	}
	if err := tx.Delete(ctx, queueKey(id)); err != nil {
		return nil, stacktrace.Propagate(err, "failed to delete changeset %s", id)
	}
	return append(items[:i], items[i+1:]...), nil
}

// requeueTx returns the changeset to Pending with the given operations and bumps its attempt count. When it is the
// head of the queue and the next changeset is Pending and overlaps, the next changeset is folded into it.
// A changeset left without operations is removed.
func (q *ChangeQueue) requeueTx(ctx context.Context, tx kv.Tx, items []*ChangeSet, id string, ops []RecordOperation) ([]*ChangeSet, error) {
	i := indexOf(items, id)
	if i < 0 {
		q.logger.Debug(ctx, "changeset not found for requeue", map[string]any{
			"changeset": id,
		})
		return items, nil
	}
	if len(ops) == 0 {
		return q.removeTx(ctx, tx, items, id)
	}
	cs := items[i]
	cs.Operations = nil
	cs.absorb(ops)
	cs.State = Pending
	cs.Attempts++
	if i+1 < len(items) && q.coalesces(cs, items[i+1]) {
		follow := items[i+1]
		cs.absorb(follow.Operations)
		for k, row := range follow.RowIDs {
			cs.RowIDs[k] = row
		}
		if err := tx.Delete(ctx, queueKey(follow.ID)); err != nil {
			return nil, stacktrace.Propagate(err, "failed to delete changeset %s", follow.ID)
		}
		items = append(items[:i+1], items[i+2:]...)
		q.logger.Debug(ctx, "coalesced changeset on retry", map[string]any{
			"into":     cs.ID,
			"incoming": follow.ID,
		})
	}
	if err := q.persist(ctx, tx, cs); err != nil {
		return nil, err
	}
	return items, nil
}

// retagTx carries the change tags of saved records over to the operations of every other queued changeset that
// writes the same records, so follow-up pushes are not rejected as stale.
func (q *ChangeQueue) retagTx(ctx context.Context, tx kv.Tx, items []*ChangeSet, except string, records []ServerRecord) error {
	for _, cs := range items {
		if cs.ID == except || cs.State == InFlight {
			continue
		}
		changed := false
		for _, rec := range records {
			i := cs.indexOf(rec.Record)
			if i < 0 || cs.Operations[i].ChangeTag == rec.System.ChangeTag {
				continue
			}
			cs.Operations[i].ChangeTag = rec.System.ChangeTag
			changed = true
		}
		if changed {
			if err := q.persist(ctx, tx, cs); err != nil {
				return err
			}
		}
	}
	return nil
}

// parkTx marks the changeset Waiting
func (q *ChangeQueue) parkTx(ctx context.Context, tx kv.Tx, items []*ChangeSet, id string, ops []RecordOperation) ([]*ChangeSet, error) {
	i := indexOf(items, id)
	if i < 0 {
		return items, nil
	}
	if len(ops) == 0 {
		return q.removeTx(ctx, tx, items, id)
	}
	cs := items[i]
	cs.Operations = nil
	cs.absorb(ops)
	cs.State = Waiting
	cs.Attempts++
	if err := q.persist(ctx, tx, cs); err != nil {
		return nil, err
	}
	return items, nil
}

// ReleaseWaiting returns every Waiting changeset to Pending and reports how many were released
func (q *ChangeQueue) ReleaseWaiting(ctx context.Context) (int, error) {
	var released int
	err := q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		released = 0
		for _, cs := range items {
			if cs.State != Waiting {
				continue
			}
			cs.State = Pending
			if err := q.persist(ctx, tx, cs); err != nil {
				return nil, err
			}
			released++
		}
		return items, nil
	})
	return released, err
}

// Drop discards a queued changeset without pushing it. A changeset that is InFlight cannot be dropped.
func (q *ChangeQueue) Drop(ctx context.Context, id string) error {
	return q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, errors.New(errors.NotFound, "changeset %s not found", id)
		}
		if items[i].State == InFlight {
			return nil, errors.New(errors.Misuse, "changeset %s is in flight", id)
		}
		return q.removeTx(ctx, tx, items, id)
	})
}

// Purge discards every queued changeset and returns how many were discarded. It fails while a changeset is in flight.
func (q *ChangeQueue) Purge(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cs := range q.items {
		if cs.State == InFlight {
			return 0, errors.New(errors.Misuse, "changeset %s is in flight", cs.ID)
		}
	}
	if err := q.db.DropPrefix(ctx, kvutil.Prefix(queuePrefix)); err != nil {
		return 0, stacktrace.Propagate(err, "failed to purge change queue")
	}
	n := len(q.items)
	q.items = nil
	return n, nil
}

// List returns a copy of the queue in dispatch order
func (q *ChangeQueue) List() []*ChangeSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*ChangeSet, len(q.items))
	for i, cs := range q.items {
		out[i] = cs.Clone()
	}
	return out
}

// Get returns a copy of the changeset with the given id
func (q *ChangeQueue) Get(id string) (*ChangeSet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := indexOf(q.items, id)
	if i < 0 {
		return nil, false
	}
	return q.items[i].Clone(), true
}

// Len returns the number of queued changesets
func (q *ChangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func indexOf(items []*ChangeSet, id string) int {
	for i, cs := range items {
		if cs.ID == id {
			return i
		}
	}
	return -1
}
