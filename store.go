package syncq

import (
	"context"
	"encoding/json"

	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/kvutil"
	"github.com/palantir/stacktrace"
	"github.com/segmentio/ksuid"
)

const (
	docPrefix  = "doc"
	metaPrefix = "sysmeta"
)

func docKey(row RowID) []byte {
	return kvutil.Key(docPrefix, row.Collection, row.ID)
}

func metaKey(row RowID) []byte {
	return kvutil.Key(metaPrefix, row.Collection, row.ID)
}

// Store is the local document store. Every read/write transaction that changes documents enqueues the derived
// changeset in the same kv transaction, so the store and the queue can never disagree about pending work.
type Store struct {
	db       kv.DB
	queue    *ChangeQueue
	deriver  Deriver
	database string
	logger   Logger
	onCommit func(ctx context.Context, changeset string)
}

// NewStore returns a Store writing documents to db and changesets to queue
func NewStore(db kv.DB, queue *ChangeQueue, deriver Deriver, database string, logger Logger) *Store {
	if logger == nil {
		logger = NopLogger()
	}
	if deriver == nil {
		deriver = DocumentDeriver{}
	}
	return &Store{
		db:       db,
		queue:    queue,
		deriver:  deriver,
		database: database,
		logger:   logger,
	}
}

// Tx executes fn in a read/write transaction. On commit, the document changes made by fn are derived into record
// operations and enqueued atomically with them. It returns the id of the changeset holding the operations, or an
// empty string if the commit produced none.
//
// fn runs while the change queue is locked and must not call back into the queue or the engine.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (string, error) {
	var id string
	err := s.queue.mutate(ctx, func(ktx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
		id = ""
		tx := &Tx{kv: ktx, changes: map[string]*Change{}}
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		changes, err := tx.diff()
		if err != nil {
			return nil, stacktrace.Propagate(err, "")
		}
		if len(changes) == 0 {
			return items, nil
		}
		ops, err := s.deriver.Derive(ctx, changes)
		if err != nil {
			return nil, stacktrace.Propagate(err, "failed to derive record operations")
		}
		if len(ops) == 0 {
			return items, nil
		}
		for i, op := range ops {
			if op.ChangeTag != "" || op.Row.ID == "" {
				continue
			}
			meta, err := getMeta(ctx, ktx, op.Row)
			if err != nil {
				return nil, err
			}
			if meta != nil {
				ops[i].ChangeTag = meta.ChangeTag
			}
		}
		cs := NewChangeSet(s.database, ops...)
		if err := cs.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.Validation, "derived an invalid changeset")
		}
		items, id, err = s.queue.mergeTx(ctx, ktx, items, cs)
		return items, err
	})
	if err != nil {
		return "", err
	}
	if id != "" && s.onCommit != nil {
		s.onCommit(ctx, id)
	}
	return id, nil
}

// View executes fn in a read-only transaction
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return s.db.Tx(ctx, false, func(ktx kv.Tx) error {
		return fn(ctx, &Tx{kv: ktx, readOnly: true})
	})
}

// Get returns the document stored at the row
func (s *Store) Get(ctx context.Context, collection, id string) (*Document, error) {
	var doc *Document
	err := s.View(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		doc, err = tx.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

// Metadata returns the remote system fields cached for the row, or nil if the row has never been synced
func (s *Store) Metadata(ctx context.Context, collection, id string) (*SystemFields, error) {
	var meta *SystemFields
	err := s.View(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		meta, err = tx.Metadata(ctx, collection, id)
		return err
	})
	return meta, err
}

// Tx is a transaction against the local store
type Tx struct {
	kv       kv.Tx
	readOnly bool
	order    []string
	changes  map[string]*Change
}

// Get returns the document stored at the row. A missing row is a NotFound error.
func (t *Tx) Get(ctx context.Context, collection, id string) (*Document, error) {
	doc, err := getDoc(ctx, t.kv, RowID{Collection: collection, ID: id})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New(errors.NotFound, "%s/%s not found", collection, id)
	}
	return doc, nil
}

// Set creates or replaces a document, assigning a ksuid if it has no id. It returns the document's id.
func (t *Tx) Set(ctx context.Context, collection string, doc *Document) (string, error) {
	if t.readOnly {
		return "", errors.New(errors.Misuse, "set on a read-only transaction")
	}
	if doc == nil || !doc.Valid() {
		return "", errors.New(errors.Validation, "invalid document")
	}
	doc = doc.Clone()
	if doc.GetID() == "" {
		if err := doc.SetID(ksuid.New().String()); err != nil {
			return "", stacktrace.Propagate(err, "")
		}
	}
	row := RowID{Collection: collection, ID: doc.GetID()}
	before, err := getDoc(ctx, t.kv, row)
	if err != nil {
		return "", err
	}
	if err := t.kv.Set(ctx, docKey(row), doc.Bytes()); err != nil {
		return "", stacktrace.Propagate(err, "failed to set %s", row)
	}
	t.track(row, SetAction, before, doc)
	return row.ID, nil
}

// Delete deletes the document. Deleting a missing row is a no-op.
func (t *Tx) Delete(ctx context.Context, collection, id string) error {
	if t.readOnly {
		return errors.New(errors.Misuse, "delete on a read-only transaction")
	}
	row := RowID{Collection: collection, ID: id}
	before, err := getDoc(ctx, t.kv, row)
	if err != nil {
		return err
	}
	if before == nil {
		return nil
	}
	if err := t.kv.Delete(ctx, docKey(row)); err != nil {
		return stacktrace.Propagate(err, "failed to delete %s", row)
	}
	t.track(row, DeleteAction, before, nil)
	return nil
}

// Metadata returns the remote system fields cached for the row, or nil if the row has never been synced
func (t *Tx) Metadata(ctx context.Context, collection, id string) (*SystemFields, error) {
	return getMeta(ctx, t.kv, RowID{Collection: collection, ID: id})
}

// track records a write. The first write to a row in the transaction fixes its before image.
func (t *Tx) track(row RowID, action ChangeAction, before, after *Document) {
	key := row.String()
	if c, ok := t.changes[key]; ok {
		c.Action = action
		c.After = after
		return
	}
	t.order = append(t.order, key)
	t.changes[key] = &Change{
		Row:    row,
		Action: action,
		Before: before,
		After:  after,
	}
}

func (t *Tx) diff() ([]Change, error) {
	var changes []Change
	for _, key := range t.order {
		c := t.changes[key]
		d, err := Diff(c.Before, c.After)
		if err != nil {
			return nil, err
		}
		if len(d) == 0 {
			continue
		}
		c.Diff = d
		changes = append(changes, *c)
	}
	return changes, nil
}

func getDoc(ctx context.Context, tx kv.Tx, row RowID) (*Document, error) {
	bits, err := tx.Get(ctx, docKey(row))
	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to get %s", row)
	}
	if bits == nil {
		return nil, nil
	}
	return NewDocumentFromBytes(bits)
}

func putDoc(ctx context.Context, tx kv.Tx, row RowID, payload []byte) error {
	doc, err := NewDocumentFromBytes(payload)
	if err != nil {
		return stacktrace.Propagate(err, "invalid payload for %s", row)
	}
	if err := doc.SetID(row.ID); err != nil {
		return stacktrace.Propagate(err, "")
	}
	return stacktrace.Propagate(tx.Set(ctx, docKey(row), doc.Bytes()), "failed to set %s", row)
}

func rowExists(ctx context.Context, tx kv.Tx, row RowID) (bool, error) {
	bits, err := tx.Get(ctx, docKey(row))
	if err != nil {
		return false, stacktrace.Propagate(err, "failed to get %s", row)
	}
	return bits != nil, nil
}

func getMeta(ctx context.Context, tx kv.Tx, row RowID) (*SystemFields, error) {
	bits, err := tx.Get(ctx, metaKey(row))
	if err != nil {
		return nil, stacktrace.Propagate(err, "failed to get metadata for %s", row)
	}
	if bits == nil {
		return nil, nil
	}
	var meta SystemFields
	if err := json.Unmarshal(bits, &meta); err != nil {
		return nil, stacktrace.Propagate(err, "corrupt metadata for %s", row)
	}
	return &meta, nil
}

func setMeta(ctx context.Context, tx kv.Tx, row RowID, meta SystemFields) error {
	bits, err := json.Marshal(meta)
	if err != nil {
		return stacktrace.Propagate(err, "")
	}
	return stacktrace.Propagate(tx.Set(ctx, metaKey(row), bits), "failed to set metadata for %s", row)
}

func deleteMeta(ctx context.Context, tx kv.Tx, row RowID) error {
	return stacktrace.Propagate(tx.Delete(ctx, metaKey(row)), "failed to delete metadata for %s", row)
}
