package syncq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/badger"
)

func testQueue(t *testing.T, maxOps int) (*ChangeQueue, *Suspender, kv.DB) {
	db, err := badger.Open(badger.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close(context.Background())
	})
	s := NewSuspender(nil)
	return NewChangeQueue(db, s, nil, maxOps), s, db
}

func op(name, payload string) RecordOperation {
	return RecordOperation{
		Record:  RecordID{Zone: "user", Name: name},
		Row:     RowID{Collection: "user", ID: name},
		Kind:    Upsert,
		Payload: json.RawMessage(payload),
	}
}

func TestChangeQueue(t *testing.T) {
	ctx := context.Background()
	t.Run("pending tail coalesces", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		a := NewChangeSet("db", op("r1", `{"v":1}`))
		b := NewChangeSet("db", op("r1", `{"v":2}`), op("r2", `{"v":1}`))
		id, err := q.MergeIncoming(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, a.ID, id)
		id, err = q.MergeIncoming(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, a.ID, id)
		require.Equal(t, 1, q.Len())
		head, ok := q.Get(a.ID)
		require.True(t, ok)
		require.Len(t, head.Operations, 2)
		r1, _ := head.Operation(RecordID{Zone: "user", Name: "r1"})
		assert.JSONEq(t, `{"v":2}`, string(r1.Payload))
		_, ok = head.Row(RecordID{Zone: "user", Name: "r2"})
		assert.True(t, ok)
	})
	t.Run("in flight changeset is never touched", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		a := NewChangeSet("db", op("r1", `{"v":1}`))
		_, err := q.MergeIncoming(ctx, a)
		require.NoError(t, err)
		inflight := q.Next()
		require.NotNil(t, inflight)
		assert.Equal(t, InFlight, inflight.State)

		b := NewChangeSet("db", op("r1", `{"v":2}`))
		id, err := q.MergeIncoming(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, b.ID, id)
		list := q.List()
		require.Len(t, list, 2)
		assert.Equal(t, InFlight, list[0].State)
		assert.JSONEq(t, `{"v":1}`, string(list[0].Operations[0].Payload))
		assert.Equal(t, Pending, list[1].State)
		assert.Nil(t, q.Next(), "only one changeset may be in flight")

		require.NoError(t, q.Remove(ctx, a.ID))
		next := q.Next()
		require.NotNil(t, next)
		assert.Equal(t, b.ID, next.ID)
	})
	t.Run("disjoint changesets stay separate", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{}`)))
		require.NoError(t, err)
		_, err = q.MergeIncoming(ctx, NewChangeSet("db", op("r2", `{}`)))
		require.NoError(t, err)
		_, err = q.MergeIncoming(ctx, NewChangeSet("other", op("r2", `{}`)))
		require.NoError(t, err)
		assert.Equal(t, 3, q.Len())
	})
	t.Run("max operations", func(t *testing.T) {
		q, _, _ := testQueue(t, 2)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{}`), op("r2", `{}`)))
		require.NoError(t, err)
		_, err = q.MergeIncoming(ctx, NewChangeSet("db", op("r2", `{"v":2}`)))
		require.NoError(t, err)
		assert.Equal(t, 1, q.Len())
		_, err = q.MergeIncoming(ctx, NewChangeSet("db", op("r2", `{}`), op("r3", `{}`)))
		require.NoError(t, err)
		assert.Equal(t, 2, q.Len())
	})
	t.Run("coalesces past disjoint pending changesets", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		a := NewChangeSet("db", op("r1", `{"v":1}`))
		x := NewChangeSet("db", op("r2", `{}`))
		_, err := q.MergeIncoming(ctx, a)
		require.NoError(t, err)
		_, err = q.MergeIncoming(ctx, x)
		require.NoError(t, err)
		id, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{"v":2}`)))
		require.NoError(t, err)
		assert.Equal(t, a.ID, id)
		list := q.List()
		require.Len(t, list, 2)
		assert.Equal(t, a.ID, list[0].ID)
		assert.JSONEq(t, `{"v":2}`, string(list[0].Operations[0].Payload))
		assert.Equal(t, x.ID, list[1].ID)
	})
	t.Run("coalesces into the nearest overlapping changeset", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{}`)))
		require.NoError(t, err)
		x := NewChangeSet("db", op("r2", `{}`))
		_, err = q.MergeIncoming(ctx, x)
		require.NoError(t, err)
		id, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{"v":2}`), op("r2", `{"v":2}`)))
		require.NoError(t, err)
		assert.Equal(t, x.ID, id)
		list := q.List()
		require.Len(t, list, 2)
		assert.JSONEq(t, `{}`, string(list[0].Operations[0].Payload))
		assert.Len(t, list[1].Operations, 2)
	})
	t.Run("never coalesces past an in flight changeset", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{}`)))
		require.NoError(t, err)
		require.NotNil(t, q.Next())
		_, err = q.MergeIncoming(ctx, NewChangeSet("db", op("r2", `{}`)))
		require.NoError(t, err)
		b := NewChangeSet("db", op("r1", `{"v":2}`))
		id, err := q.MergeIncoming(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, b.ID, id)
		assert.Equal(t, 3, q.Len())
	})
	t.Run("suspended queue returns nothing", func(t *testing.T) {
		q, s, _ := testQueue(t, 0)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{}`)))
		require.NoError(t, err)
		_, _ = s.Increment(1)
		assert.Nil(t, q.Next())
		_, _ = s.Decrement()
		assert.NotNil(t, q.Next())
	})
	t.Run("remove miss is not an error", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		assert.NoError(t, q.Remove(ctx, "missing"))
	})
	t.Run("invalid changeset", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db"))
		assert.True(t, errors.Is(err, errors.Validation))
		assert.Equal(t, 0, q.Len())
	})
	t.Run("duplicate append", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		cs := NewChangeSet("db", op("r1", `{}`))
		require.NoError(t, q.Append(ctx, cs))
		assert.True(t, errors.Is(q.Append(ctx, cs), errors.Conflict))
		assert.Equal(t, 1, q.Len())
	})
	t.Run("requeue coalesces the next pending changeset", func(t *testing.T) {
		q, _, db := testQueue(t, 0)
		a := NewChangeSet("db", op("r1", `{"v":1}`))
		b := NewChangeSet("db", op("r1", `{"v":2}`), op("r2", `{}`))
		_, err := q.MergeIncoming(ctx, a)
		require.NoError(t, err)
		inflight := q.Next()
		require.NotNil(t, inflight)
		_, err = q.MergeIncoming(ctx, b)
		require.NoError(t, err)
		require.Equal(t, 2, q.Len())

		require.NoError(t, q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
			return q.requeueTx(ctx, tx, items, inflight.ID, inflight.Operations)
		}))
		list := q.List()
		require.Len(t, list, 1)
		assert.Equal(t, a.ID, list[0].ID)
		assert.Equal(t, Pending, list[0].State)
		assert.Equal(t, 1, list[0].Attempts)
		r1, _ := list[0].Operation(RecordID{Zone: "user", Name: "r1"})
		assert.JSONEq(t, `{"v":2}`, string(r1.Payload))

		require.NoError(t, db.Tx(ctx, false, func(tx kv.Tx) error {
			bits, err := tx.Get(ctx, queueKey(b.ID))
			assert.Nil(t, bits)
			return err
		}))
	})
	t.Run("park and release", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		a := NewChangeSet("db", op("r1", `{}`))
		_, err := q.MergeIncoming(ctx, a)
		require.NoError(t, err)
		inflight := q.Next()
		require.NoError(t, q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
			return q.parkTx(ctx, tx, items, inflight.ID, inflight.Operations)
		}))
		parked, _ := q.Get(a.ID)
		assert.Equal(t, Waiting, parked.State)
		assert.Nil(t, q.Next())

		_, err = q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{"v":2}`)))
		require.NoError(t, err)
		assert.Equal(t, 2, q.Len(), "waiting changesets do not coalesce")

		released, err := q.ReleaseWaiting(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, released)
		next := q.Next()
		require.NotNil(t, next)
		assert.Equal(t, a.ID, next.ID)
	})
	t.Run("restart restores order as pending", func(t *testing.T) {
		q, s, db := testQueue(t, 0)
		var ids []string
		for _, name := range []string{"r1", "r2", "r3", "r4"} {
			cs := NewChangeSet("db", op(name, `{}`))
			_, err := q.MergeIncoming(ctx, cs)
			require.NoError(t, err)
			ids = append(ids, cs.ID)
		}
		require.NotNil(t, q.Next())

		restarted := NewChangeQueue(db, s, nil, 0)
		require.NoError(t, restarted.Load(ctx))
		list := restarted.List()
		require.Len(t, list, 4)
		for i, cs := range list {
			assert.Equal(t, ids[i], cs.ID)
			assert.Equal(t, Pending, cs.State)
		}
		next := restarted.Next()
		require.NotNil(t, next)
		assert.Equal(t, ids[0], next.ID)

		cs := NewChangeSet("db", op("r9", `{}`))
		_, err := restarted.MergeIncoming(ctx, cs)
		require.NoError(t, err)
		last, _ := restarted.Get(cs.ID)
		assert.Greater(t, last.Seq, list[3].Seq)
	})
	t.Run("failed commit leaves queue untouched", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		_, err := q.MergeIncoming(ctx, NewChangeSet("db", op("r1", `{"v":1}`)))
		require.NoError(t, err)
		err = q.mutate(ctx, func(tx kv.Tx, items []*ChangeSet) ([]*ChangeSet, error) {
			items, _, err := q.mergeTx(ctx, tx, items, NewChangeSet("db", op("r1", `{"v":2}`)))
			require.NoError(t, err)
			return items, errors.New(errors.Internal, "rollback")
		})
		assert.Error(t, err)
		list := q.List()
		require.Len(t, list, 1)
		assert.JSONEq(t, `{"v":1}`, string(list[0].Operations[0].Payload))
	})
	t.Run("drop and purge", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		a := NewChangeSet("db", op("r1", `{}`))
		b := NewChangeSet("db", op("r2", `{}`))
		_, _ = q.MergeIncoming(ctx, a)
		_, _ = q.MergeIncoming(ctx, b)
		require.NotNil(t, q.Next())
		assert.True(t, errors.Is(q.Drop(ctx, a.ID), errors.Misuse))
		assert.True(t, errors.Is(q.Drop(ctx, "missing"), errors.NotFound))
		assert.NoError(t, q.Drop(ctx, b.ID))
		assert.Equal(t, 1, q.Len())
		_, err := q.Purge(ctx)
		assert.True(t, errors.Is(err, errors.Misuse))
		q.release(a.ID)
		n, err := q.Purge(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, q.Len())
		require.NoError(t, q.Load(ctx))
		assert.Equal(t, 0, q.Len())
	})
	t.Run("concurrent checkout", func(t *testing.T) {
		q, _, _ := testQueue(t, 0)
		for _, name := range []string{"r1", "r2", "r3"} {
			_, err := q.MergeIncoming(ctx, NewChangeSet("db", op(name, `{}`)))
			require.NoError(t, err)
		}
		var (
			mu         sync.Mutex
			checkedOut int
			wg         sync.WaitGroup
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if q.Next() != nil {
					mu.Lock()
					checkedOut++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, checkedOut)
	})
}
