package syncq_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/syncq"
)

func upsert(zone, name string, payload string) syncq.RecordOperation {
	return syncq.RecordOperation{
		Record:  syncq.RecordID{Zone: zone, Name: name},
		Row:     syncq.RowID{Collection: zone, ID: name},
		Kind:    syncq.Upsert,
		Payload: json.RawMessage(payload),
	}
}

func TestChangeSet(t *testing.T) {
	t.Run("new changeset collapses operations per record", func(t *testing.T) {
		cs := syncq.NewChangeSet("db",
			upsert("user", "1", `{"name":"a"}`),
			upsert("user", "2", `{"name":"b"}`),
			upsert("user", "1", `{"name":"c"}`),
		)
		require.NoError(t, cs.Validate())
		assert.Equal(t, syncq.Pending, cs.State)
		require.Len(t, cs.Operations, 2)
		op, ok := cs.Operation(syncq.RecordID{Zone: "user", Name: "1"})
		assert.True(t, ok)
		assert.JSONEq(t, `{"name":"c"}`, string(op.Payload))
		row, ok := cs.Row(syncq.RecordID{Zone: "user", Name: "2"})
		assert.True(t, ok)
		assert.Equal(t, syncq.RowID{Collection: "user", ID: "2"}, row)
	})
	t.Run("unique ids", func(t *testing.T) {
		a := syncq.NewChangeSet("db", upsert("user", "1", `{}`))
		b := syncq.NewChangeSet("db", upsert("user", "1", `{}`))
		assert.NotEqual(t, a.ID, b.ID)
	})
	t.Run("overlaps", func(t *testing.T) {
		a := syncq.NewChangeSet("db", upsert("user", "1", `{}`))
		b := syncq.NewChangeSet("db", upsert("user", "1", `{}`), upsert("user", "2", `{}`))
		c := syncq.NewChangeSet("db", upsert("task", "1", `{}`))
		assert.True(t, a.Overlaps(b))
		assert.True(t, b.Overlaps(a))
		assert.False(t, a.Overlaps(c))
		assert.True(t, b.Covers(syncq.RecordID{Zone: "user", Name: "2"}))
		assert.Equal(t, []syncq.RecordID{{Zone: "user", Name: "1"}, {Zone: "user", Name: "2"}}, b.Records())
	})
	t.Run("validate", func(t *testing.T) {
		empty := syncq.NewChangeSet("db")
		assert.Error(t, empty.Validate())
		noDatabase := syncq.NewChangeSet("", upsert("user", "1", `{}`))
		assert.Error(t, noDatabase.Validate())
		badKind := syncq.NewChangeSet("db", syncq.RecordOperation{
			Record: syncq.RecordID{Zone: "user", Name: "1"},
			Kind:   "merge",
		})
		assert.Error(t, badKind.Validate())
		badID := syncq.NewChangeSet("db", upsert("user", "1", `{}`))
		badID.ID = "not-a-uuid"
		assert.Error(t, badID.Validate())
	})
	t.Run("clone is deep", func(t *testing.T) {
		a := syncq.NewChangeSet("db", upsert("user", "1", `{"name":"a"}`))
		b := a.Clone()
		b.Operations[0].Payload[9] = 'z'
		b.RowIDs["x/y"] = syncq.RowID{Collection: "x", ID: "y"}
		assert.JSONEq(t, `{"name":"a"}`, string(a.Operations[0].Payload))
		assert.Len(t, a.RowIDs, 1)
	})
	t.Run("parse record id", func(t *testing.T) {
		id, err := syncq.ParseRecordID("user/1")
		assert.NoError(t, err)
		assert.Equal(t, syncq.RecordID{Zone: "user", Name: "1"}, id)
		assert.Equal(t, "user/1", id.String())
		_, err = syncq.ParseRecordID("user")
		assert.Error(t, err)
	})
}
