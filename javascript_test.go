package syncq_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autom8ter/syncq"
)

const resolveScript = `
function resolve(conflict) {
	if (conflict.remote.deleted) {
		return "drop"
	}
	if (conflict.local.payload.priority > conflict.remote.payload.priority) {
		return "regenerate"
	}
	return "retry"
}
`

func TestScriptResolver(t *testing.T) {
	ctx := context.Background()
	resolver, err := syncq.NewScriptResolver(resolveScript)
	require.NoError(t, err)
	conflict := func(localPriority, remotePriority int, deleted bool) syncq.Conflict {
		local := upsert("task", "1", "")
		local.Payload, _ = json.Marshal(map[string]any{"priority": localPriority})
		remote := &syncq.ServerRecord{Record: local.Record, Deleted: deleted}
		remote.Payload, _ = json.Marshal(map[string]any{"priority": remotePriority})
		return syncq.Conflict{Local: local, Remote: remote}
	}
	t.Run("regenerate", func(t *testing.T) {
		r, err := resolver.Resolve(ctx, conflict(5, 1, false))
		assert.NoError(t, err)
		assert.Equal(t, syncq.Regenerate, r)
	})
	t.Run("retry", func(t *testing.T) {
		r, err := resolver.Resolve(ctx, conflict(1, 5, false))
		assert.NoError(t, err)
		assert.Equal(t, syncq.Retry, r)
	})
	t.Run("drop", func(t *testing.T) {
		r, err := resolver.Resolve(ctx, conflict(1, 5, true))
		assert.NoError(t, err)
		assert.Equal(t, syncq.Drop, r)
	})
	t.Run("unknown resolution", func(t *testing.T) {
		bad, err := syncq.NewScriptResolver(`function resolve(conflict) { return "merge" }`)
		require.NoError(t, err)
		_, err = bad.Resolve(ctx, conflict(1, 1, false))
		assert.Error(t, err)
	})
	t.Run("script error", func(t *testing.T) {
		bad, err := syncq.NewScriptResolver(`function resolve(conflict) { throw new Error("boom") }`)
		require.NoError(t, err)
		_, err = bad.Resolve(ctx, conflict(1, 1, false))
		assert.Error(t, err)
	})
	t.Run("missing function", func(t *testing.T) {
		_, err := syncq.NewScriptResolver(`var x = 1`)
		assert.Error(t, err)
	})
	t.Run("syntax error", func(t *testing.T) {
		_, err := syncq.NewScriptResolver(`function resolve(`)
		assert.Error(t, err)
	})
}
