package kv_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/autom8ter/syncq/kv"
	_ "github.com/autom8ter/syncq/kv/badger"
	"github.com/autom8ter/syncq/kv/registry"
	_ "github.com/autom8ter/syncq/kv/tikv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers() map[string]map[string]interface{} {
	p := map[string]map[string]interface{}{
		"badger": {"storage_path": ""},
	}
	if addr := os.Getenv("TIKV_PD_ADDR"); addr != "" {
		p["tikv"] = map[string]interface{}{"pd_addr": addr}
	}
	return p
}

func Test(t *testing.T) {
	ctx := context.Background()
	for provider, params := range providers() {
		t.Run(provider, func(t *testing.T) {
			db, err := registry.Open(provider, params)
			require.NoError(t, err)
			defer db.Close(ctx)
			data := map[string]string{}
			for i := 0; i < 10; i++ {
				data[fmt.Sprintf("testing/%d", i)] = fmt.Sprint(i)
			}
			t.Run("set", func(t *testing.T) {
				assert.Nil(t, db.Tx(ctx, true, func(tx kv.Tx) error {
					for k, v := range data {
						assert.Nil(t, tx.Set(ctx, []byte(k), []byte(v)))
					}
					return nil
				}))
			})
			t.Run("get", func(t *testing.T) {
				assert.Nil(t, db.Tx(ctx, false, func(tx kv.Tx) error {
					for k, v := range data {
						data, err := tx.Get(ctx, []byte(k))
						assert.NoError(t, err)
						assert.EqualValues(t, v, string(data))
					}
					missing, err := tx.Get(ctx, []byte("testing/missing"))
					assert.NoError(t, err)
					assert.Nil(t, missing)
					return nil
				}))
			})
			t.Run("read only", func(t *testing.T) {
				assert.NotNil(t, db.Tx(ctx, false, func(tx kv.Tx) error {
					return tx.Set(ctx, []byte("testing/ro"), []byte("x"))
				}))
			})
			t.Run("iterate", func(t *testing.T) {
				assert.Nil(t, db.Tx(ctx, false, func(tx kv.Tx) error {
					iter, err := tx.NewIterator(kv.IterOpts{Prefix: []byte("testing/")})
					assert.NoError(t, err)
					defer iter.Close()
					i := 0
					for iter.Valid() {
						i++
						val, _ := iter.Value()
						assert.EqualValues(t, string(val), data[string(iter.Key())])
						assert.NoError(t, iter.Next())
					}
					assert.Equal(t, len(data), i)
					return nil
				}))
			})
			t.Run("rollback on error", func(t *testing.T) {
				assert.NotNil(t, db.Tx(ctx, true, func(tx kv.Tx) error {
					assert.Nil(t, tx.Set(ctx, []byte("testing/rolledback"), []byte("x")))
					return fmt.Errorf("abort")
				}))
				assert.Nil(t, db.Tx(ctx, false, func(tx kv.Tx) error {
					val, err := tx.Get(ctx, []byte("testing/rolledback"))
					assert.NoError(t, err)
					assert.Nil(t, val)
					return nil
				}))
			})
			t.Run("delete", func(t *testing.T) {
				assert.Nil(t, db.Tx(ctx, true, func(tx kv.Tx) error {
					for k := range data {
						assert.Nil(t, tx.Delete(ctx, []byte(k)))
					}
					for k := range data {
						bytes, _ := tx.Get(ctx, []byte(k))
						assert.Nil(t, bytes)
					}
					return nil
				}))
			})
			t.Run("drop prefix", func(t *testing.T) {
				assert.Nil(t, db.Tx(ctx, true, func(tx kv.Tx) error {
					for k, v := range data {
						assert.Nil(t, tx.Set(ctx, []byte(k), []byte(v)))
					}
					return nil
				}))
				assert.NoError(t, db.DropPrefix(ctx, []byte("testing/")))
				count := 0
				assert.NoError(t, db.Tx(ctx, false, func(tx kv.Tx) error {
					iter, err := tx.NewIterator(kv.IterOpts{Prefix: []byte("testing/")})
					assert.NoError(t, err)
					defer iter.Close()
					for iter.Valid() {
						count++
						assert.NoError(t, iter.Next())
					}
					return nil
				}))
				assert.Equal(t, 0, count)
			})
		})
	}
	t.Run("unregistered provider", func(t *testing.T) {
		_, err := registry.Open("nope", nil)
		assert.Error(t, err)
	})
}
