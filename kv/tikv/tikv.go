package tikv

import (
	"context"
	"fmt"

	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/kvutil"
	"github.com/autom8ter/syncq/kv/registry"
	"github.com/spf13/cast"
	"github.com/tikv/client-go/v2/txnkv"
)

func init() {
	registry.Register("tikv", func(params map[string]interface{}) (kv.DB, error) {
		if params["pd_addr"] == nil {
			return nil, fmt.Errorf("'pd_addr' is a required paramater")
		}
		return Open(cast.ToStringSlice(params["pd_addr"])...)
	})
}

type tikvKV struct {
	db *txnkv.Client
}

// Open opens a tikv backed kv.DB connected to the given placement driver addresses
func Open(pdAddrs ...string) (kv.DB, error) {
	if len(pdAddrs) == 0 || pdAddrs[0] == "" {
		return nil, fmt.Errorf("empty pd address")
	}
	client, err := txnkv.NewClient(pdAddrs)
	if err != nil {
		return nil, err
	}
	return &tikvKV{
		db: client,
	}, nil
}

func (b *tikvKV) Tx(ctx context.Context, isUpdate bool, fn func(kv.Tx) error) error {
	txn, err := b.db.Begin()
	if err != nil {
		return err
	}
	tx := &tikvTx{txn: txn, readOnly: !isUpdate}
	if err := fn(tx); err != nil {
		_ = txn.Rollback()
		return err
	}
	if !isUpdate {
		return txn.Rollback()
	}
	return txn.Commit(ctx)
}

func (b *tikvKV) DropPrefix(ctx context.Context, prefix ...[]byte) error {
	for _, p := range prefix {
		if _, err := b.db.DeleteRange(ctx, p, kvutil.NextPrefix(p), 1); err != nil {
			return err
		}
	}
	return nil
}

func (b *tikvKV) Close(ctx context.Context) error {
	return b.db.Close()
}
