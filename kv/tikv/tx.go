package tikv

import (
	"context"
	"fmt"

	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/kvutil"
	tikvErr "github.com/tikv/client-go/v2/error"
	"github.com/tikv/client-go/v2/txnkv/transaction"
)

type tikvTx struct {
	txn      *transaction.KVTxn
	readOnly bool
}

func (t *tikvTx) NewIterator(kopts kv.IterOpts) (kv.Iterator, error) {
	lower := kopts.Prefix
	if kopts.Seek != nil {
		lower = kopts.Seek
	}
	var upper []byte
	if kopts.Prefix != nil {
		upper = kvutil.NextPrefix(kopts.Prefix)
	}
	iter, err := t.txn.Iter(lower, upper)
	if err != nil {
		return nil, err
	}
	return &tikvIterator{iter: iter, txn: t.txn, opts: kopts}, nil
}

func (t *tikvTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, err := t.txn.Get(ctx, key)
	if err != nil {
		if tikvErr.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return val, err
}

func (t *tikvTx) Set(ctx context.Context, key, value []byte) error {
	if t.readOnly {
		return fmt.Errorf("writes forbidden in read-only transaction")
	}
	return t.txn.Set(key, value)
}

func (t *tikvTx) Delete(ctx context.Context, key []byte) error {
	if t.readOnly {
		return fmt.Errorf("writes forbidden in read-only transaction")
	}
	return t.txn.Delete(key)
}
