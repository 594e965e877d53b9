package tikv

import (
	"bytes"

	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/kvutil"
	"github.com/tikv/client-go/v2/txnkv/transaction"
)

type unionStoreIterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next() error
	Close()
}

type tikvIterator struct {
	opts kv.IterOpts
	txn  *transaction.KVTxn
	iter unionStoreIterator
	err  error
}

// Seek reopens the underlying iterator at key since tikv iterators cannot seek in place.
func (b *tikvIterator) Seek(key []byte) {
	var upper []byte
	if b.opts.Prefix != nil {
		upper = kvutil.NextPrefix(b.opts.Prefix)
	}
	iter, err := b.txn.Iter(key, upper)
	if err != nil {
		b.err = err
		return
	}
	b.iter.Close()
	b.iter = iter
}

func (b *tikvIterator) Close() {
	b.iter.Close()
}

func (b *tikvIterator) Valid() bool {
	if b.err != nil || !b.iter.Valid() {
		return false
	}
	if b.opts.Prefix != nil && !bytes.HasPrefix(b.Key(), b.opts.Prefix) {
		return false
	}
	return true
}

func (b *tikvIterator) Key() []byte {
	return b.iter.Key()
}

func (b *tikvIterator) Value() ([]byte, error) {
	return b.iter.Value(), b.err
}

func (b *tikvIterator) Next() error {
	return b.iter.Next()
}
