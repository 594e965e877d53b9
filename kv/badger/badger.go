package badger

import (
	"context"

	"github.com/autom8ter/syncq/kv"
	"github.com/autom8ter/syncq/kv/registry"
	"github.com/dgraph-io/badger/v3"
	"github.com/mitchellh/mapstructure"
)

func init() {
	registry.Register("badger", func(params map[string]interface{}) (kv.DB, error) {
		var opts Options
		if err := mapstructure.WeakDecode(params, &opts); err != nil {
			return nil, err
		}
		return Open(opts)
	})
}

// Options are the provider params accepted by the badger provider
type Options struct {
	// StoragePath is the directory the database is stored in. An empty path runs the database in memory.
	StoragePath string `mapstructure:"storage_path"`
	// SyncWrites fsyncs every commit before returning
	SyncWrites bool `mapstructure:"sync_writes"`
}

type badgerKV struct {
	db       *badger.DB
	inMemory bool
}

// Open opens a badger backed kv.DB
func Open(o Options) (kv.DB, error) {
	opts := badger.DefaultOptions(o.StoragePath)
	if o.StoragePath == "" {
		opts.InMemory = true
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts = opts.WithLoggingLevel(badger.ERROR).WithSyncWrites(o.SyncWrites)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerKV{
		db:       db,
		inMemory: opts.InMemory,
	}, nil
}

func (b *badgerKV) Tx(ctx context.Context, isUpdate bool, fn func(kv.Tx) error) error {
	if isUpdate {
		return b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn, readOnly: false})
		})
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, readOnly: true})
	})
}

func (b *badgerKV) DropPrefix(ctx context.Context, prefix ...[]byte) error {
	return b.db.DropPrefix(prefix...)
}

func (b *badgerKV) Close(ctx context.Context) error {
	if !b.inMemory {
		if err := b.db.Sync(); err != nil {
			return err
		}
	}
	return b.db.Close()
}
