// Package kv defines the transactional key value storage used to persist local documents,
// their cached remote metadata and the pending changeset queue.
package kv

import "context"

// DB is a transactional key value database
type DB interface {
	// Tx executes fn within a transaction. The transaction is committed if fn returns nil, otherwise it is rolled back.
	Tx(ctx context.Context, isUpdate bool, fn func(Tx) error) error
	// DropPrefix deletes every key that starts with one of the given prefixes
	DropPrefix(ctx context.Context, prefix ...[]byte) error
	// Close closes the database
	Close(ctx context.Context) error
}

// IterOpts configures an iterator
type IterOpts struct {
	Prefix []byte `json:"prefix"`
	Seek   []byte `json:"seek"`
}

// Tx is a database transaction
type Tx interface {
	// Get returns the value stored at key or nil if it does not exist
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Set sets the key value pair
	Set(ctx context.Context, key, value []byte) error
	// Delete deletes the key
	Delete(ctx context.Context, key []byte) error
	// NewIterator returns an iterator over the transaction's view of the database.
	NewIterator(opts IterOpts) (Iterator, error)
}

// Iterator iterates over key value pairs in ascending key order
type Iterator interface {
	Seek(key []byte)
	Close()
	Valid() bool
	Key() []byte
	Value() ([]byte, error)
	Next() error
}
