package syncq

import (
	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/kv"
)

// Config configures an Engine
type Config struct {
	// Database is the remote database changesets are pushed to
	Database string `json:"database" validate:"required"`
	// Provider is the name of a registered kv provider (badger, tikv). Defaults to badger.
	Provider string `json:"provider"`
	// Params are the provider's params, e.g. storage_path for badger or pd_addr for tikv
	Params map[string]any `json:"params"`
	// MaxOperations caps the operations a coalesced changeset may hold. Zero means unlimited.
	MaxOperations int `json:"maxOperations" validate:"gte=0"`
	// LogLevel is one of error, warn, info or debug
	LogLevel string `json:"logLevel" validate:"omitempty,oneof=error warn warning info debug"`
}

// Validate validates the config
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, errors.Validation, "invalid config")
	}
	return nil
}

// Opt configures an Engine
type Opt func(e *Engine)

// WithRemote sets the remote service changesets are pushed to. An engine without a remote only queues.
func WithRemote(remote RemoteService) Opt {
	return func(e *Engine) {
		e.remote = remote
	}
}

// WithDeriver sets the Deriver used to derive record operations from local commits
func WithDeriver(deriver Deriver) Opt {
	return func(e *Engine) {
		e.deriver = deriver
	}
}

// WithMerger sets the Merger used to regenerate conflicting operations
func WithMerger(merger Merger) Opt {
	return func(e *Engine) {
		e.merger = merger
	}
}

// WithConflictResolver sets the ConflictResolver consulted on conflicts
func WithConflictResolver(resolver ConflictResolver) Opt {
	return func(e *Engine) {
		e.resolver = resolver
	}
}

// WithBackoff sets the retry policy for transient failures
func WithBackoff(backoff Backoff) Opt {
	return func(e *Engine) {
		e.backoff = backoff
	}
}

// WithLogger overrides the engine's logger
func WithLogger(logger Logger) Opt {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithKV opens the engine on an existing kv database instead of Config.Provider. The engine does not close it.
func WithKV(db kv.DB) Opt {
	return func(e *Engine) {
		e.db = db
	}
}
