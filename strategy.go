package syncq

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nqd/flat"
	"github.com/palantir/stacktrace"
)

// ChangeAction is the kind of local write captured in a Change
type ChangeAction string

const (
	// SetAction creates or replaces a row
	SetAction ChangeAction = "set"
	// DeleteAction deletes a row
	DeleteAction ChangeAction = "delete"
)

// Change is a single row level difference produced by a local commit
type Change struct {
	Row    RowID         `json:"row"`
	Action ChangeAction  `json:"action"`
	Before *Document     `json:"before,omitempty"`
	After  *Document     `json:"after,omitempty"`
	Diff   []FieldChange `json:"diff"`
}

// Deriver derives remote record operations from the changes made by a local commit.
// Derive runs inside the commit's transaction and must not block on I/O.
type Deriver interface {
	Derive(ctx context.Context, changes []Change) ([]RecordOperation, error)
}

// DeriverFunc adapts a function to the Deriver interface
type DeriverFunc func(ctx context.Context, changes []Change) ([]RecordOperation, error)

func (f DeriverFunc) Derive(ctx context.Context, changes []Change) ([]RecordOperation, error) {
	return f(ctx, changes)
}

// DocumentDeriver maps every changed row to a remote record of the same name in a zone named after its collection.
// Writes that leave a document unchanged produce no operation.
type DocumentDeriver struct {
	// Collections restricts derivation to the given collections. All collections are synced if empty.
	Collections []string
}

func (d DocumentDeriver) Derive(ctx context.Context, changes []Change) ([]RecordOperation, error) {
	var ops []RecordOperation
	for _, c := range changes {
		if !d.syncs(c.Row.Collection) || len(c.Diff) == 0 {
			continue
		}
		op := RecordOperation{
			Record: RecordID{Zone: c.Row.Collection, Name: c.Row.ID},
			Row:    c.Row,
		}
		switch c.Action {
		case DeleteAction:
			op.Kind = Delete
		default:
			op.Kind = Upsert
			op.Payload = c.After.Bytes()
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (d DocumentDeriver) syncs(collection string) bool {
	if len(d.Collections) == 0 {
		return true
	}
	for _, c := range d.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

// Merger merges a local operation with the diverged server record into the writes that resolve the conflict
type Merger interface {
	Merge(ctx context.Context, local RecordOperation, remote ServerRecord) ([]RecordOperation, error)
}

// MergerFunc adapts a function to the Merger interface
type MergerFunc func(ctx context.Context, local RecordOperation, remote ServerRecord) ([]RecordOperation, error)

func (f MergerFunc) Merge(ctx context.Context, local RecordOperation, remote ServerRecord) ([]RecordOperation, error) {
	return f(ctx, local, remote)
}

// FieldMerger overlays the local payload's fields onto the server's copy of the record. Local fields win, fields only
// present remotely survive, and the merged write carries the server's change tag.
type FieldMerger struct{}

func (FieldMerger) Merge(ctx context.Context, local RecordOperation, remote ServerRecord) ([]RecordOperation, error) {
	merged := local
	merged.ChangeTag = remote.System.ChangeTag
	if local.Kind == Delete || len(remote.Payload) == 0 || remote.Deleted {
		return []RecordOperation{merged}, nil
	}
	base, err := NewDocumentFromBytes(remote.Payload)
	if err != nil {
		return nil, stacktrace.Propagate(err, "invalid server payload for %s", remote.Record)
	}
	overlay, err := NewDocumentFromBytes(local.Payload)
	if err != nil {
		return nil, stacktrace.Propagate(err, "invalid local payload for %s", local.Record)
	}
	// arrays are replaced whole; merging them by index would keep trailing server elements
	fields, err := flat.Flatten(overlay.Value(), &flat.Options{Delimiter: ".", Safe: true})
	if err != nil {
		return nil, stacktrace.Propagate(err, "")
	}
	if err := base.SetAll(fields); err != nil {
		return nil, stacktrace.Propagate(err, "")
	}
	merged.Payload = base.Bytes()
	return []RecordOperation{merged}, nil
}

// Resolution is a ConflictResolver's decision for a conflicting operation
type Resolution string

const (
	// Retry resubmits the local operation unchanged
	Retry Resolution = "retry"
	// Drop discards the local operation and adopts the server's record
	Drop Resolution = "drop"
	// Regenerate replaces the local operation with the Merger's output
	Regenerate Resolution = "regenerate"
)

// ConflictResolver decides how a conflict between a local operation and the server's record is resolved
type ConflictResolver interface {
	Resolve(ctx context.Context, conflict Conflict) (Resolution, error)
}

// ResolverFunc adapts a function to the ConflictResolver interface
type ResolverFunc func(ctx context.Context, conflict Conflict) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, conflict Conflict) (Resolution, error) {
	return f(ctx, conflict)
}

// ResolveWith returns a ConflictResolver that always decides r
func ResolveWith(r Resolution) ConflictResolver {
	return ResolverFunc(func(ctx context.Context, conflict Conflict) (Resolution, error) {
		return r, nil
	})
}

// Backoff returns how long to wait before retrying a changeset that failed attempt times
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt up to Max, randomized by +/- Jitter percent
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff returns the backoff policy used when none is configured
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Initial:    500 * time.Millisecond,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (e ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt-1))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	if e.Jitter > 0 {
		delay += delay * e.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

var (
	// ResolveRetry resubmits every conflicting operation unchanged
	ResolveRetry = ResolveWith(Retry)
	// ResolveDrop discards every conflicting operation in favor of the server's record
	ResolveDrop = ResolveWith(Drop)
)
