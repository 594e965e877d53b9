package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autom8ter/syncq"
	"github.com/autom8ter/syncq/errors"
)

// Call is a push received by a Remote
type Call struct {
	Database   string
	Operations []syncq.RecordOperation
}

// Remote is an in-memory syncq.RemoteService. Pushes succeed and echo every record with a fresh change tag unless a
// failure was scripted with Fail. With Strict set, an upsert whose change tag differs from the stored record's
// conflicts.
type Remote struct {
	mu       sync.Mutex
	strict   bool
	version  int
	records  map[syncq.RecordID]syncq.ServerRecord
	failures []error
	calls    []Call
	gate     chan struct{}
	started  chan Call
}

// NewRemote returns an empty Remote
func NewRemote() *Remote {
	return &Remote{
		records: map[syncq.RecordID]syncq.ServerRecord{},
		started: make(chan Call, 1000),
	}
}

// Strict enables change tag checks
func (r *Remote) Strict() *Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = true
	return r
}

// Hold blocks every push until Release is called
func (r *Remote) Hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate == nil {
		r.gate = make(chan struct{})
	}
}

// Release unblocks held pushes
func (r *Remote) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
}

// Fail scripts the next pushes to fail with errs, in order
func (r *Remote) Fail(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// Put stores a record as if another client had written it
func (r *Remote) Put(record syncq.RecordID, payload []byte) syncq.ServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(record, payload, false)
}

// Record returns the stored record
func (r *Remote) Record(record syncq.RecordID) (syncq.ServerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[record]
	return rec, ok
}

// Calls returns every push received so far
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Started receives every push as it arrives, before it is held or answered
func (r *Remote) Started() <-chan Call {
	return r.started
}

func (r *Remote) Push(ctx context.Context, database string, ops []syncq.RecordOperation) ([]syncq.ServerRecord, error) {
	call := Call{Database: database, Operations: ops}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	gate := r.gate
	r.mu.Unlock()

	select {
	case r.started <- call:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	if r.strict {
		var conflicts []syncq.Conflict
		for _, op := range ops {
			existing, ok := r.records[op.Record]
			if ok && existing.System.ChangeTag != op.ChangeTag {
				remote := existing
				conflicts = append(conflicts, syncq.Conflict{Local: op, Remote: &remote})
			}
		}
		if len(conflicts) > 0 {
			return nil, &syncq.PushError{
				Code:      errors.Conflict,
				Err:       fmt.Errorf("%d records changed on the server", len(conflicts)),
				Conflicts: conflicts,
			}
		}
	}
	var saved []syncq.ServerRecord
	for _, op := range ops {
		saved = append(saved, r.save(op.Record, op.Payload, op.Kind == syncq.Delete))
	}
	return saved, nil
}

func (r *Remote) save(record syncq.RecordID, payload []byte, deleted bool) syncq.ServerRecord {
	r.version++
	now := time.Now()
	rec := syncq.ServerRecord{
		Record: record,
		System: syncq.SystemFields{
			ChangeTag:  fmt.Sprintf("tag-%d", r.version),
			CreatedAt:  now,
			ModifiedAt: now,
		},
		Deleted: deleted,
		Payload: append([]byte(nil), payload...),
	}
	if existing, ok := r.records[record]; ok {
		rec.System.CreatedAt = existing.System.CreatedAt
	}
	if deleted {
		delete(r.records, record)
	} else {
		r.records[record] = rec
	}
	return rec
}
