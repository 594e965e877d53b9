package syncq

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/autom8ter/syncq/errors"
	"github.com/palantir/stacktrace"
)

// RemoteService is the eventually-consistent record service changesets are pushed to.
// Push must be idempotent for a given set of operations: after a crash the same changeset may be pushed twice.
type RemoteService interface {
	// Push submits a batch of record operations against database. On success it echoes every saved record with its
	// updated system fields. On failure it returns an error, ideally a *PushError.
	Push(ctx context.Context, database string, ops []RecordOperation) ([]ServerRecord, error)
}

// SystemFields is the remote service's metadata for a record, cached on the local row it was derived from
type SystemFields struct {
	ChangeTag  string         `json:"changeTag"`
	CreatedAt  time.Time      `json:"createdAt,omitempty"`
	ModifiedAt time.Time      `json:"modifiedAt,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ServerRecord is a record as known by the remote service
type ServerRecord struct {
	Record  RecordID     `json:"record"`
	System  SystemFields `json:"system"`
	Deleted bool         `json:"deleted,omitempty"`
	// Payload is the server's copy of the record. It is only required on conflicts.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conflict pairs a local operation with the diverged server record it collided with
type Conflict struct {
	Local  RecordOperation `json:"local"`
	Remote *ServerRecord   `json:"remote,omitempty"`
}

// PushError is a failed push. Saved lists records the service accepted before failing.
type PushError struct {
	Code      errors.Code    `json:"code"`
	Err       error          `json:"-"`
	Saved     []ServerRecord `json:"saved,omitempty"`
	Conflicts []Conflict     `json:"conflicts,omitempty"`
}

func (p *PushError) Error() string {
	return fmt.Sprintf("push failed (code=%d saved=%d conflicts=%d): %v", p.Code, len(p.Saved), len(p.Conflicts), p.Err)
}

func (p *PushError) Unwrap() error {
	return p.Err
}

// Class is the retry classification of a failed push
type Class string

const (
	// Transient failures (network, timeouts) are retried with backoff
	Transient Class = "transient"
	// ConflictClass failures are delegated to the ConflictResolver
	ConflictClass Class = "conflict"
	// Fatal failures (auth, quota, schema) suspend the pipeline until an external resume
	Fatal Class = "fatal"
)

// Classify returns the retry classification of a push error. Errors without a recognizable code are fatal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if perr, ok := AsPushError(err); ok {
		if len(perr.Conflicts) > 0 {
			return ConflictClass
		}
		if c := classifyCode(perr.Code); c != "" {
			return c
		}
		if perr.Err != nil {
			return Classify(perr.Err)
		}
		return Fatal
	}
	for _, e := range []error{err, stacktrace.RootCause(err)} {
		if stderrors.Is(e, context.DeadlineExceeded) || stderrors.Is(e, context.Canceled) {
			return Transient
		}
		var nerr net.Error
		if stderrors.As(e, &nerr) {
			return Transient
		}
	}
	if e := errors.Extract(err); e != nil {
		if c := classifyCode(e.Code); c != "" {
			return c
		}
	}
	return Fatal
}

// AsPushError finds a *PushError in err's chain, including errors propagated with stacktrace
func AsPushError(err error) (*PushError, bool) {
	var perr *PushError
	if stderrors.As(err, &perr) || stderrors.As(stacktrace.RootCause(err), &perr) {
		return perr, true
	}
	return nil, false
}

func classifyCode(code errors.Code) Class {
	switch code {
	case errors.Timeout, errors.Unavailable, errors.GatewayTimeout:
		return Transient
	case errors.Conflict:
		return ConflictClass
	case errors.Unauthorized, errors.Forbidden, errors.QuotaExceeded, errors.Unprocessable, errors.Validation, errors.Internal:
		return Fatal
	}
	return ""
}
