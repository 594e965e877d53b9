package syncq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var validate = validator.New()

// OpKind is the kind of write a RecordOperation performs against the remote service
type OpKind string

const (
	// Upsert creates or replaces the remote record
	Upsert OpKind = "upsert"
	// Delete deletes the remote record
	Delete OpKind = "delete"
)

// State is the lifecycle state of a ChangeSet
type State string

const (
	// Pending changesets are waiting to be dispatched
	Pending State = "pending"
	// InFlight is the single changeset currently submitted to the remote service
	InFlight State = "inflight"
	// Waiting changesets hit a fatal failure and wait for an external resume
	Waiting State = "waiting"
)

// RecordID is the identity of a record in the remote service
type RecordID struct {
	Zone string `json:"zone" validate:"required"`
	Name string `json:"name" validate:"required"`
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s/%s", r.Zone, r.Name)
}

// ParseRecordID parses a RecordID from its string form
func ParseRecordID(s string) (RecordID, error) {
	zone, name, ok := strings.Cut(s, "/")
	if !ok || zone == "" || name == "" {
		return RecordID{}, fmt.Errorf("invalid record id: %q", s)
	}
	return RecordID{Zone: zone, Name: name}, nil
}

// RowID is the stable identity of a row in the local store
type RowID struct {
	Collection string `json:"collection" validate:"required"`
	ID         string `json:"id" validate:"required"`
}

func (r RowID) String() string {
	return fmt.Sprintf("%s/%s", r.Collection, r.ID)
}

// RecordOperation is a single write destined for the remote service. Payload is a snapshot taken at enqueue time.
type RecordOperation struct {
	Record    RecordID        `json:"record" validate:"required"`
	Row       RowID           `json:"row" validate:"-"`
	Kind      OpKind          `json:"kind" validate:"required,oneof=upsert delete"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ChangeTag string          `json:"changeTag,omitempty"`
}

// ChangeSet is the atomic unit of pending outbound record operations tied to one local commit
type ChangeSet struct {
	ID         string            `json:"id" validate:"required,uuid4"`
	Database   string            `json:"database" validate:"required"`
	Operations []RecordOperation `json:"operations" validate:"required,min=1,dive"`
	// RowIDs maps a RecordID string to the local row it was derived from
	RowIDs    map[string]RowID `json:"rowIDs"`
	State     State            `json:"state"`
	Seq       uint64           `json:"seq"`
	Attempts  int              `json:"attempts"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// NewChangeSet returns a Pending changeset with a fresh uuid. Operations targeting the same record are collapsed, last write wins.
func NewChangeSet(database string, ops ...RecordOperation) *ChangeSet {
	now := time.Now()
	c := &ChangeSet{
		ID:        uuid.New().String(),
		Database:  database,
		RowIDs:    map[string]RowID{},
		State:     Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.absorb(ops)
	return c
}

// Validate validates the changeset
func (c *ChangeSet) Validate() error {
	return validate.Struct(c)
}

// Records returns the ids of every record the changeset writes
func (c *ChangeSet) Records() []RecordID {
	return lo.Map(c.Operations, func(op RecordOperation, _ int) RecordID {
		return op.Record
	})
}

// Covers returns true if the changeset contains an operation on the record
func (c *ChangeSet) Covers(record RecordID) bool {
	return c.indexOf(record) >= 0
}

// Overlaps returns true if both changesets write at least one common record
func (c *ChangeSet) Overlaps(other *ChangeSet) bool {
	for _, op := range other.Operations {
		if c.Covers(op.Record) {
			return true
		}
	}
	return false
}

// Operation returns the changeset's operation on record if one exists
func (c *ChangeSet) Operation(record RecordID) (RecordOperation, bool) {
	i := c.indexOf(record)
	if i < 0 {
		return RecordOperation{}, false
	}
	return c.Operations[i], true
}

// Row returns the local row the record was derived from
func (c *ChangeSet) Row(record RecordID) (RowID, bool) {
	row, ok := c.RowIDs[record.String()]
	return row, ok
}

// Clone returns a deep copy of the changeset
func (c *ChangeSet) Clone() *ChangeSet {
	cp := *c
	cp.Operations = make([]RecordOperation, len(c.Operations))
	for i, op := range c.Operations {
		cp.Operations[i] = op
		cp.Operations[i].Payload = append(json.RawMessage(nil), op.Payload...)
	}
	cp.RowIDs = make(map[string]RowID, len(c.RowIDs))
	for k, v := range c.RowIDs {
		cp.RowIDs[k] = v
	}
	return &cp
}

// union returns the number of distinct records the changesets write together
func (c *ChangeSet) union(other *ChangeSet) int {
	n := len(c.Operations)
	for _, op := range other.Operations {
		if !c.Covers(op.Record) {
			n++
		}
	}
	return n
}

// absorb merges ops into the changeset. An op on a record already present replaces it in place, new records are appended.
func (c *ChangeSet) absorb(ops []RecordOperation) {
	for _, op := range ops {
		if op.Row.ID != "" {
			c.RowIDs[op.Record.String()] = op.Row
		}
		if i := c.indexOf(op.Record); i >= 0 {
			c.Operations[i] = op
			continue
		}
		c.Operations = append(c.Operations, op)
	}
	c.UpdatedAt = time.Now()
}

// without returns the ops that do not target any of the given records
func (c *ChangeSet) without(records []RecordID) []RecordOperation {
	keys := lo.Map(records, func(r RecordID, _ int) string {
		return r.String()
	})
	return lo.Filter(c.Operations, func(op RecordOperation, _ int) bool {
		return !lo.Contains(keys, op.Record.String())
	})
}

func (c *ChangeSet) indexOf(record RecordID) int {
	for i, op := range c.Operations {
		if op.Record == record {
			return i
		}
	}
	return -1
}
