package syncq

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/autom8ter/syncq/errors"
	"github.com/nqd/flat"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// IDField is the document field holding a row's primary key
const IDField = "_id"

// Document is a JSON document stored as a row in the local store
type Document struct {
	result gjson.Result
}

// UnmarshalJSON satisfies the json Unmarshaler interface
func (d *Document) UnmarshalJSON(bytes []byte) error {
	doc, err := NewDocumentFromBytes(bytes)
	if err != nil {
		return err
	}
	*d = *doc
	return nil
}

// MarshalJSON satisfies the json Marshaler interface
func (d *Document) MarshalJSON() ([]byte, error) {
	return d.Bytes(), nil
}

// NewDocument creates a new json document
func NewDocument() *Document {
	return &Document{
		result: gjson.Parse("{}"),
	}
}

// NewDocumentFromBytes creates a new document from the given json bytes
func NewDocumentFromBytes(json []byte) (*Document, error) {
	if !gjson.ValidBytes(json) {
		return nil, errors.New(errors.Validation, "invalid json: %s", string(json))
	}
	d := &Document{
		result: gjson.ParseBytes(json),
	}
	if !d.Valid() {
		return nil, errors.New(errors.Validation, "invalid document")
	}
	return d, nil
}

// NewDocumentFrom creates a new document from the given value - the value must be json compatible
func NewDocumentFrom(value any) (*Document, error) {
	bits, err := json.Marshal(value)
	if err != nil {
		return nil, errors.New(errors.Validation, "failed to json encode value: %#v", value)
	}
	return NewDocumentFromBytes(bits)
}

// Valid returns whether the document is a json object
func (d *Document) Valid() bool {
	return gjson.Valid(d.result.Raw) && d.result.IsObject()
}

// String returns the document as a json string
func (d *Document) String() string {
	return d.result.Raw
}

// Bytes returns the document as json bytes
func (d *Document) Bytes() []byte {
	return []byte(d.result.Raw)
}

// Value returns the document as a map
func (d *Document) Value() map[string]any {
	return cast.ToStringMap(d.result.Value())
}

// Clone allocates a new document with identical values
func (d *Document) Clone() *Document {
	return &Document{result: gjson.Parse(d.result.Raw)}
}

// GetID returns the document's primary key
func (d *Document) GetID() string {
	return d.GetString(IDField)
}

// SetID sets the document's primary key
func (d *Document) SetID(id string) error {
	return d.Set(IDField, id)
}

// Get gets a field on the document. Get has GJSON syntax support and supports dot notation
func (d *Document) Get(field string) any {
	return d.result.Get(field).Value()
}

// GetString gets a string field value on the document. Get has GJSON syntax support and supports dot notation
func (d *Document) GetString(field string) string {
	return d.result.Get(field).String()
}

// Set sets a field on the document. Dot notation is supported.
func (d *Document) Set(field string, val any) error {
	var (
		result string
		err    error
	)
	switch val := val.(type) {
	case gjson.Result:
		result, err = sjson.Set(d.result.Raw, field, val.Value())
	case []byte:
		result, err = sjson.SetRaw(d.result.Raw, field, string(val))
	default:
		result, err = sjson.Set(d.result.Raw, field, val)
	}
	if err != nil {
		return err
	}
	if !gjson.Valid(result) {
		return errors.New(errors.Validation, "invalid document")
	}
	d.result = gjson.Parse(result)
	return nil
}

// SetAll sets all fields on the document. Dot notation is supported.
func (d *Document) SetAll(values map[string]any) error {
	for k, v := range values {
		if err := d.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Del deletes a field from the document
func (d *Document) Del(field string) error {
	result, err := sjson.Delete(d.result.Raw, field)
	if err != nil {
		return err
	}
	d.result = gjson.Parse(result)
	return nil
}

// FieldOp is the type of change made to a json field
type FieldOp string

const (
	// Replace indicates that a field value was replaced
	Replace FieldOp = "replace"
	// Add indicates that a field value was added
	Add FieldOp = "add"
	// Remove indicates that a field value was removed
	Remove FieldOp = "remove"
)

// FieldChange is a change to a json field
type FieldChange struct {
	Op          FieldOp `json:"op"`
	Path        string  `json:"path"`
	Value       any     `json:"value,omitempty"`
	ValueBefore any     `json:"valueBefore,omitempty"`
}

// Diff returns the flattened field level changes required to turn before into after. Either side may be nil.
func Diff(before, after *Document) ([]FieldChange, error) {
	var (
		beforeFlat = map[string]any{}
		afterFlat  = map[string]any{}
		err        error
	)
	if before != nil {
		if beforeFlat, err = flat.Flatten(before.Value(), nil); err != nil {
			return nil, err
		}
	}
	if after != nil {
		if afterFlat, err = flat.Flatten(after.Value(), nil); err != nil {
			return nil, err
		}
	}
	var changes []FieldChange
	for path, val := range afterFlat {
		prev, ok := beforeFlat[path]
		switch {
		case !ok:
			changes = append(changes, FieldChange{Op: Add, Path: path, Value: val})
		case !reflect.DeepEqual(prev, val):
			changes = append(changes, FieldChange{Op: Replace, Path: path, Value: val, ValueBefore: prev})
		}
	}
	for path, prev := range beforeFlat {
		if _, ok := afterFlat[path]; !ok {
			changes = append(changes, FieldChange{Op: Remove, Path: path, ValueBefore: prev})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes, nil
}
