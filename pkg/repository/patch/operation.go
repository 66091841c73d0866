// Package patch models partial updates of stored documents.
//
// Operations are addressed by JSON pointer paths. A Builder accumulates operations
// from string paths or typed field selectors and validates them before any I/O.
// Apply is the reference applier used by providers that patch documents client side.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/docrepo/pkg/repository/query"
)

// ErrInvalidOperation is returned for operations whose type or value is unusable.
var ErrInvalidOperation = errors.New("invalid patch operation")

// OpType identifies a patch operation.
type OpType string

const (
	// OpAdd creates or replaces a property, or inserts into an array.
	OpAdd OpType = "add"
	// OpSet creates or replaces a property, or overwrites an array element in place.
	OpSet OpType = "set"
	// OpReplace overwrites an existing root-level property.
	OpReplace OpType = "replace"
	// OpRemove deletes a property or an array element.
	OpRemove OpType = "remove"
	// OpIncrement adds a numeric delta, creating the property when absent.
	OpIncrement OpType = "incr"
)

// Operation is one step of a patch. Path is always a normalized JSON pointer.
type Operation struct {
	Type  OpType `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// String renders the operation for logs.
func (o Operation) String() string {
	if o.Type == OpRemove {
		return fmt.Sprintf("%s %s", o.Type, o.Path)
	}
	return fmt.Sprintf("%s %s %v", o.Type, o.Path, o.Value)
}

// Root returns the first path segment.
func (o Operation) Root() string {
	segments, err := Segments(o.Path)
	if err != nil || len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// Validate checks a list of operations the way the builder does. Providers call it on
// operation lists that did not come from a Builder.
func Validate(ops []Operation) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalidOperation)
	}
	for i, op := range ops {
		if err := validate(op); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

func validate(op Operation) error {
	segments, err := Segments(op.Path)
	if err != nil {
		return err
	}
	if Join(segments...) != op.Path {
		return fmt.Errorf("%w: %q is not normalized", ErrInvalidPath, op.Path)
	}
	last := segments[len(segments)-1]
	switch op.Type {
	case OpAdd, OpSet:
	case OpReplace:
		if len(segments) > 1 {
			return fmt.Errorf("%w: replace supports root-level properties only, got %q", ErrInvalidPath, op.Path)
		}
	case OpRemove:
		if last == AppendMarker {
			return fmt.Errorf("%w: cannot remove %q", ErrInvalidPath, op.Path)
		}
	case OpIncrement:
		if last == AppendMarker {
			return fmt.Errorf("%w: cannot increment %q", ErrInvalidPath, op.Path)
		}
		if _, ok := numeric(op.Value); !ok {
			return fmt.Errorf("%w: increment delta %v is not a number", ErrInvalidOperation, op.Value)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// Normalize converts a Go value into its decoded JSON form: map[string]any, []any,
// string, bool, int64, float64 or nil. Integral numbers decode as int64 and times
// as query.TimeLayout strings.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int64, float64:
		return v, nil
	case time.Time:
		return query.FormatTime(t), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return query.FormatTime(*t), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	return Decode(raw)
}

// Decode unmarshals JSON bytes preserving integers as int64.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return NormalizeNumbers(out), nil
}

// NormalizeNumbers replaces json.Number values in a decoded tree with int64 or float64.
func NormalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = NormalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = NormalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
