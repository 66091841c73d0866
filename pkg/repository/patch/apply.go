package patch

import (
	"fmt"
	"math"
	"strconv"
)

// Apply applies ops to a copy of doc and returns the patched copy. Either every
// operation succeeds or doc is returned untouched together with the first error.
// Operation values are expected in decoded JSON form (see Normalize).
func Apply(doc map[string]any, ops []Operation) (map[string]any, error) {
	if err := Validate(ops); err != nil {
		return doc, err
	}
	out, _ := Clone(doc).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for i, op := range ops {
		if err := applyOne(out, op); err != nil {
			return doc, fmt.Errorf("operation %d (%s): %w", i, op.Type, err)
		}
	}
	return out, nil
}

// Clone deep-copies a decoded JSON tree.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = Clone(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = Clone(e)
		}
		return s
	default:
		return v
	}
}

func applyOne(doc map[string]any, op Operation) error {
	segments, err := Segments(op.Path)
	if err != nil {
		return err
	}
	parentPath, last := segments[:len(segments)-1], segments[len(segments)-1]

	// Arrays are replaced by value when they change length, so every level keeps a
	// setter that writes the new container back into its own parent.
	var (
		parent any = doc
		setter     = func(any) {}
	)
	for i, seg := range parentPath {
		switch node := parent.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return fmt.Errorf("%w: %s does not exist", ErrInvalidPath, Join(segments[:i+1]...))
			}
			key := seg
			setter = func(v any) { node[key] = v }
			parent = next
		case []any:
			idx, err := parseIndex(seg)
			if err != nil || idx >= len(node) {
				return fmt.Errorf("%w: %s is out of range", ErrInvalidPath, Join(segments[:i+1]...))
			}
			setter = func(v any) { node[idx] = v }
			parent = node[idx]
		default:
			return fmt.Errorf("%w: %s is not a container", ErrInvalidPath, Join(segments[:i]...))
		}
	}

	switch node := parent.(type) {
	case map[string]any:
		return applyToObject(node, last, op)
	case []any:
		updated, err := applyToArray(node, last, op)
		if err != nil {
			return err
		}
		setter(updated)
		return nil
	default:
		return fmt.Errorf("%w: %s is not a container", ErrInvalidPath, Join(parentPath...))
	}
}

func applyToObject(node map[string]any, key string, op Operation) error {
	current, exists := node[key]
	switch op.Type {
	case OpAdd, OpSet:
		node[key] = Clone(op.Value)
	case OpReplace:
		if !exists {
			return fmt.Errorf("%w: replace target %s does not exist", ErrInvalidPath, op.Path)
		}
		node[key] = Clone(op.Value)
	case OpRemove:
		if !exists {
			return fmt.Errorf("%w: remove target %s does not exist", ErrInvalidPath, op.Path)
		}
		delete(node, key)
	case OpIncrement:
		sum, err := increment(current, exists, op.Value)
		if err != nil {
			return fmt.Errorf("%s: %w", op.Path, err)
		}
		node[key] = sum
	}
	return nil
}

func applyToArray(node []any, seg string, op Operation) ([]any, error) {
	idx := len(node)
	if seg != AppendMarker {
		n, err := parseIndex(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPath, op.Path, err)
		}
		idx = n
	}
	switch op.Type {
	case OpAdd:
		if idx > len(node) {
			return nil, fmt.Errorf("%w: index %d exceeds array length %d", ErrInvalidPath, idx, len(node))
		}
		out := make([]any, 0, len(node)+1)
		out = append(out, node[:idx]...)
		out = append(out, Clone(op.Value))
		return append(out, node[idx:]...), nil
	case OpSet:
		if idx > len(node) {
			return nil, fmt.Errorf("%w: index %d exceeds array length %d", ErrInvalidPath, idx, len(node))
		}
		if idx == len(node) {
			return append(node, Clone(op.Value)), nil
		}
		node[idx] = Clone(op.Value)
		return node, nil
	case OpReplace:
		if idx >= len(node) {
			return nil, fmt.Errorf("%w: replace index %d out of range", ErrInvalidPath, idx)
		}
		node[idx] = Clone(op.Value)
		return node, nil
	case OpRemove:
		if idx >= len(node) {
			return nil, fmt.Errorf("%w: remove index %d out of range for length %d", ErrInvalidPath, idx, len(node))
		}
		out := make([]any, 0, len(node)-1)
		out = append(out, node[:idx]...)
		return append(out, node[idx+1:]...), nil
	case OpIncrement:
		if idx >= len(node) {
			return nil, fmt.Errorf("%w: increment index %d out of range", ErrInvalidPath, idx)
		}
		sum, err := increment(node[idx], true, op.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Path, err)
		}
		node[idx] = sum
		return node, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
}

func increment(current any, exists bool, delta any) (any, error) {
	d, ok := numeric(delta)
	if !ok {
		return nil, fmt.Errorf("%w: delta %v is not a number", ErrInvalidOperation, delta)
	}
	if !exists || current == nil {
		return d, nil
	}
	c, ok := numeric(current)
	if !ok {
		return nil, fmt.Errorf("%w: cannot increment %T", ErrInvalidOperation, current)
	}
	ci, cInt := c.(int64)
	di, dInt := d.(int64)
	if cInt && dInt {
		sum := ci + di
		if (di > 0 && sum < ci) || (di < 0 && sum > ci) {
			return float64(ci) + float64(di), nil
		}
		return sum, nil
	}
	return toFloat(c) + toFloat(d), nil
}

// numeric returns v as int64 or float64.
func numeric(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return float64(n), true
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return float64(n), true
		}
		return int64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		return nil, false
	}
	if s, ok := v.(fmt.Stringer); ok {
		if i, err := strconv.ParseInt(s.String(), 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s.String(), 64); err == nil {
			return f, true
		}
	}
	return nil, false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
