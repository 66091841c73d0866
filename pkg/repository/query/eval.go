package query

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path (for example "address.city" or "tags.0") inside a
// decoded document. The second result reports whether the path exists.
func Lookup(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Match evaluates p against doc. A nil predicate matches every document.
func Match(p Predicate, doc map[string]any) (bool, error) {
	switch v := p.(type) {
	case nil:
		return true, nil
	case Comparison:
		return matchComparison(v, doc)
	case AndExpr:
		for _, t := range v.Terms {
			ok, err := Match(t, doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OrExpr:
		for _, t := range v.Terms {
			ok, err := Match(t, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case NotExpr:
		ok, err := Match(v.Term, doc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("%w: unsupported node %T", ErrInvalidPredicate, p)
	}
}

func matchComparison(c Comparison, doc map[string]any) (bool, error) {
	value, found := Lookup(doc, c.Path)
	switch c.Op {
	case OpExists:
		return found && value != nil, nil
	case OpEq:
		return equalValues(value, c.Value), nil
	case OpNe:
		return !equalValues(value, c.Value), nil
	case OpIn:
		candidates, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("%w: %s requires a list operand", ErrInvalidPredicate, c.Op)
		}
		for _, candidate := range candidates {
			if equalValues(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpHasPrefix:
		prefix, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("%w: %s requires a string operand", ErrInvalidPredicate, c.Op)
		}
		s, ok := value.(string)
		return ok && strings.HasPrefix(s, prefix), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !found {
			return false, nil
		}
		cmp, err := Compare(value, c.Value)
		if err != nil {
			// composite values never satisfy an ordering comparison
			return false, nil
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, c.Op)
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	cmp, err := Compare(a, b)
	return err == nil && cmp == 0
}

// Compare orders two scalar values. Null sorts before numbers, numbers before strings
// and strings before booleans. Time values compare as their TimeLayout strings.
// Composite values cannot be compared.
func Compare(a, b any) (int, error) {
	a, b = literal(a), literal(b)
	ra, err := rank(a)
	if err != nil {
		return 0, err
	}
	rb, err := rank(b)
	if err != nil {
		return 0, err
	}
	if ra != rb {
		return compareInts(int64(ra), int64(rb)), nil
	}
	switch ra {
	case rankNumber:
		return compareNumbers(a, b), nil
	case rankString:
		return strings.Compare(a.(string), b.(string)), nil
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0, nil
		case !ab:
			return -1, nil
		default:
			return 1, nil
		}
	default:
		return 0, nil
	}
}

const (
	rankNull = iota
	rankNumber
	rankString
	rankBool
)

func rank(v any) (int, error) {
	switch v.(type) {
	case nil:
		return rankNull, nil
	case string:
		return rankString, nil
	case bool:
		return rankBool, nil
	}
	if _, ok := ToFloat(v); ok {
		return rankNumber, nil
	}
	return 0, fmt.Errorf("%w: value of type %T is not comparable", ErrInvalidPredicate, v)
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareNumbers(a, b any) int {
	if ai, ok := ToInt(a); ok {
		if bi, ok := ToInt(b); ok {
			return compareInts(ai, bi)
		}
	}
	af, _ := ToFloat(a)
	bf, _ := ToFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

// ToInt converts integer kinds (and integral json.Number values) to int64.
func ToInt(v any) (int64, bool) {
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
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// ToFloat converts any numeric kind to float64.
func ToFloat(v any) (float64, bool) {
	if i, ok := ToInt(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case uint64:
		return float64(n), true
	}
	return 0, false
}
