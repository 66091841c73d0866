// Package query defines the provider-agnostic predicate model used by repository reads.
//
// Providers translate predicates into their native filter language (bson, SQL JSON
// expressions, DynamoDB filter expressions). Match gives the reference semantics and
// is what the in-memory provider executes.
package query

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPredicate is returned when a predicate cannot be evaluated or translated.
var ErrInvalidPredicate = errors.New("invalid predicate")

// Operator identifies a comparison.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpExists    Operator = "exists"
	OpHasPrefix Operator = "prefix"
)

// Predicate is a node of a filter expression. A nil Predicate matches every document.
type Predicate interface {
	predicate()
}

// Comparison compares the value found at Path with Value.
// For OpIn, Value holds a []any. For OpExists, Value is ignored.
type Comparison struct {
	Path  string
	Op    Operator
	Value any
}

// AndExpr matches when every term matches.
type AndExpr struct {
	Terms []Predicate
}

// OrExpr matches when at least one term matches.
type OrExpr struct {
	Terms []Predicate
}

// NotExpr negates its term.
type NotExpr struct {
	Term Predicate
}

func (Comparison) predicate() {}
func (AndExpr) predicate()    {}
func (OrExpr) predicate()     {}
func (NotExpr) predicate()    {}

// Comparison constructors store time.Time operands in TimeLayout.
func Eq(path string, value any) Predicate  { return Comparison{Path: path, Op: OpEq, Value: literal(value)} }
func Ne(path string, value any) Predicate  { return Comparison{Path: path, Op: OpNe, Value: literal(value)} }
func Gt(path string, value any) Predicate  { return Comparison{Path: path, Op: OpGt, Value: literal(value)} }
func Gte(path string, value any) Predicate { return Comparison{Path: path, Op: OpGte, Value: literal(value)} }
func Lt(path string, value any) Predicate  { return Comparison{Path: path, Op: OpLt, Value: literal(value)} }
func Lte(path string, value any) Predicate { return Comparison{Path: path, Op: OpLte, Value: literal(value)} }

// In matches when the value at path equals one of values.
func In(path string, values ...any) Predicate {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = literal(v)
	}
	return Comparison{Path: path, Op: OpIn, Value: out}
}

// Exists matches when path resolves to a non-null value.
func Exists(path string) Predicate { return Comparison{Path: path, Op: OpExists} }

// HasPrefix matches string values starting with prefix.
func HasPrefix(path, prefix string) Predicate {
	return Comparison{Path: path, Op: OpHasPrefix, Value: prefix}
}

// And combines predicates, dropping nil terms and flattening nested conjunctions.
// It returns nil when no terms remain and the single term when only one remains.
func And(terms ...Predicate) Predicate {
	flat := make([]Predicate, 0, len(terms))
	for _, t := range terms {
		switch v := t.(type) {
		case nil:
			continue
		case AndExpr:
			flat = append(flat, v.Terms...)
		default:
			flat = append(flat, t)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return AndExpr{Terms: flat}
}

// Or combines predicates. A nil term matches everything, so Or with a nil term is nil.
func Or(terms ...Predicate) Predicate {
	flat := make([]Predicate, 0, len(terms))
	for _, t := range terms {
		switch v := t.(type) {
		case nil:
			return nil
		case OrExpr:
			flat = append(flat, v.Terms...)
		default:
			flat = append(flat, t)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return OrExpr{Terms: flat}
}

// Not negates a predicate.
func Not(term Predicate) Predicate {
	return NotExpr{Term: term}
}

// DeletedField is the document field carrying the soft-delete flag.
const DeletedField = "isDeleted"

// NotDeleted matches documents that are not soft-deleted, including documents that
// never carried the flag.
func NotDeleted() Predicate {
	return Not(Eq(DeletedField, true))
}

// Scope applies the implicit soft-delete filter unless includeDeleted is set.
func Scope(p Predicate, includeDeleted bool) Predicate {
	if includeDeleted {
		return p
	}
	return And(p, NotDeleted())
}

// Validate checks the predicate tree for empty paths, unknown operators and
// malformed operands.
func Validate(p Predicate) error {
	switch v := p.(type) {
	case nil:
		return nil
	case Comparison:
		if strings.TrimSpace(v.Path) == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidPredicate)
		}
		for _, seg := range strings.Split(v.Path, ".") {
			if seg == "" {
				return fmt.Errorf("%w: malformed path %q", ErrInvalidPredicate, v.Path)
			}
		}
		switch v.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpExists:
		case OpIn:
			if _, ok := v.Value.([]any); !ok {
				return fmt.Errorf("%w: %s requires a list operand", ErrInvalidPredicate, v.Op)
			}
		case OpHasPrefix:
			if _, ok := v.Value.(string); !ok {
				return fmt.Errorf("%w: %s requires a string operand", ErrInvalidPredicate, v.Op)
			}
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, v.Op)
		}
		return nil
	case AndExpr:
		for _, t := range v.Terms {
			if err := Validate(t); err != nil {
				return err
			}
		}
		return nil
	case OrExpr:
		for _, t := range v.Terms {
			if err := Validate(t); err != nil {
				return err
			}
		}
		return nil
	case NotExpr:
		if v.Term == nil {
			return fmt.Errorf("%w: not without operand", ErrInvalidPredicate)
		}
		return Validate(v.Term)
	default:
		return fmt.Errorf("%w: unsupported node %T", ErrInvalidPredicate, p)
	}
}

// String renders a predicate for logs and span attributes.
func String(p Predicate) string {
	switch v := p.(type) {
	case nil:
		return "true"
	case Comparison:
		if v.Op == OpExists {
			return fmt.Sprintf("exists(%s)", v.Path)
		}
		return fmt.Sprintf("%s %s %v", v.Path, v.Op, v.Value)
	case AndExpr:
		return joinTerms(v.Terms, " AND ")
	case OrExpr:
		return joinTerms(v.Terms, " OR ")
	case NotExpr:
		return "NOT " + String(v.Term)
	default:
		return fmt.Sprintf("%T", p)
	}
}

func joinTerms(terms []Predicate, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = String(t)
	}
	return "(" + strings.Join(parts, sep) + ")"
}
