package document

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nimburion/docrepo/pkg/repository/query"
)

// sqlBuilder accumulates bound arguments while predicates are rendered.
type sqlBuilder struct {
	d    dialect
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *sqlBuilder) raw(path string) string {
	return b.d.extract(b.bind(b.d.pathArg(strings.Split(path, "."))))
}

// field is the value at path with JSON null folded into SQL NULL.
func (b *sqlBuilder) field(path string) string {
	return "NULLIF(" + b.raw(path) + ", " + b.d.jsonNull() + ")"
}

func (b *sqlBuilder) value(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", query.ErrInvalidPredicate, err)
	}
	return b.d.json(b.bind(string(raw))), nil
}

// where renders p as a boolean SQL expression that is never NULL.
func (b *sqlBuilder) where(p query.Predicate) (string, error) {
	switch v := p.(type) {
	case nil:
		return "TRUE", nil
	case query.AndExpr:
		return b.join(v.Terms, " AND ", "TRUE")
	case query.OrExpr:
		return b.join(v.Terms, " OR ", "FALSE")
	case query.NotExpr:
		inner, err := b.where(v.Term)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case query.Comparison:
		return b.comparison(v)
	}
	return "", fmt.Errorf("%w: unsupported node %T", query.ErrInvalidPredicate, p)
}

func (b *sqlBuilder) join(terms []query.Predicate, sep, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		s, err := b.where(t)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (b *sqlBuilder) comparison(c query.Comparison) (string, error) {
	switch c.Op {
	case query.OpExists:
		return b.field(c.Path) + " IS NOT NULL", nil
	case query.OpEq:
		return b.equal(c.Path, c.Value)
	case query.OpNe:
		eq, err := b.equal(c.Path, c.Value)
		if err != nil {
			return "", err
		}
		return "NOT (" + eq + ")", nil
	case query.OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return "", fmt.Errorf("%w: %s requires a list operand", query.ErrInvalidPredicate, c.Op)
		}
		terms := make([]query.Predicate, len(values))
		for i, v := range values {
			terms[i] = query.Eq(c.Path, v)
		}
		return b.join(terms, " OR ", "FALSE")
	case query.OpHasPrefix:
		prefix, ok := c.Value.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s requires a string operand", query.ErrInvalidPredicate, c.Op)
		}
		typed := b.d.isString(b.raw(c.Path))
		like := b.d.text(b.bind(b.d.pathArg(strings.Split(c.Path, ".")))) + " LIKE " + b.bind(escapeLike(prefix)+"%")
		return "COALESCE(" + typed + " AND " + like + ", FALSE)", nil
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		return b.ordering(c)
	}
	return "", fmt.Errorf("%w: unknown operator %q", query.ErrInvalidPredicate, c.Op)
}

func (b *sqlBuilder) equal(path string, v any) (string, error) {
	if v == nil {
		return b.field(path) + " IS NULL", nil
	}
	val, err := b.value(v)
	if err != nil {
		return "", err
	}
	return "COALESCE(" + b.field(path) + " = " + val + ", FALSE)", nil
}

// ordering compares against null as the lowest value of every field.
func (b *sqlBuilder) ordering(c query.Comparison) (string, error) {
	if c.Value == nil {
		switch c.Op {
		case query.OpGt:
			return b.field(c.Path) + " IS NOT NULL", nil
		case query.OpGte:
			return b.raw(c.Path) + " IS NOT NULL", nil
		case query.OpLt:
			return "FALSE", nil
		default:
			return "(" + b.raw(c.Path) + " IS NOT NULL AND " + b.field(c.Path) + " IS NULL)", nil
		}
	}
	ops := map[query.Operator]string{query.OpGt: ">", query.OpGte: ">=", query.OpLt: "<", query.OpLte: "<="}
	val, err := b.value(c.Value)
	if err != nil {
		return "", err
	}
	return "COALESCE(" + b.field(c.Path) + " " + ops[c.Op] + " " + val + ", FALSE)", nil
}

// orderBy renders the sort keys. The id key uses the column.
func (b *sqlBuilder) orderBy(sort []query.Sort) string {
	parts := make([]string, len(sort))
	for i, s := range sort {
		expr := "id"
		if s.Path != query.IDField {
			expr = b.field(s.Path)
		}
		parts[i] = b.d.order(expr, s.Desc)
	}
	return strings.Join(parts, ", ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
