package document

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// Fields the MongoDB provider adds next to the document body.
const (
	mongoIDField        = "_id"
	mongoPartitionField = "_pk"
	mongoExpiresField   = "_expiresAt"
)

var mongoNever = bson.M{"$expr": false}

// mongoFilter renders p as a MongoDB query document.
func mongoFilter(p query.Predicate) (bson.M, error) {
	switch v := p.(type) {
	case nil:
		return bson.M{}, nil
	case query.AndExpr:
		terms, err := mongoTerms(v.Terms)
		if err != nil {
			return nil, err
		}
		if len(terms) == 0 {
			return bson.M{}, nil
		}
		return bson.M{"$and": terms}, nil
	case query.OrExpr:
		terms, err := mongoTerms(v.Terms)
		if err != nil {
			return nil, err
		}
		if len(terms) == 0 {
			return mongoNever, nil
		}
		return bson.M{"$or": terms}, nil
	case query.NotExpr:
		inner, err := mongoFilter(v.Term)
		if err != nil {
			return nil, err
		}
		return bson.M{"$nor": bson.A{inner}}, nil
	case query.Comparison:
		return mongoComparison(v)
	}
	return nil, fmt.Errorf("%w: unsupported node %T", query.ErrInvalidPredicate, p)
}

func mongoTerms(terms []query.Predicate) (bson.A, error) {
	out := make(bson.A, 0, len(terms))
	for _, t := range terms {
		f, err := mongoFilter(t)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func mongoComparison(c query.Comparison) (bson.M, error) {
	switch c.Op {
	case query.OpExists:
		return bson.M{c.Path: bson.M{"$ne": nil}}, nil
	case query.OpEq:
		return bson.M{c.Path: bson.M{"$eq": c.Value}}, nil
	case query.OpNe:
		return bson.M{c.Path: bson.M{"$ne": c.Value}}, nil
	case query.OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a list operand", query.ErrInvalidPredicate, c.Op)
		}
		return bson.M{c.Path: bson.M{"$in": bson.A(append([]any{}, values...))}}, nil
	case query.OpHasPrefix:
		prefix, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a string operand", query.ErrInvalidPredicate, c.Op)
		}
		return bson.M{c.Path: bson.M{"$regex": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}}, nil
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		if c.Value == nil {
			switch c.Op {
			case query.OpGt:
				return bson.M{c.Path: bson.M{"$ne": nil}}, nil
			case query.OpGte:
				return bson.M{c.Path: bson.M{"$exists": true}}, nil
			case query.OpLt:
				return mongoNever, nil
			default:
				return bson.M{c.Path: bson.M{"$type": "null"}}, nil
			}
		}
		return bson.M{c.Path: bson.M{"$" + string(c.Op): c.Value}}, nil
	}
	return nil, fmt.Errorf("%w: unknown operator %q", query.ErrInvalidPredicate, c.Op)
}

func mongoSort(sort []query.Sort) bson.D {
	out := make(bson.D, len(sort))
	for i, s := range sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		out[i] = bson.E{Key: s.Path, Value: dir}
	}
	return out
}

func mongoKey(key repository.Key) bson.D {
	return bson.D{{Key: "pk", Value: key.PartitionKey}, {Key: "id", Value: key.ID}}
}

// toMongo copies doc into the stored form with the key and expiry fields.
func toMongo(key repository.Key, doc repository.Document, expires time.Time) bson.M {
	out := make(bson.M, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	out[mongoIDField] = mongoKey(key)
	out[mongoPartitionField] = key.PartitionKey
	if !expires.IsZero() {
		out[mongoExpiresField] = expires.UTC()
	}
	return out
}

// fromMongo strips the stored-form fields and normalizes driver types.
func fromMongo(stored bson.M) repository.Document {
	doc := make(repository.Document, len(stored))
	for k, v := range stored {
		switch k {
		case mongoIDField, mongoPartitionField, mongoExpiresField:
			continue
		}
		doc[k] = fromMongoValue(v)
	}
	return doc
}

func fromMongoValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromMongoValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromMongoValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromMongoValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromMongoValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromMongoValue(e)
		}
		return out
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case primitive.DateTime:
		return query.FormatTime(t.Time())
	case primitive.Null:
		return nil
	}
	return v
}

// bindMongoParams replaces "@name" string values in a raw filter with parameters.
func bindMongoParams(v any, params map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		if !strings.HasPrefix(t, "@") {
			return t, nil
		}
		p, ok := params[t[1:]]
		if !ok {
			return nil, fmt.Errorf("%w: missing parameter %s", query.ErrInvalidPredicate, t)
		}
		return p, nil
	case bson.M:
		for k, e := range t {
			bound, err := bindMongoParams(e, params)
			if err != nil {
				return nil, err
			}
			t[k] = bound
		}
		return t, nil
	case bson.D:
		for i := range t {
			bound, err := bindMongoParams(t[i].Value, params)
			if err != nil {
				return nil, err
			}
			t[i].Value = bound
		}
		return t, nil
	case bson.A:
		for i, e := range t {
			bound, err := bindMongoParams(e, params)
			if err != nil {
				return nil, err
			}
			t[i] = bound
		}
		return t, nil
	}
	return v, nil
}
