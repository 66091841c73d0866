// Package document provides repository.Provider implementations: an in-memory
// reference provider and providers backed by MongoDB, DynamoDB and SQL databases.
package document

import (
	"context"
	"errors"
	"iter"
	"slices"

	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// DefaultStreamPageSize is the number of documents fetched per round trip while
// streaming.
const DefaultStreamPageSize = 100

// ErrClosed is returned by providers after Close.
var ErrClosed = errors.New("provider closed")

type fetchFunc func(ctx context.Context, plan query.Plan) (repository.QueryResult, error)

// paginate streams the result of plan by issuing keyset-paged queries of pageSize
// documents, so at most one page is held in memory.
func paginate(ctx context.Context, plan query.Plan, pageSize int, fetch fetchFunc) iter.Seq2[repository.Document, error] {
	if pageSize <= 0 {
		pageSize = DefaultStreamPageSize
	}
	return func(yield func(repository.Document, error) bool) {
		order := plan.Ordering()
		remaining := plan.Limit
		next := plan
		next.Sort = order
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			next.Limit = pageSize
			if plan.Limit > 0 && remaining < pageSize {
				next.Limit = remaining
			}
			res, err := fetch(ctx, next)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, doc := range res.Documents {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(doc, nil) {
					return
				}
			}
			if plan.Limit > 0 {
				remaining -= len(res.Documents)
				if remaining <= 0 {
					return
				}
			}
			if len(res.Documents) < next.Limit {
				return
			}
			next.Skip = 0
			next.After = query.Values(res.Documents[len(res.Documents)-1], order)
		}
	}
}

// sortDocuments orders docs in place by sort.
func sortDocuments(docs []repository.Document, sort []query.Sort) {
	slices.SortStableFunc(docs, func(a, b repository.Document) int {
		return query.CompareKeys(query.Values(a, sort), query.Values(b, sort), sort)
	})
}

// window applies skip and limit to an ordered slice.
func window(docs []repository.Document, skip, limit int) []repository.Document {
	if skip >= len(docs) {
		return nil
	}
	docs = docs[skip:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
