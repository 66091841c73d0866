package paging

import (
	"fmt"

	"github.com/nimburion/docrepo/pkg/repository/query"
)

// MaxPageSize bounds every page and slice request.
const MaxPageSize = 1000

// Request is the part shared by every strategy.
type Request struct {
	Filter         query.Predicate
	IncludeDeleted bool
	Sort           []query.Sort
}

func (r Request) plan() query.Plan {
	return query.Plan{
		Filter: query.Scope(r.Filter, r.IncludeDeleted),
		Sort:   query.WithTiebreak(r.Sort),
	}
}

func checkSize(name string, n int) error {
	if n < 1 || n > MaxPageSize {
		return fmt.Errorf("%w: %s must be between 1 and %d, got %d", ErrInvalidPage, name, MaxPageSize, n)
	}
	return nil
}

// CursorPage is a keyset page. NextCursor is nil exactly when no further items exist.
type CursorPage[E any] struct {
	Items      []E
	NextCursor *string
	HasMore    bool
	Size       int
	Charge     float64
}

// PlanCursor plans the page following cursor. An empty cursor starts at the beginning.
// One extra document is requested to detect whether more follow.
func PlanCursor(req Request, pageSize int, cursor string) (query.Plan, error) {
	if err := checkSize("page size", pageSize); err != nil {
		return query.Plan{}, err
	}
	plan := req.plan()
	plan.Limit = pageSize + 1
	if cursor == "" {
		return plan, nil
	}
	token, err := DecodeToken(cursor)
	if err != nil {
		return query.Plan{}, err
	}
	if token.Order != Fingerprint(plan.Sort) || len(token.Values) != len(plan.Sort) {
		return query.Plan{}, fmt.Errorf("%w: cursor was issued for a different ordering", ErrInvalidCursor)
	}
	plan.After = token.Values
	return plan, nil
}

// NewCursorPage builds the page from the documents returned for plan and their
// decoded items, which must be index aligned.
func NewCursorPage[E any](plan query.Plan, pageSize int, docs []map[string]any, items []E, charge float64) (*CursorPage[E], error) {
	page := &CursorPage[E]{Items: items, Charge: charge}
	if len(docs) > pageSize {
		page.Items = items[:pageSize]
		token := Token{Values: query.Values(docs[pageSize-1], plan.Sort), Order: Fingerprint(plan.Sort)}
		next, err := token.Encode()
		if err != nil {
			return nil, err
		}
		page.NextCursor = &next
		page.HasMore = true
	}
	if page.Items == nil {
		page.Items = []E{}
	}
	page.Size = len(page.Items)
	return page, nil
}

// OffsetPage is a numbered page. Fields that depend on the total count are nil when
// the count was not requested, meaning unknown rather than false.
type OffsetPage[E any] struct {
	Items              []E
	PageNumber         int
	PageSize           int
	TotalCount         *int64
	TotalPages         *int64
	HasPreviousPage    bool
	HasNextPage        *bool
	PreviousPageNumber int
	NextPageNumber     *int
	Charge             float64
}

// PlanOffset plans page pageNumber (1-based) of pageSize items.
//
// Offset pages are positional: documents inserted or deleted before the page between
// two calls shift its contents. Use cursor paging when that matters.
func PlanOffset(req Request, pageNumber, pageSize int) (query.Plan, error) {
	if pageNumber < 1 {
		return query.Plan{}, fmt.Errorf("%w: page number must be at least 1, got %d", ErrInvalidPage, pageNumber)
	}
	if err := checkSize("page size", pageSize); err != nil {
		return query.Plan{}, err
	}
	plan := req.plan()
	plan.Skip = (pageNumber - 1) * pageSize
	plan.Limit = pageSize
	return plan, nil
}

// NewOffsetPage derives the navigation fields. total is nil when not counted.
func NewOffsetPage[E any](pageNumber, pageSize int, items []E, total *int64, charge float64) *OffsetPage[E] {
	if items == nil {
		items = []E{}
	}
	page := &OffsetPage[E]{
		Items:              items,
		PageNumber:         pageNumber,
		PageSize:           pageSize,
		HasPreviousPage:    pageNumber > 1,
		PreviousPageNumber: max(pageNumber-1, 1),
		Charge:             charge,
	}
	if total == nil {
		return page
	}
	count := *total
	pages := (count + int64(pageSize) - 1) / int64(pageSize)
	hasNext := int64(pageNumber) < pages
	page.TotalCount = &count
	page.TotalPages = &pages
	page.HasNextPage = &hasNext
	next := int(pages)
	if hasNext {
		next = pageNumber + 1
	}
	page.NextPageNumber = &next
	return page
}

// Slice is a bounded prefix of the matching documents.
type Slice[E any] struct {
	Items   []E
	HasMore bool
	Charge  float64
}

// PlanSlice plans a slice of count items, fetching one more to detect a remainder.
func PlanSlice(req Request, count int) (query.Plan, error) {
	if err := checkSize("count", count); err != nil {
		return query.Plan{}, err
	}
	plan := req.plan()
	plan.Limit = count + 1
	return plan, nil
}

// NewSlice trims the extra item fetched by PlanSlice.
func NewSlice[E any](count int, items []E, charge float64) *Slice[E] {
	s := &Slice[E]{Items: items, Charge: charge}
	if len(items) > count {
		s.Items = items[:count]
		s.HasMore = true
	}
	if s.Items == nil {
		s.Items = []E{}
	}
	return s
}
