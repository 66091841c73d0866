package query

// Plan is the provider-executable description of a read: which documents match, in
// which order, and which window of the ordered result to return.
type Plan struct {
	// Filter selects documents. Nil matches all.
	Filter Predicate
	// Sort orders the result. Planners always end it with the id tiebreak.
	Sort []Sort
	// After holds the sort key of the last document already returned. When set, only
	// documents strictly after it are selected.
	After []any
	// Skip drops that many leading documents after filtering and ordering.
	Skip int
	// Limit caps the number of returned documents. Zero means no limit.
	Limit int
	// PartitionKey restricts the read to one partition when non-empty.
	PartitionKey string
}

// Predicate returns the filter combined with the keyset position, if any.
func (p Plan) Predicate() Predicate {
	if len(p.After) == 0 {
		return p.Filter
	}
	return And(p.Filter, Seek(p.Sort, p.After))
}

// Ordering returns the sort keys with the id tiebreak applied.
func (p Plan) Ordering() []Sort {
	return WithTiebreak(p.Sort)
}

// Validate checks the filter and window.
func (p Plan) Validate() error {
	if err := Validate(p.Filter); err != nil {
		return err
	}
	if p.Skip < 0 || p.Limit < 0 {
		return ErrInvalidPredicate
	}
	for _, s := range p.Sort {
		if s.Path == "" {
			return ErrInvalidPredicate
		}
	}
	return nil
}
