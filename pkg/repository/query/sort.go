package query

// IDField is the document field used as the final tiebreak of every ordering.
const IDField = "id"

// Sort orders results by the value found at Path.
type Sort struct {
	Path string
	Desc bool
}

// Asc sorts ascending by path.
func Asc(path string) Sort { return Sort{Path: path} }

// Desc sorts descending by path.
func Desc(path string) Sort { return Sort{Path: path, Desc: true} }

// WithTiebreak returns sort extended with an ascending id key unless it already orders
// by id. The result is a total order over documents with distinct ids.
func WithTiebreak(sort []Sort) []Sort {
	out := make([]Sort, 0, len(sort)+1)
	for _, s := range sort {
		out = append(out, s)
		if s.Path == IDField {
			return out
		}
	}
	return append(out, Asc(IDField))
}

// Values extracts the sort key of doc, one value per sort entry. Missing fields are nil.
func Values(doc map[string]any, sort []Sort) []any {
	values := make([]any, len(sort))
	for i, s := range sort {
		values[i], _ = Lookup(doc, s.Path)
	}
	return values
}

// Less reports whether a orders strictly before b.
func Less(a, b map[string]any, sort []Sort) bool {
	return CompareKeys(Values(a, sort), Values(b, sort), sort) < 0
}

// CompareKeys compares two sort keys produced by Values. Values that cannot be
// compared are treated as equal so the remaining keys decide.
func CompareKeys(a, b []any, sort []Sort) int {
	for i, s := range sort {
		if i >= len(a) || i >= len(b) {
			break
		}
		cmp, err := Compare(a[i], b[i])
		if err != nil || cmp == 0 {
			continue
		}
		if s.Desc {
			return -cmp
		}
		return cmp
	}
	return 0
}

// Seek builds the keyset predicate selecting documents strictly after the position
// described by values under sort. For sort keys k1..kn it expands to
//
//	(k1 > v1) OR (k1 = v1 AND k2 > v2) OR ... OR (k1 = v1 AND ... AND kn > vn)
//
// with the comparison flipped for descending keys. Null and missing values rank
// below every other value.
func Seek(sort []Sort, values []any) Predicate {
	if len(values) == 0 || len(sort) == 0 {
		return nil
	}
	n := len(sort)
	if len(values) < n {
		n = len(values)
	}
	terms := make([]Predicate, 0, n)
	for i := 0; i < n; i++ {
		conj := make([]Predicate, 0, i+1)
		for j := 0; j < i; j++ {
			conj = append(conj, Eq(sort[j].Path, values[j]))
		}
		if sort[i].Desc {
			below := Lt(sort[i].Path, values[i])
			if values[i] != nil {
				// null and missing values rank lowest, so they follow every value
				below = Or(below, Not(Exists(sort[i].Path)))
			}
			conj = append(conj, below)
		} else {
			conj = append(conj, Gt(sort[i].Path, values[i]))
		}
		terms = append(terms, And(conj...))
	}
	return OrExpr{Terms: terms}
}
