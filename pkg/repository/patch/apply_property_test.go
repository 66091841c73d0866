package patch

import (
	"errors"
	"reflect"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_ArrayOperations checks the array rules of Add and Remove over random
// arrays and indexes.
func TestProperty_ArrayOperations(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	toDoc := func(items []int64) map[string]any {
		arr := make([]any, len(items))
		for i, v := range items {
			arr[i] = v
		}
		return map[string]any{"items": arr}
	}

	properties.Property("add then remove at the same index restores the array", prop.ForAll(
		func(items []int64, idx int, value int64) bool {
			if idx > len(items) {
				idx = len(items)
			}
			doc := toDoc(items)
			path := "/items/" + strconv.Itoa(idx)
			added, err := Apply(doc, []Operation{{Type: OpAdd, Path: path, Value: value}})
			if err != nil {
				return false
			}
			if len(added["items"].([]any)) != len(items)+1 || added["items"].([]any)[idx] != value {
				return false
			}
			removed, err := Apply(added, []Operation{{Type: OpRemove, Path: path}})
			if err != nil {
				return false
			}
			return reflect.DeepEqual(removed, doc)
		},
		gen.SliceOf(gen.Int64()),
		gen.IntRange(0, 20),
		gen.Int64(),
	))

	properties.Property("out of range remove fails and leaves the document unchanged", prop.ForAll(
		func(items []int64, extra int) bool {
			doc := toDoc(items)
			before := Clone(doc)
			path := "/items/" + strconv.Itoa(len(items)+extra)
			_, err := Apply(doc, []Operation{{Type: OpRemove, Path: path}})
			return errors.Is(err, ErrInvalidPath) && reflect.DeepEqual(doc, before)
		},
		gen.SliceOf(gen.Int64()),
		gen.IntRange(0, 10),
	))

	properties.Property("increments accumulate", prop.ForAll(
		func(deltas []int32) bool {
			var doc = map[string]any{}
			var want int64
			for _, d := range deltas {
				next, err := Apply(doc, []Operation{{Type: OpIncrement, Path: "/n", Value: int64(d)}})
				if err != nil {
					return false
				}
				doc = next
				want += int64(d)
			}
			if len(deltas) == 0 {
				_, ok := doc["n"]
				return !ok
			}
			return doc["n"] == want
		},
		gen.SliceOf(gen.Int32()),
	))

	properties.TestingRun(t)
}
