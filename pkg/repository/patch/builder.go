package patch

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Builder accumulates patch operations against entities of type T.
//
// String-path methods accept JSON pointer or dotted notation. Typed selectors
// (SetField, AddField, ...) take the address of a field on the template returned by
// Fields and resolve it to the same pointer form through JSON tags.
//
// The first failing call is recorded and returned by Build; later calls are ignored.
// A Builder is a single-owner accumulator and is not safe for concurrent use.
type Builder[T any] struct {
	template *T
	ops      []Operation
	err      error
}

// NewBuilder creates an empty builder.
func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{}
}

// Fields returns the template value whose field addresses drive typed selectors.
// The template must not be modified.
func (b *Builder[T]) Fields() *T {
	if b.template == nil {
		b.template = new(T)
	}
	return b.template
}

// Add creates or replaces the value at path, inserting when path addresses an array index.
func (b *Builder[T]) Add(path string, value any) *Builder[T] {
	return b.push(OpAdd, path, value)
}

// Set creates or replaces the value at path, overwriting array elements in place.
func (b *Builder[T]) Set(path string, value any) *Builder[T] {
	return b.push(OpSet, path, value)
}

// Replace overwrites an existing root-level property.
func (b *Builder[T]) Replace(path string, value any) *Builder[T] {
	return b.push(OpReplace, path, value)
}

// Remove deletes the property or array element at path.
func (b *Builder[T]) Remove(path string) *Builder[T] {
	return b.push(OpRemove, path, nil)
}

// Increment adds delta to the number at path, creating it when absent.
func (b *Builder[T]) Increment(path string, delta any) *Builder[T] {
	return b.push(OpIncrement, path, delta)
}

// Err returns the first recorded error.
func (b *Builder[T]) Err() error { return b.err }

// Len returns the number of accumulated operations.
func (b *Builder[T]) Len() int { return len(b.ops) }

// Build returns a copy of the accumulated operations.
func (b *Builder[T]) Build() ([]Operation, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.ops) == 0 {
		return nil, fmt.Errorf("%w: no operations", ErrInvalidOperation)
	}
	out := make([]Operation, len(b.ops))
	copy(out, b.ops)
	return out, nil
}

func (b *Builder[T]) push(typ OpType, raw string, value any) *Builder[T] {
	if b.err != nil {
		return b
	}
	path, err := ParsePath(raw)
	if err != nil {
		b.err = fmt.Errorf("%s %q: %w", typ, raw, err)
		return b
	}
	if typ != OpRemove {
		if value, err = Normalize(value); err != nil {
			b.err = fmt.Errorf("%s %s: %w", typ, path, err)
			return b
		}
	}
	op := Operation{Type: typ, Path: path, Value: value}
	if err := validate(op); err != nil {
		b.err = err
		return b
	}
	b.ops = append(b.ops, op)
	return b
}

func (b *Builder[T]) pushField(typ OpType, field any, suffix string, value any) *Builder[T] {
	if b.err != nil {
		return b
	}
	path, err := b.PathOf(field)
	if err != nil {
		b.err = fmt.Errorf("%s: %w", typ, err)
		return b
	}
	if suffix != "" {
		path += "/" + suffix
	}
	return b.push(typ, path, value)
}

// PathOf resolves a pointer to a field of the template into its JSON pointer path.
func (b *Builder[T]) PathOf(field any) (string, error) {
	fv := reflect.ValueOf(field)
	if fv.Kind() != reflect.Pointer || fv.IsNil() {
		return "", fmt.Errorf("%w: field selector must be a non-nil pointer, got %T", ErrInvalidPath, field)
	}
	root := reflect.ValueOf(b.Fields()).Elem()
	if root.Kind() != reflect.Struct {
		return "", fmt.Errorf("%w: typed selectors need a struct type, got %s", ErrInvalidPath, root.Type())
	}
	segments, ok := locate(root, fv.Pointer(), fv.Type().Elem(), nil)
	if !ok {
		return "", fmt.Errorf("%w: %s does not address a serialized field of %s", ErrInvalidPath, fv.Type(), root.Type())
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: selector addresses the whole document", ErrInvalidPath)
	}
	return Join(segments...), nil
}

func locate(v reflect.Value, addr uintptr, typ reflect.Type, prefix []string) ([]string, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() && !sf.Anonymous {
			continue
		}
		name, skip := jsonName(sf)
		if skip {
			continue
		}
		fv := v.Field(i)
		start := fv.UnsafeAddr()
		path := prefix
		inline := sf.Anonymous && name == "" && fv.Kind() == reflect.Struct
		if !inline {
			if name == "" {
				name = sf.Name
			}
			path = append(append([]string(nil), prefix...), name)
		}
		if start == addr && fv.Type() == typ && !inline {
			return path, true
		}
		if fv.Kind() == reflect.Struct && addr >= start && addr < start+fv.Type().Size() {
			if found, ok := locate(fv, addr, typ, path); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func jsonName(sf reflect.StructField) (string, bool) {
	tag, ok := sf.Tag.Lookup("json")
	if !ok {
		return "", false
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" && tag == "-" {
		return "", true
	}
	return name, false
}

// SetField records a Set on the field addressed by selector.
func SetField[T, V any](b *Builder[T], selector *V, value V) *Builder[T] {
	return b.pushField(OpSet, selector, "", value)
}

// AddField records an Add on the field addressed by selector.
func AddField[T, V any](b *Builder[T], selector *V, value V) *Builder[T] {
	return b.pushField(OpAdd, selector, "", value)
}

// ReplaceField records a Replace on the field addressed by selector.
func ReplaceField[T, V any](b *Builder[T], selector *V, value V) *Builder[T] {
	return b.pushField(OpReplace, selector, "", value)
}

// RemoveField records a Remove on the field addressed by selector.
func RemoveField[T, V any](b *Builder[T], selector *V) *Builder[T] {
	return b.pushField(OpRemove, selector, "", nil)
}

// Number is the set of delta types accepted by IncrementField.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// IncrementField records an Increment on the numeric field addressed by selector.
func IncrementField[T any, V Number](b *Builder[T], selector *V, delta V) *Builder[T] {
	return b.pushField(OpIncrement, selector, "", delta)
}

// AppendElem records an Add at the end of the slice field addressed by selector.
func AppendElem[T, V any](b *Builder[T], selector *[]V, value V) *Builder[T] {
	return b.pushField(OpAdd, selector, AppendMarker, value)
}

// InsertElem records an Add at index of the slice field addressed by selector,
// shifting later elements right.
func InsertElem[T, V any](b *Builder[T], selector *[]V, index int, value V) *Builder[T] {
	return b.pushField(OpAdd, selector, strconv.Itoa(index), value)
}

// SetElem records an in-place Set at index of the slice field addressed by selector.
func SetElem[T, V any](b *Builder[T], selector *[]V, index int, value V) *Builder[T] {
	return b.pushField(OpSet, selector, strconv.Itoa(index), value)
}

// RemoveElem records a Remove at index of the slice field addressed by selector.
func RemoveElem[T, V any](b *Builder[T], selector *[]V, index int) *Builder[T] {
	return b.pushField(OpRemove, selector, strconv.Itoa(index), nil)
}
