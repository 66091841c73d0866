package patch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned for malformed or out-of-range patch paths.
var ErrInvalidPath = errors.New("invalid patch path")

// AppendMarker addresses the position after the last element of an array.
const AppendMarker = "-"

// ParsePath normalizes a patch path into JSON pointer form.
//
// Two notations are accepted:
//
//	/items/0/name    JSON pointer, with ~0 and ~1 escapes
//	items[0].name    dotted property names with bracketed array indexes
//
// Both produce the same pointer. Empty paths, empty segments, unterminated brackets
// and negative indexes are rejected with ErrInvalidPath.
func ParsePath(raw string) (string, error) {
	segments, err := parseSegments(raw)
	if err != nil {
		return "", err
	}
	return Join(segments...), nil
}

// Segments splits a normalized pointer into unescaped segments.
func Segments(pointer string) ([]string, error) {
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("%w: %q is not a pointer", ErrInvalidPath, pointer)
	}
	return parsePointer(pointer)
}

// Join escapes segments and joins them into a JSON pointer.
func Join(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		s = strings.ReplaceAll(s, "~", "~0")
		b.WriteString(strings.ReplaceAll(s, "/", "~1"))
	}
	return b.String()
}

// Dotted renders a pointer in dotted notation as used by query paths.
func Dotted(pointer string) (string, error) {
	segments, err := Segments(pointer)
	if err != nil {
		return "", err
	}
	return strings.Join(segments, "."), nil
}

func parseSegments(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(raw, "/") {
		return parsePointer(raw)
	}
	return parseDotted(raw)
}

func parsePointer(raw string) ([]string, error) {
	parts := strings.Split(raw[1:], "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		seg, err := unescape(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, raw, err)
		}
		if err := checkSegment(seg); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, raw, err)
		}
		out = append(out, seg)
	}
	return out, nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "~") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '~' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", errors.New("dangling escape")
		}
		switch s[i+1] {
		case '0':
			b.WriteByte('~')
		case '1':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("bad escape ~%c", s[i+1])
		}
		i++
	}
	return b.String(), nil
}

func parseDotted(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ".") {
		name, rest, _ := strings.Cut(part, "[")
		if name == "" {
			return nil, fmt.Errorf("%w: %q: empty property name", ErrInvalidPath, raw)
		}
		if strings.ContainsAny(name, "]") {
			return nil, fmt.Errorf("%w: %q: unexpected ']'", ErrInvalidPath, raw)
		}
		out = append(out, name)
		if rest == "" && !strings.Contains(part, "[") {
			continue
		}
		rest = "[" + rest
		for rest != "" {
			if rest[0] != '[' {
				return nil, fmt.Errorf("%w: %q: unexpected %q after index", ErrInvalidPath, raw, rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: %q: unterminated index", ErrInvalidPath, raw)
			}
			idx := rest[1:end]
			if idx != AppendMarker {
				if _, err := parseIndex(idx); err != nil {
					return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, raw, err)
				}
			}
			out = append(out, idx)
			rest = rest[end+1:]
		}
	}
	return out, nil
}

func checkSegment(seg string) error {
	if seg == "" {
		return errors.New("empty segment")
	}
	if seg != AppendMarker && strings.HasPrefix(seg, "-") {
		if _, err := strconv.Atoi(seg); err == nil {
			return fmt.Errorf("negative index %s", seg)
		}
	}
	return nil
}

func parseIndex(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty index")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("index %q is not a non-negative integer", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("index %q out of range", s)
	}
	return n, nil
}
