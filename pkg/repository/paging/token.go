// Package paging converts page requests into query plans and query results into page
// envelopes for the three paging strategies: keyset cursors, offsets and slices.
package paging

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

var (
	// ErrInvalidCursor is returned for cursors that cannot be decoded or were issued
	// for a different ordering.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrInvalidPage is returned for non-positive page numbers, sizes or counts.
	ErrInvalidPage = errors.New("invalid page request")
)

// Token is the decoded form of a cursor: the sort key of the last returned document
// and a fingerprint of the ordering it was produced under.
type Token struct {
	Values []any  `json:"v"`
	Order  string `json:"o"`
}

// Encode renders the token as URL-safe base64 JSON.
func (t Token) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a cursor produced by Encode.
func DecodeToken(cursor string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	decoded, err := patch.Decode(raw)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Token{}, fmt.Errorf("%w: not an object", ErrInvalidCursor)
	}
	values, ok := obj["v"].([]any)
	if !ok || len(values) == 0 {
		return Token{}, fmt.Errorf("%w: missing position", ErrInvalidCursor)
	}
	order, _ := obj["o"].(string)
	return Token{Values: values, Order: order}, nil
}

// Fingerprint identifies an ordering so cursors cannot be replayed under another one.
func Fingerprint(sort []query.Sort) string {
	parts := make([]string, len(sort))
	for i, s := range sort {
		dir := "a"
		if s.Desc {
			dir = "d"
		}
		parts[i] = s.Path + ":" + dir
	}
	return strings.Join(parts, ",")
}
