package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/docrepo/pkg/repository/patch"
)

// ToDocument encodes a value through its JSON form.
func ToDocument(v any) (Document, error) {
	decoded, err := patch.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("encode document: %T does not encode to an object", v)
	}
	return doc, nil
}

// FromDocument decodes a document into a new T.
func FromDocument[T any](doc Document) (*T, error) {
	out := new(T)
	if err := DecodeInto(doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeInto decodes a document into out.
func DecodeInto(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// DecodeJSON parses stored JSON bytes into a document.
func DecodeJSON(raw []byte) (Document, error) {
	decoded, err := patch.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode document: stored value is %T, not an object", decoded)
	}
	return doc, nil
}

// Stamp assigns a fresh concurrency tag and the write timestamp to doc and returns
// the tag. Providers call it on every write.
func Stamp(doc Document, now time.Time) string {
	etag := uuid.NewString()
	doc[ETagField] = etag
	doc[TimestampField] = now.Unix()
	return etag
}

// ETagOf returns the concurrency tag stored in doc.
func ETagOf(doc Document) string {
	s, _ := doc[ETagField].(string)
	return s
}

// TimestampOf returns the write timestamp stored in doc.
func TimestampOf(doc Document) int64 {
	switch v := doc[TimestampField].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// CheckETag returns ErrPreconditionFailed when ifMatch is set and differs from the
// tag of the stored document.
func CheckETag(stored Document, ifMatch string) error {
	if ifMatch == "" {
		return nil
	}
	if actual := ETagOf(stored); actual != ifMatch {
		return fmt.Errorf("%w: expected %q, stored %q", ErrPreconditionFailed, ifMatch, actual)
	}
	return nil
}

// Result builds the WriteResult for a stamped document.
func Result(doc Document, charge float64) WriteResult {
	return WriteResult{Document: doc, ETag: ETagOf(doc), Timestamp: TimestampOf(doc), Charge: charge}
}

// ExpiresAt returns the absolute expiry of doc, or zero when it never expires.
// Document ttl wins over the container default.
func ExpiresAt(doc Document, defaultTTL *time.Duration) time.Time {
	ts := TimestampOf(doc)
	if ts == 0 {
		return time.Time{}
	}
	var secs int64
	switch v := doc[TTLField].(type) {
	case int64:
		secs = v
	case float64:
		secs = int64(v)
	default:
		if defaultTTL == nil {
			return time.Time{}
		}
		secs = TTLSeconds(*defaultTTL)
	}
	if secs <= 0 {
		return time.Time{}
	}
	return time.Unix(ts+secs, 0).UTC()
}
