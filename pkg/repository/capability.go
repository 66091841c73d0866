package repository

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nimburion/docrepo/pkg/repository/query"
)

// Time is a time.Time stored in query.TimeLayout, so stored values sort
// chronologically as strings.
type Time struct {
	time.Time
}

// At wraps t in UTC.
func At(t time.Time) Time {
	return Time{Time: t.UTC()}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(query.FormatTime(t.Time))
}

// UnmarshalJSON accepts any RFC 3339 timestamp and null.
func (t *Time) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		*t = Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode time: %w", err)
	}
	parsed, err := query.ParseTime(s)
	if err != nil {
		return fmt.Errorf("decode time: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Audit holds creation and modification metadata. ModifiedOn is derived from the
// provider timestamp and cannot be set.
type Audit struct {
	CreatedOn          Time   `json:"createdOn"`
	CreatedBy          string `json:"createdBy,omitempty"`
	CreatedInTimeZone  string `json:"createdInTimeZone,omitempty"`
	ModifiedBy         string `json:"modifiedBy,omitempty"`
	ModifiedInTimeZone string `json:"modifiedInTimeZone,omitempty"`
	Timestamp          int64  `json:"_ts,omitempty"`
}

func (a *Audit) AuditFields() *Audit { return a }

// ModifiedOn returns the last write time recorded by the provider.
func (a *Audit) ModifiedOn() time.Time {
	if a.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(a.Timestamp, 0).UTC()
}

// Auditable entities embed Audit.
type Auditable interface {
	AuditFields() *Audit
}

// Tagged holds the concurrency tag assigned by the provider on every write.
type Tagged struct {
	ETag string `json:"_etag,omitempty"`
}

func (t *Tagged) GetETag() string     { return t.ETag }
func (t *Tagged) SetETag(etag string) { t.ETag = etag }

// Versioned entities carry a concurrency tag checked on update and patch.
type Versioned interface {
	GetETag() string
	SetETag(etag string)
}

// Expiring holds the time to live in whole seconds. Nil never expires.
type Expiring struct {
	TTLSeconds *int64 `json:"ttl,omitempty"`
}

// TTL returns the time to live, or nil when the entity never expires.
func (e *Expiring) TTL() *time.Duration {
	if e.TTLSeconds == nil {
		return nil
	}
	d := time.Duration(*e.TTLSeconds) * time.Second
	return &d
}

// SetTTL stores d rounded to the nearest second, never below one second.
// A nil duration clears the expiration.
func (e *Expiring) SetTTL(d *time.Duration) {
	if d == nil {
		e.TTLSeconds = nil
		return
	}
	secs := TTLSeconds(*d)
	e.TTLSeconds = &secs
}

// Expirable entities embed Expiring.
type Expirable interface {
	TTL() *time.Duration
	SetTTL(d *time.Duration)
}

// TTLSeconds normalizes a duration to the wire representation.
func TTLSeconds(d time.Duration) int64 {
	secs := int64(math.Round(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// SoftDelete holds the logical deletion state.
type SoftDelete struct {
	IsDeleted         bool   `json:"isDeleted"`
	DeletedBy         string `json:"deletedBy,omitempty"`
	DeletedOn         *Time  `json:"deletedOn,omitempty"`
	DeletedInTimeZone string `json:"deletedInTimeZone,omitempty"`
	RestoreCount      int    `json:"restoreCount"`
}

func (s *SoftDelete) SoftDeleteFields() *SoftDelete { return s }

// SoftDeletable entities embed SoftDelete.
type SoftDeletable interface {
	SoftDeleteFields() *SoftDelete
}

// Capability names an optional entity contract.
type Capability string

const (
	CapabilityAudit      Capability = "audit"
	CapabilityETag       Capability = "etag"
	CapabilityTTL        Capability = "ttl"
	CapabilitySoftDelete Capability = "soft-delete"
)

// Capabilities describes which optional contracts an entity type implements.
type Capabilities struct {
	Auditable     bool
	Versioned     bool
	Expirable     bool
	SoftDeletable bool
}

// Has reports whether c is present.
func (c Capabilities) Has(capability Capability) bool {
	switch capability {
	case CapabilityAudit:
		return c.Auditable
	case CapabilityETag:
		return c.Versioned
	case CapabilityTTL:
		return c.Expirable
	case CapabilitySoftDelete:
		return c.SoftDeletable
	}
	return false
}

// CapabilitiesOf inspects *T.
func CapabilitiesOf[T any]() Capabilities {
	var v any = new(T)
	_, audit := v.(Auditable)
	_, etag := v.(Versioned)
	_, ttl := v.(Expirable)
	_, soft := v.(SoftDeletable)
	return Capabilities{Auditable: audit, Versioned: etag, Expirable: ttl, SoftDeletable: soft}
}
