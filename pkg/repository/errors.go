package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/docrepo/pkg/repository/patch"
)

// Errors returned by DocumentRepository. Match them with errors.Is.
var (
	ErrNotFound              = errors.New("entity not found")
	ErrAlreadyExists         = errors.New("entity already exists")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrInvalidPatchPath      = patch.ErrInvalidPath
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrPartitionMismatch     = errors.New("partition mismatch")
	ErrCanceled              = errors.New("operation canceled")
)

// Errors returned by providers.
var (
	// ErrConflict reports a create for an id that already exists in the partition.
	ErrConflict = errors.New("document already exists")
	// ErrPreconditionFailed reports a concurrency tag that no longer matches.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrConditionFailed reports a write condition that did not hold.
	ErrConditionFailed = errors.New("condition failed")
	// ErrUnsupported reports a provider feature that is not available.
	ErrUnsupported = errors.New("not supported by provider")
)

// ConcurrencyError is returned when the stored concurrency tag differs from the one
// supplied by the caller.
type ConcurrencyError struct {
	EntityID string
	Expected string
	Actual   string
}

func (e *ConcurrencyError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("concurrency conflict for entity %s: expected etag %q", e.EntityID, e.Expected)
	}
	return fmt.Sprintf("concurrency conflict for entity %s: expected etag %q, got %q",
		e.EntityID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrencyConflict }

// CapabilityError is returned when an operation needs a capability the entity type lacks.
type CapabilityError struct {
	EntityType string
	Capability Capability
	Operation  string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s requires capability %q which %s does not implement",
		e.Operation, e.Capability, e.EntityType)
}

func (e *CapabilityError) Is(target error) bool { return target == ErrUnsupportedCapability }

// PartitionMismatchError is returned when a batch spans more than one partition.
type PartitionMismatchError struct {
	Expected string
	Actual   string
	Index    int
}

func (e *PartitionMismatchError) Error() string {
	return fmt.Sprintf("batch item %d has partition key %q, batch partition is %q",
		e.Index, e.Actual, e.Expected)
}

func (e *PartitionMismatchError) Is(target error) bool { return target == ErrPartitionMismatch }

// BatchItemError is the failure of one item of a non-atomic batch.
type BatchItemError struct {
	Index int
	Key   Key
	Err   error
}

// BatchError aggregates per-item failures of a batch the provider could not execute
// atomically. Items not listed succeeded.
type BatchError struct {
	Items []BatchItemError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		parts = append(parts, fmt.Sprintf("item %d (%s): %v", item.Index, item.Key.ID, item.Err))
	}
	return fmt.Sprintf("batch failed for %d item(s): %s", len(e.Items), strings.Join(parts, "; "))
}

// Unwrap exposes the item errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, len(e.Items))
	for i, item := range e.Items {
		out[i] = item.Err
	}
	return out
}

// IsCanceled reports whether err stems from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func canceled(err error) error {
	if errors.Is(err, ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

// translate maps provider errors to the repository taxonomy.
func translate(op string, key Key, etag string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsCanceled(err):
		return canceled(err)
	case errors.Is(err, ErrPreconditionFailed):
		return fmt.Errorf("%s: %w", op, &ConcurrencyError{EntityID: key.ID, Expected: etag})
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%s %s: %w", op, key.ID, ErrAlreadyExists)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConditionFailed):
		return fmt.Errorf("%s %s: %w", op, key.ID, ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
