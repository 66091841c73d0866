package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

var (
	softDeleteFields = []string{query.DeletedField, "deletedBy", "deletedOn", "deletedInTimeZone", "restoreCount"}
	creationFields   = []string{"createdOn", "createdBy", "createdInTimeZone"}
)

// managedFields lists the top-level fields only the repository lifecycle writes.
func (r *DocumentRepository[T, P]) managedFields() []string {
	var out []string
	if r.caps.SoftDeletable {
		out = append(out, softDeleteFields...)
	}
	if r.caps.Auditable {
		out = append(out, creationFields...)
	}
	return out
}

// activeOnly is the condition of writes that must not reach soft-deleted entities.
func (r *DocumentRepository[T, P]) activeOnly() query.Predicate {
	if !r.caps.SoftDeletable {
		return nil
	}
	return query.NotDeleted()
}

// checkPatch validates caller operations, normalizes their values and rejects paths
// the repository manages itself.
func (r *DocumentRepository[T, P]) checkPatch(ops []patch.Operation) ([]patch.Operation, error) {
	if err := patch.Validate(ops); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	out := make([]patch.Operation, 0, len(ops)+2)
	for i, op := range ops {
		if r.reserved(op) {
			return nil, fmt.Errorf("patch: operation %d: %w: %s is managed by the repository", i, ErrInvalidPatchPath, op.Path)
		}
		if op.Type != patch.OpRemove {
			v, err := patch.Normalize(op.Value)
			if err != nil {
				return nil, fmt.Errorf("patch: operation %d: %w", i, err)
			}
			op.Value = v
		}
		out = append(out, op)
	}
	return out, nil
}

func (r *DocumentRepository[T, P]) reserved(op patch.Operation) bool {
	switch op.Root() {
	case idField, typeField, ETagField, TimestampField:
		return true
	}
	for _, f := range r.managedFields() {
		if op.Root() == f {
			return true
		}
	}
	pk := r.container.PartitionKeyPath
	return pk != "" && (op.Path == pk || strings.HasPrefix(op.Path, pk+"/"))
}

func (r *DocumentRepository[T, P]) auditOps(ctx context.Context) []patch.Operation {
	if !r.caps.Auditable {
		return nil
	}
	actor := ActorFrom(ctx)
	return []patch.Operation{
		{Type: patch.OpSet, Path: "/modifiedBy", Value: actor.Name},
		{Type: patch.OpSet, Path: "/modifiedInTimeZone", Value: actor.TimeZone},
	}
}

func (r *DocumentRepository[T, P]) softDeleteOps(ctx context.Context) []patch.Operation {
	actor := ActorFrom(ctx)
	ops := []patch.Operation{
		{Type: patch.OpSet, Path: "/" + query.DeletedField, Value: true},
		{Type: patch.OpSet, Path: "/deletedBy", Value: actor.Name},
		{Type: patch.OpSet, Path: "/deletedOn", Value: query.FormatTime(r.now())},
		{Type: patch.OpSet, Path: "/deletedInTimeZone", Value: actor.TimeZone},
	}
	return append(ops, r.auditOps(ctx)...)
}

func (r *DocumentRepository[T, P]) restoreOps(ctx context.Context) []patch.Operation {
	ops := []patch.Operation{
		{Type: patch.OpSet, Path: "/" + query.DeletedField, Value: false},
		{Type: patch.OpSet, Path: "/deletedBy", Value: nil},
		{Type: patch.OpSet, Path: "/deletedOn", Value: nil},
		{Type: patch.OpSet, Path: "/deletedInTimeZone", Value: nil},
		{Type: patch.OpIncrement, Path: "/restoreCount", Value: int64(1)},
	}
	return append(ops, r.auditOps(ctx)...)
}
