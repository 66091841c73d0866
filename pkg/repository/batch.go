package repository

import (
	"context"
	"fmt"

	"github.com/nimburion/docrepo/pkg/repository/query"
)

// CreateBatch creates entities sharing one partition key. Entities are updated in
// place with their stored state.
func (r *DocumentRepository[T, P]) CreateBatch(ctx context.Context, entities []P) ([]P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return []P{}, nil
	}
	ops := make([]BatchOperation, len(entities))
	for i, e := range entities {
		doc, key, err := r.prepare(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("create batch: item %d: %w", i, err)
		}
		ops[i] = BatchOperation{Kind: BatchCreate, Key: key, Document: doc}
	}
	res, err := r.batch(ctx, "create batch", ops)
	if err != nil {
		return nil, err
	}
	return r.adoptAll(entities, ops, res)
}

// UpdateBatch replaces active entities sharing one partition key, verifying concurrency
// tags unless ignoreETag is set. Deletion state and creation audit stay as stored.
func (r *DocumentRepository[T, P]) UpdateBatch(ctx context.Context, entities []P, ignoreETag bool) ([]P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return []P{}, nil
	}
	ops := make([]BatchOperation, len(entities))
	for i, e := range entities {
		if e == nil || e.GetID() == "" {
			return nil, fmt.Errorf("update batch: item %d: %w: empty id", i, ErrInvalidEntity)
		}
		doc, key, err := r.prepare(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("update batch: item %d: %w", i, err)
		}
		ops[i] = BatchOperation{
			Kind:      BatchReplace,
			Key:       key,
			Document:  doc,
			IfMatch:   r.etagOf(e, ignoreETag),
			Condition: r.activeOnly(),
			Preserve:  r.managedFields(),
		}
	}
	res, err := r.batch(ctx, "update batch", ops)
	if err != nil {
		return nil, err
	}
	return r.adoptAll(entities, ops, res)
}

// DeleteBatch deletes the entities under keys, which must share one partition key.
func (r *DocumentRepository[T, P]) DeleteBatch(ctx context.Context, keys []Key, mode DeleteMode) error {
	if err := begin(ctx); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	soft, err := r.resolveMode(mode)
	if err != nil {
		return err
	}
	ops := make([]BatchOperation, len(keys))
	for i, key := range keys {
		if soft {
			ops[i] = BatchOperation{Kind: BatchPatch, Key: key, Operations: r.softDeleteOps(ctx), Condition: query.NotDeleted()}
		} else {
			ops[i] = BatchOperation{Kind: BatchDelete, Key: key}
		}
	}
	res, err := r.batch(ctx, "delete batch", ops)
	if err != nil {
		return err
	}
	return r.itemErrors("delete batch", ops, res)
}

// RestoreBatch restores the soft-deleted entities under keys, which must share one
// partition key. Entities that are not deleted are reported as not restored.
func (r *DocumentRepository[T, P]) RestoreBatch(ctx context.Context, keys []Key) ([]Restored[T], error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	if !r.caps.SoftDeletable {
		return nil, r.capabilityError(CapabilitySoftDelete, "restore batch")
	}
	if len(keys) == 0 {
		return []Restored[T]{}, nil
	}
	if _, err := samePartition(keys); err != nil {
		return nil, err
	}
	current, err := r.FindMany(ctx, keys, true)
	if err != nil {
		return nil, err
	}
	byKey := make(map[Key]P, len(current))
	for _, p := range current {
		byKey[KeyOf(p)] = p
	}

	out := make([]Restored[T], len(keys))
	var ops []BatchOperation
	var slots []int
	for i, key := range keys {
		p, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("restore batch: item %d (%s): %w", i, key.ID, ErrNotFound)
		}
		out[i] = Restored[T]{Entity: p}
		if !any(p).(SoftDeletable).SoftDeleteFields().IsDeleted {
			continue
		}
		ops = append(ops, BatchOperation{
			Kind:       BatchPatch,
			Key:        key,
			Operations: r.restoreOps(ctx),
			IfMatch:    r.etagOf(p, false),
			Condition:  query.Eq(query.DeletedField, true),
		})
		slots = append(slots, i)
	}
	if len(ops) == 0 {
		return out, nil
	}
	res, err := r.batch(ctx, "restore batch", ops)
	if err != nil {
		return nil, err
	}
	var failures []BatchItemError
	for j, item := range res.Items {
		i := slots[j]
		if item.Err != nil {
			failures = append(failures, BatchItemError{Index: i, Key: keys[i], Err: translate("restore", keys[i], ops[j].IfMatch, item.Err)})
			continue
		}
		p, err := r.decode(item.Document)
		if err != nil {
			return nil, err
		}
		out[i] = Restored[T]{Restored: true, Entity: p}
	}
	if len(failures) > 0 {
		return out, &BatchError{Items: failures}
	}
	return out, nil
}

// batch checks that every operation targets one partition and runs the batch.
func (r *DocumentRepository[T, P]) batch(ctx context.Context, op string, ops []BatchOperation) (BatchResult, error) {
	keys := make([]Key, len(ops))
	for i, o := range ops {
		keys[i] = o.Key
	}
	pk, err := samePartition(keys)
	if err != nil {
		return BatchResult{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := r.provider.Batch(ctx, r.container.Name, BatchRequest{PartitionKey: pk, Operations: ops})
	if err != nil {
		return BatchResult{}, translate(op, Key{PartitionKey: pk}, "", err)
	}
	if len(res.Items) != len(ops) {
		return BatchResult{}, fmt.Errorf("%s: provider returned %d results for %d operations", op, len(res.Items), len(ops))
	}
	r.log.Debug("batch executed", "operation", op, "partition_key", pk, "items", len(ops), "atomic", res.Atomic, "charge", res.Charge)
	return res, nil
}

func (r *DocumentRepository[T, P]) adoptAll(entities []P, ops []BatchOperation, res BatchResult) ([]P, error) {
	out := make([]P, len(entities))
	var failures []BatchItemError
	for i, item := range res.Items {
		if item.Err != nil {
			failures = append(failures, BatchItemError{Index: i, Key: ops[i].Key, Err: translate(string(ops[i].Kind), ops[i].Key, ops[i].IfMatch, item.Err)})
			continue
		}
		p, err := r.adopt(entities[i], item.Document)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	if len(failures) > 0 {
		return out, &BatchError{Items: failures}
	}
	return out, nil
}

func (r *DocumentRepository[T, P]) itemErrors(op string, ops []BatchOperation, res BatchResult) error {
	var failures []BatchItemError
	for i, item := range res.Items {
		if item.Err == nil {
			continue
		}
		failures = append(failures, BatchItemError{Index: i, Key: ops[i].Key, Err: translate(op, ops[i].Key, ops[i].IfMatch, item.Err)})
	}
	if len(failures) > 0 {
		return &BatchError{Items: failures}
	}
	return nil
}

// samePartition returns the partition key shared by keys or a PartitionMismatchError
// for the first key that differs.
func samePartition(keys []Key) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}
	pk := keys[0].PartitionKey
	for i, k := range keys[1:] {
		if k.PartitionKey != pk {
			return "", &PartitionMismatchError{Expected: pk, Actual: k.PartitionKey, Index: i + 1}
		}
	}
	return pk, nil
}
