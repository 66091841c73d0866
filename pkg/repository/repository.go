package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository/paging"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

// ErrInvalidEntity is returned for entities without a usable id or partition key.
var ErrInvalidEntity = errors.New("invalid entity")

// EntityPtr constrains P to *T implementing Entity, so New[Order] infers P.
type EntityPtr[T any] interface {
	*T
	Entity
}

// DeleteMode selects between logical and physical deletion.
type DeleteMode int

const (
	// DeleteAuto soft-deletes types that support it and hard-deletes the rest.
	DeleteAuto DeleteMode = iota
	// DeleteSoft requires the soft-delete capability.
	DeleteSoft
	// DeleteHard removes the document irreversibly.
	DeleteHard
)

func (m DeleteMode) String() string {
	switch m {
	case DeleteSoft:
		return "soft"
	case DeleteHard:
		return "hard"
	default:
		return "auto"
	}
}

// Restored is the outcome of restoring one entity.
type Restored[T any] struct {
	Restored bool
	Entity   *T
}

// DocumentRepository is the typed facade over a Provider for entities of type T.
// It is safe for concurrent use.
type DocumentRepository[T any, P EntityPtr[T]] struct {
	provider  Provider
	container ContainerDescriptor
	caps      Capabilities
	typeName  string
	log       logger.Logger
	clock     func() time.Time
	newID     func() string
}

// New creates a repository for T. No I/O happens until the first operation; call
// EnsureContainer to provision storage.
func New[T any, P EntityPtr[T]](provider Provider, opts ...Option) (*DocumentRepository[T, P], error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	desc := DescribeContainer[T]()
	if s.container != nil {
		desc = *s.container
	}
	return &DocumentRepository[T, P]{
		provider:  provider,
		container: desc,
		caps:      CapabilitiesOf[T](),
		typeName:  typeName[T](),
		log:       s.log.With("container", desc.Name),
		clock:     s.clock,
		newID:     s.newID,
	}, nil
}

// Container returns the container descriptor.
func (r *DocumentRepository[T, P]) Container() ContainerDescriptor { return r.container }

// Capabilities returns the capabilities detected on T.
func (r *DocumentRepository[T, P]) Capabilities() Capabilities { return r.caps }

// PatchBuilder returns a builder for patches of T.
func (r *DocumentRepository[T, P]) PatchBuilder() *patch.Builder[T] { return patch.NewBuilder[T]() }

// EnsureContainer provisions the container in the provider.
func (r *DocumentRepository[T, P]) EnsureContainer(ctx context.Context) error {
	if err := begin(ctx); err != nil {
		return err
	}
	if err := r.provider.EnsureContainer(ctx, r.container); err != nil {
		return translate("ensure container", Key{}, "", err)
	}
	return nil
}

// Find returns the entity stored under key. Soft-deleted entities are reported as
// ErrNotFound unless includeDeleted is set.
func (r *DocumentRepository[T, P]) Find(ctx context.Context, key Key, includeDeleted bool) (P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	doc, _, err := r.provider.Get(ctx, r.container.Name, key)
	if err != nil {
		return nil, translate("find", key, "", err)
	}
	if !includeDeleted && isDeleted(doc) {
		return nil, fmt.Errorf("find %s: %w", key.ID, ErrNotFound)
	}
	return r.decode(doc)
}

// FindByID looks an active entity up by id across partitions.
func (r *DocumentRepository[T, P]) FindByID(ctx context.Context, id string) (P, error) {
	plan := query.Plan{Filter: query.Scope(query.Eq(query.IDField, id), false), Limit: 1}
	items, _, err := r.run(ctx, plan)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("find %s: %w", id, ErrNotFound)
	}
	return items[0], nil
}

// FindMany returns the entities stored under keys, in key order. Missing keys are
// skipped.
func (r *DocumentRepository[T, P]) FindMany(ctx context.Context, keys []Key, includeDeleted bool) ([]P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []P{}, nil
	}
	docs, _, err := r.provider.GetMany(ctx, r.container.Name, keys)
	if err != nil {
		return nil, translate("find many", Key{}, "", err)
	}
	byKey := make(map[Key]P, len(docs))
	for _, doc := range docs {
		if !includeDeleted && isDeleted(doc) {
			continue
		}
		p, err := r.decode(doc)
		if err != nil {
			return nil, err
		}
		byKey[KeyOf(p)] = p
	}
	out := make([]P, 0, len(keys))
	for _, key := range keys {
		if p, ok := byKey[key]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Query returns every entity matching pred ordered by sort, then id.
func (r *DocumentRepository[T, P]) Query(ctx context.Context, pred query.Predicate, includeDeleted bool, sort ...query.Sort) ([]P, float64, error) {
	plan := query.Plan{Filter: query.Scope(pred, includeDeleted), Sort: query.WithTiebreak(sort)}
	return r.run(ctx, plan)
}

// Stream yields matching entities lazily. Iteration stops at the first error, which
// is yielded, and when ctx is done.
func (r *DocumentRepository[T, P]) Stream(ctx context.Context, pred query.Predicate, includeDeleted bool, sort ...query.Sort) iter.Seq2[P, error] {
	plan := query.Plan{Filter: query.Scope(pred, includeDeleted), Sort: query.WithTiebreak(sort)}
	return func(yield func(P, error) bool) {
		if err := begin(ctx); err != nil {
			yield(nil, err)
			return
		}
		if err := plan.Validate(); err != nil {
			yield(nil, err)
			return
		}
		for doc, err := range r.provider.Stream(ctx, r.container.Name, plan) {
			if err != nil {
				yield(nil, translate("stream", Key{}, "", err))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, canceled(err))
				return
			}
			item, err := r.decode(doc)
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// RawQuery runs a query in the provider native language. Soft-deleted documents are
// not filtered.
func (r *DocumentRepository[T, P]) RawQuery(ctx context.Context, raw RawQuery) ([]P, float64, error) {
	if err := begin(ctx); err != nil {
		return nil, 0, err
	}
	res, err := r.provider.Raw(ctx, r.container.Name, raw)
	if err != nil {
		return nil, 0, translate("raw query", Key{}, "", err)
	}
	items, err := r.decodeAll(res.Documents)
	return items, res.Charge, err
}

// Count returns the number of entities matching pred.
func (r *DocumentRepository[T, P]) Count(ctx context.Context, pred query.Predicate, includeDeleted bool) (int64, error) {
	if err := begin(ctx); err != nil {
		return 0, err
	}
	filter := query.Scope(pred, includeDeleted)
	if err := query.Validate(filter); err != nil {
		return 0, err
	}
	n, _, err := r.provider.Count(ctx, r.container.Name, filter)
	if err != nil {
		return 0, translate("count", Key{}, "", err)
	}
	return n, nil
}

// Exists reports whether any entity matches pred.
func (r *DocumentRepository[T, P]) Exists(ctx context.Context, pred query.Predicate, includeDeleted bool) (bool, error) {
	items, _, err := r.run(ctx, query.Plan{Filter: query.Scope(pred, includeDeleted), Limit: 1})
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// Page returns the keyset page following cursor. An empty cursor starts from the
// beginning. Pages stay consistent under concurrent inserts and deletes.
func (r *DocumentRepository[T, P]) Page(ctx context.Context, pred query.Predicate, includeDeleted bool, pageSize int, cursor string, sort ...query.Sort) (*paging.CursorPage[P], error) {
	plan, err := paging.PlanCursor(paging.Request{Filter: pred, IncludeDeleted: includeDeleted, Sort: sort}, pageSize, cursor)
	if err != nil {
		return nil, err
	}
	res, err := r.fetch(ctx, plan)
	if err != nil {
		return nil, err
	}
	items, err := r.decodeAll(res.Documents)
	if err != nil {
		return nil, err
	}
	return paging.NewCursorPage(plan, pageSize, res.Documents, items, res.Charge)
}

// PageOffset returns page pageNumber. The total count, and everything derived from it,
// is only computed when includeTotalCount is set.
func (r *DocumentRepository[T, P]) PageOffset(ctx context.Context, pred query.Predicate, includeDeleted bool, pageNumber, pageSize int, includeTotalCount bool, sort ...query.Sort) (*paging.OffsetPage[P], error) {
	plan, err := paging.PlanOffset(paging.Request{Filter: pred, IncludeDeleted: includeDeleted, Sort: sort}, pageNumber, pageSize)
	if err != nil {
		return nil, err
	}
	res, err := r.fetch(ctx, plan)
	if err != nil {
		return nil, err
	}
	items, err := r.decodeAll(res.Documents)
	if err != nil {
		return nil, err
	}
	charge := res.Charge
	var total *int64
	if includeTotalCount {
		n, c, err := r.provider.Count(ctx, r.container.Name, plan.Filter)
		if err != nil {
			return nil, translate("count", Key{}, "", err)
		}
		total = &n
		charge += c
	}
	return paging.NewOffsetPage(pageNumber, pageSize, items, total, charge), nil
}

// Slice returns up to count entities and whether more exist.
func (r *DocumentRepository[T, P]) Slice(ctx context.Context, pred query.Predicate, includeDeleted bool, count int, sort ...query.Sort) (*paging.Slice[P], error) {
	plan, err := paging.PlanSlice(paging.Request{Filter: pred, IncludeDeleted: includeDeleted, Sort: sort}, count)
	if err != nil {
		return nil, err
	}
	res, err := r.fetch(ctx, plan)
	if err != nil {
		return nil, err
	}
	items, err := r.decodeAll(res.Documents)
	if err != nil {
		return nil, err
	}
	return paging.NewSlice(count, items, res.Charge), nil
}

// Create stores a new entity. An empty id is generated. The entity is updated in
// place with the stored state, including the concurrency tag.
func (r *DocumentRepository[T, P]) Create(ctx context.Context, entity P) (P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	doc, key, err := r.prepare(ctx, entity)
	if err != nil {
		return nil, err
	}
	res, err := r.provider.Create(ctx, r.container.Name, WriteRequest{Key: key, Document: doc})
	if err != nil {
		return nil, translate("create", key, "", err)
	}
	r.log.Debug("document created", "id", key.ID, "partition_key", key.PartitionKey, "charge", res.Charge)
	return r.adopt(entity, res.Document)
}

// Upsert creates or replaces the entity. A non-empty concurrency tag is verified.
// Replacing keeps the stored deletion state and creation audit.
func (r *DocumentRepository[T, P]) Upsert(ctx context.Context, entity P) (P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	doc, key, err := r.prepare(ctx, entity)
	if err != nil {
		return nil, err
	}
	etag := r.etagOf(entity, false)
	res, err := r.provider.Upsert(ctx, r.container.Name, WriteRequest{
		Key:      key,
		Document: doc,
		IfMatch:  etag,
		Preserve: r.managedFields(),
	})
	if err != nil {
		return nil, translate("upsert", key, etag, err)
	}
	r.log.Debug("document upserted", "id", key.ID, "charge", res.Charge)
	return r.adopt(entity, res.Document)
}

// Update replaces a stored active entity. Unless ignoreETag is set, the entity
// concurrency tag must match the stored one. Deletion state and creation audit
// stay as stored.
func (r *DocumentRepository[T, P]) Update(ctx context.Context, entity P, ignoreETag bool) (P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	if entity.GetID() == "" {
		return nil, fmt.Errorf("update: %w: empty id", ErrInvalidEntity)
	}
	doc, key, err := r.prepare(ctx, entity)
	if err != nil {
		return nil, err
	}
	etag := r.etagOf(entity, ignoreETag)
	res, err := r.provider.Replace(ctx, r.container.Name, WriteRequest{
		Key:       key,
		Document:  doc,
		IfMatch:   etag,
		Condition: r.activeOnly(),
		Preserve:  r.managedFields(),
	})
	if err != nil {
		return nil, translate("update", key, etag, err)
	}
	r.log.Debug("document updated", "id", key.ID, "charge", res.Charge)
	return r.adopt(entity, res.Document)
}

// Patch applies ops to the active entity under key as one atomic unit. A non-empty
// etag must match the stored concurrency tag.
func (r *DocumentRepository[T, P]) Patch(ctx context.Context, key Key, ops []patch.Operation, etag string) (P, error) {
	if err := begin(ctx); err != nil {
		return nil, err
	}
	ops, err := r.checkPatch(ops)
	if err != nil {
		return nil, err
	}
	ops = append(ops, r.auditOps(ctx)...)
	res, err := r.provider.Patch(ctx, r.container.Name, PatchRequest{
		Key:        key,
		Operations: ops,
		IfMatch:    etag,
		Condition:  query.NotDeleted(),
	})
	if err != nil {
		return nil, translate("patch", key, etag, err)
	}
	r.log.Debug("document patched", "id", key.ID, "operations", len(ops), "charge", res.Charge)
	return r.decode(res.Document)
}

// Delete removes the entity under key according to mode.
func (r *DocumentRepository[T, P]) Delete(ctx context.Context, key Key, mode DeleteMode) error {
	return r.delete(ctx, key, "", mode)
}

// DeleteEntity removes entity according to mode, verifying its concurrency tag.
func (r *DocumentRepository[T, P]) DeleteEntity(ctx context.Context, entity P, mode DeleteMode) error {
	return r.delete(ctx, KeyOf(entity), r.etagOf(entity, false), mode)
}

func (r *DocumentRepository[T, P]) delete(ctx context.Context, key Key, etag string, mode DeleteMode) error {
	if err := begin(ctx); err != nil {
		return err
	}
	soft, err := r.resolveMode(mode)
	if err != nil {
		return err
	}
	if !soft {
		if _, err := r.provider.Delete(ctx, r.container.Name, DeleteRequest{Key: key, IfMatch: etag}); err != nil {
			return translate("delete", key, etag, err)
		}
		r.log.Debug("document deleted", "id", key.ID)
		return nil
	}
	_, err = r.provider.Patch(ctx, r.container.Name, PatchRequest{
		Key:        key,
		Operations: r.softDeleteOps(ctx),
		IfMatch:    etag,
		Condition:  query.NotDeleted(),
	})
	if errors.Is(err, ErrConditionFailed) {
		return fmt.Errorf("delete %s: already deleted: %w", key.ID, ErrNotFound)
	}
	if err != nil {
		return translate("delete", key, etag, err)
	}
	r.log.Debug("document soft-deleted", "id", key.ID)
	return nil
}

// Restore reverts a soft delete. It reports false and the unchanged entity when the
// entity is not deleted.
func (r *DocumentRepository[T, P]) Restore(ctx context.Context, key Key) (bool, P, error) {
	if err := begin(ctx); err != nil {
		return false, nil, err
	}
	if !r.caps.SoftDeletable {
		return false, nil, r.capabilityError(CapabilitySoftDelete, "restore")
	}
	res, err := r.provider.Patch(ctx, r.container.Name, PatchRequest{
		Key:        key,
		Operations: r.restoreOps(ctx),
		Condition:  query.Eq(query.DeletedField, true),
	})
	if errors.Is(err, ErrConditionFailed) {
		current, err := r.Find(ctx, key, true)
		return false, current, err
	}
	if err != nil {
		return false, nil, translate("restore", key, "", err)
	}
	r.log.Debug("document restored", "id", key.ID)
	p, err := r.decode(res.Document)
	return err == nil, p, err
}

func (r *DocumentRepository[T, P]) run(ctx context.Context, plan query.Plan) ([]P, float64, error) {
	res, err := r.fetch(ctx, plan)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.decodeAll(res.Documents)
	return items, res.Charge, err
}

func (r *DocumentRepository[T, P]) fetch(ctx context.Context, plan query.Plan) (QueryResult, error) {
	if err := begin(ctx); err != nil {
		return QueryResult{}, err
	}
	if err := plan.Validate(); err != nil {
		return QueryResult{}, err
	}
	res, err := r.provider.Query(ctx, r.container.Name, plan)
	if err != nil {
		return QueryResult{}, translate("query", Key{}, "", err)
	}
	return res, nil
}

func (r *DocumentRepository[T, P]) decode(doc Document) (P, error) {
	out, err := FromDocument[T](doc)
	if err != nil {
		return nil, err
	}
	return P(out), nil
}

func (r *DocumentRepository[T, P]) decodeAll(docs []Document) ([]P, error) {
	out := make([]P, 0, len(docs))
	for _, doc := range docs {
		p, err := r.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// adopt overwrites entity with the stored post-image and returns it.
func (r *DocumentRepository[T, P]) adopt(entity P, doc Document) (P, error) {
	fresh, err := FromDocument[T](doc)
	if err != nil {
		return nil, err
	}
	*entity = *fresh
	return entity, nil
}

// prepare fills identity and audit metadata and encodes the entity. Deletion state
// is always encoded as active; writes over a stored document preserve its own.
func (r *DocumentRepository[T, P]) prepare(ctx context.Context, entity P) (Document, Key, error) {
	if entity == nil {
		return nil, Key{}, fmt.Errorf("%w: nil entity", ErrInvalidEntity)
	}
	if entity.GetID() == "" {
		entity.SetID(r.newID())
	}
	if ti, ok := any(entity).(typeInitializer); ok {
		ti.InitEntityType(r.typeName)
	}
	actor := ActorFrom(ctx)
	if a, ok := any(entity).(Auditable); ok {
		f := a.AuditFields()
		if f.CreatedOn.IsZero() {
			f.CreatedOn = At(r.now())
			f.CreatedBy = actor.Name
			f.CreatedInTimeZone = actor.TimeZone
		}
		f.ModifiedBy = actor.Name
		f.ModifiedInTimeZone = actor.TimeZone
	}
	if s, ok := any(entity).(SoftDeletable); ok {
		*s.SoftDeleteFields() = SoftDelete{}
	}
	key := KeyOf(entity)
	if key.PartitionKey == "" {
		return nil, key, fmt.Errorf("%w: entity %s has an empty partition key", ErrInvalidEntity, key.ID)
	}
	doc, err := ToDocument(entity)
	if err != nil {
		return nil, key, err
	}
	return doc, key, nil
}

func (r *DocumentRepository[T, P]) now() time.Time {
	return r.clock().UTC()
}

func (r *DocumentRepository[T, P]) etagOf(entity P, ignore bool) string {
	if ignore {
		return ""
	}
	if v, ok := any(entity).(Versioned); ok {
		return v.GetETag()
	}
	return ""
}

func (r *DocumentRepository[T, P]) resolveMode(mode DeleteMode) (bool, error) {
	switch mode {
	case DeleteHard:
		return false, nil
	case DeleteSoft:
		if !r.caps.SoftDeletable {
			return false, r.capabilityError(CapabilitySoftDelete, "soft delete")
		}
		return true, nil
	default:
		return r.caps.SoftDeletable, nil
	}
}

func (r *DocumentRepository[T, P]) capabilityError(c Capability, op string) error {
	return &CapabilityError{EntityType: r.typeName, Capability: c, Operation: op}
}

func begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	return nil
}

func isDeleted(doc Document) bool {
	deleted, _ := doc[query.DeletedField].(bool)
	return deleted
}
