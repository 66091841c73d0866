package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/docrepo/pkg/migrate"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
	"github.com/nimburion/docrepo/pkg/store/mysql"
	"github.com/nimburion/docrepo/pkg/store/postgres"
)

const documentsTable = "documents"

var rawParamPattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

// SQLConfig configures a SQLProvider.
type SQLConfig struct {
	Dialect        SQLDialect
	StreamPageSize int
	// QueryTimeout bounds every statement and transaction whose context has no
	// deadline. Zero means no bound.
	QueryTimeout time.Duration
}

// SQLProvider stores every container in one documents table keyed by container,
// partition key and id, with the body in a JSON column. Predicates are rendered as
// JSON path expressions; writes that read first run in a transaction holding the row
// lock. Batches are atomic.
//
// Raw queries take a SQL boolean expression over the body column, for example
// "body->>'status' = @status"; @name placeholders are bound from the parameters.
//
// Charge is the number of rows returned.
type SQLProvider struct {
	db       *sql.DB
	d        dialect
	dialect  SQLDialect
	log      logger.Logger
	clock    func() time.Time
	pageSize int
	timeout  time.Duration
	descs    *descriptorSet
}

// SQLOption configures a SQLProvider.
type SQLOption func(*SQLProvider)

// WithSQLClock sets the time source for _ts and ttl expiry.
func WithSQLClock(clock func() time.Time) SQLOption {
	return func(p *SQLProvider) { p.clock = clock }
}

// WithSQLLogger sets the logger.
func WithSQLLogger(log logger.Logger) SQLOption {
	return func(p *SQLProvider) { p.log = log }
}

// WithSQLStreamPageSize sets the page size of Stream.
func WithSQLStreamPageSize(n int) SQLOption {
	return func(p *SQLProvider) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// NewSQLProvider creates a provider over an open database handle.
func NewSQLProvider(db *sql.DB, cfg SQLConfig, opts ...SQLOption) (*SQLProvider, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	d, err := newDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectPostgres
	}
	p := &SQLProvider{
		db:       db,
		d:        d,
		dialect:  cfg.Dialect,
		log:      logger.NewNop(),
		clock:    time.Now,
		pageSize: cfg.StreamPageSize,
		timeout:  cfg.QueryTimeout,
		descs:    newDescriptorSet(),
	}
	if p.pageSize <= 0 {
		p.pageSize = DefaultStreamPageSize
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewPostgresProvider creates a provider over a PostgreSQL adapter.
func NewPostgresProvider(a *postgres.PostgreSQLAdapter, opts ...SQLOption) (*SQLProvider, error) {
	return NewSQLProvider(a.DB(), SQLConfig{Dialect: DialectPostgres, QueryTimeout: a.QueryTimeout()}, opts...)
}

// NewMySQLProvider creates a provider over a MySQL adapter.
func NewMySQLProvider(a *mysql.MySQLAdapter, opts ...SQLOption) (*SQLProvider, error) {
	return NewSQLProvider(a.DB(), SQLConfig{Dialect: DialectMySQL, QueryTimeout: a.QueryTimeout()}, opts...)
}

// Migrate applies the embedded schema migrations and returns how many ran.
func (p *SQLProvider) Migrate(ctx context.Context) (int, error) {
	m, err := p.Migrator()
	if err != nil {
		return 0, err
	}
	return m.Up(ctx)
}

// Migrator returns the migration manager for the documents schema.
func (p *SQLProvider) Migrator() (*migrate.SQLManager, error) {
	files, dir := Migrations(p.dialect)
	return migrate.NewSQLManagerWithDialect(p.db, p.d.migrations(), files, dir)
}

// EnsureContainer records the container metadata. The table itself is created by
// Migrate.
func (p *SQLProvider) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.descs.put(desc)
	return nil
}

func (p *SQLProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scope renders the container, partition and liveness conditions shared by reads.
func (p *SQLProvider) scope(b *sqlBuilder, container, partition string) string {
	clause := "container = " + b.bind(container) +
		" AND (expires_at IS NULL OR expires_at > " + b.bind(p.clock().Unix()) + ")"
	if partition != "" {
		clause += " AND partition_key = " + b.bind(partition)
	}
	return clause
}

// Get returns the document under key.
func (p *SQLProvider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	b := &sqlBuilder{d: p.d}
	stmt := "SELECT body FROM " + documentsTable + " WHERE " + p.scope(b, container, key.PartitionKey) +
		" AND id = " + b.bind(key.ID)
	var body []byte
	if err := p.db.QueryRowContext(ctx, stmt, b.args...).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 1, repository.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %s: %w", key.ID, err)
	}
	doc, err := repository.DecodeJSON(body)
	return doc, 1, err
}

// GetMany returns the documents found under keys in one round trip.
func (p *SQLProvider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	if len(keys) == 0 {
		return nil, 0, nil
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	b := &sqlBuilder{d: p.d}
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = "(partition_key = " + b.bind(k.PartitionKey) + " AND id = " + b.bind(k.ID) + ")"
	}
	stmt := "SELECT body FROM " + documentsTable + " WHERE " + p.scope(b, container, "") +
		" AND (" + strings.Join(pairs, " OR ") + ")"
	docs, err := p.collect(ctx, p.db, stmt, b.args)
	if err != nil {
		return nil, 0, fmt.Errorf("get many: %w", err)
	}
	return docs, float64(len(docs)), nil
}

// Query renders plan as one SELECT.
func (p *SQLProvider) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	b := &sqlBuilder{d: p.d}
	scope := p.scope(b, container, plan.PartitionKey)
	filter, err := b.where(plan.Predicate())
	if err != nil {
		return repository.QueryResult{}, err
	}
	stmt := "SELECT body FROM " + documentsTable + " WHERE " + scope +
		" AND " + filter + " ORDER BY " + b.orderBy(plan.Ordering()) + p.d.window(plan.Limit, plan.Skip)
	docs, err := p.collect(ctx, p.db, stmt, b.args)
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("query %s: %w", container, err)
	}
	return repository.QueryResult{Documents: docs, Charge: float64(len(docs))}, nil
}

// Stream pages through the result with keyset queries.
func (p *SQLProvider) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return paginate(ctx, plan, p.pageSize, func(ctx context.Context, next query.Plan) (repository.QueryResult, error) {
		return p.Query(ctx, container, next)
	})
}

// Count returns the number of matching documents.
func (p *SQLProvider) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	b := &sqlBuilder{d: p.d}
	scope := p.scope(b, container, "")
	where, err := b.where(filter)
	if err != nil {
		return 0, 0, err
	}
	stmt := "SELECT COUNT(*) FROM " + documentsTable + " WHERE " + scope + " AND " + where
	var n int64
	if err := p.db.QueryRowContext(ctx, stmt, b.args...).Scan(&n); err != nil {
		return 0, 0, fmt.Errorf("count %s: %w", container, err)
	}
	return n, 1, nil
}

// Raw runs a SQL boolean expression over the body column.
func (p *SQLProvider) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		text = "TRUE"
	}
	b := &sqlBuilder{d: p.d}
	scope := p.scope(b, container, "")
	var missing string
	expr := rawParamPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1:]
		v, ok := raw.Params[name]
		if !ok {
			missing = name
			return m
		}
		return b.bind(v)
	})
	if missing != "" {
		return repository.QueryResult{}, fmt.Errorf("%w: missing parameter @%s", query.ErrInvalidPredicate, missing)
	}
	stmt := "SELECT body FROM " + documentsTable + " WHERE " + scope + " AND (" + expr + ") ORDER BY id"
	docs, err := p.collect(ctx, p.db, stmt, b.args)
	if err != nil {
		return repository.QueryResult{}, fmt.Errorf("raw query %s: %w", container, err)
	}
	return repository.QueryResult{Documents: docs, Charge: float64(len(docs))}, nil
}

func (p *SQLProvider) collect(ctx context.Context, q queryer, stmt string, args []any) ([]repository.Document, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []repository.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := repository.DecodeJSON(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Create inserts a new document.
func (p *SQLProvider) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(tx *sqlTx) (repository.Document, error) {
		return tx.create(req)
	})
}

// Upsert creates or replaces a document.
func (p *SQLProvider) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(tx *sqlTx) (repository.Document, error) {
		return tx.upsert(req)
	})
}

// Replace overwrites an existing document.
func (p *SQLProvider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(tx *sqlTx) (repository.Document, error) {
		return tx.replace(req)
	})
}

// Patch applies operations under the row lock.
func (p *SQLProvider) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(tx *sqlTx) (repository.Document, error) {
		return tx.patch(req)
	})
}

// Delete removes a document.
func (p *SQLProvider) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	return p.write(ctx, container, func(tx *sqlTx) (repository.Document, error) {
		return tx.remove(req)
	})
}

// Batch runs every operation in one transaction.
func (p *SQLProvider) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	items := make([]repository.BatchItemResult, len(req.Operations))
	err := p.inTx(ctx, container, func(tx *sqlTx) error {
		for i, op := range req.Operations {
			if op.Key.PartitionKey != req.PartitionKey {
				return fmt.Errorf("item %d: %w", i, repository.ErrPartitionMismatch)
			}
			doc, err := tx.apply(op)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			items[i] = repository.BatchItemResult{Key: op.Key, Document: doc, ETag: repository.ETagOf(doc)}
		}
		return nil
	})
	if err != nil {
		return repository.BatchResult{}, err
	}
	return repository.BatchResult{Atomic: true, Items: items, Charge: float64(len(items))}, nil
}

// Close is a no-op; the database handle belongs to the caller.
func (p *SQLProvider) Close() error { return nil }

func (p *SQLProvider) write(ctx context.Context, container string, fn func(*sqlTx) (repository.Document, error)) (repository.WriteResult, error) {
	var doc repository.Document
	err := p.inTx(ctx, container, func(tx *sqlTx) error {
		var err error
		doc, err = fn(tx)
		return err
	})
	if err != nil {
		return repository.WriteResult{}, err
	}
	if doc == nil {
		return repository.WriteResult{Charge: 1}, nil
	}
	return repository.Result(doc, 1), nil
}

func (p *SQLProvider) inTx(ctx context.Context, container string, fn func(*sqlTx) error) (err error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(&sqlTx{p: p, q: tx, ctx: ctx, desc: p.descs.get(container)}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			p.log.Error("failed to rollback transaction", "original_error", err, "rollback_error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqlTx runs the write rules of one transaction against one container.
type sqlTx struct {
	p    *SQLProvider
	q    queryer
	ctx  context.Context
	desc repository.ContainerDescriptor
}

type sqlRow struct {
	doc     repository.Document
	present bool
	live    bool
}

// load locks and reads the row under key, including expired rows.
func (t *sqlTx) load(key repository.Key) (sqlRow, error) {
	b := &sqlBuilder{d: t.p.d}
	stmt := "SELECT body, expires_at FROM " + documentsTable + " WHERE container = " + b.bind(t.desc.Name) +
		" AND partition_key = " + b.bind(key.PartitionKey) + " AND id = " + b.bind(key.ID) + " FOR UPDATE"
	var body []byte
	var expiresAt sql.NullInt64
	if err := t.q.QueryRowContext(t.ctx, stmt, b.args...).Scan(&body, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sqlRow{}, nil
		}
		return sqlRow{}, fmt.Errorf("load %s: %w", key.ID, err)
	}
	doc, err := repository.DecodeJSON(body)
	if err != nil {
		return sqlRow{}, err
	}
	live := !expiresAt.Valid || expiresAt.Int64 > t.p.clock().Unix()
	return sqlRow{doc: doc, present: true, live: live}, nil
}

// store stamps doc and writes it, updating the row when one is present.
func (t *sqlTx) store(key repository.Key, doc repository.Document, present bool) error {
	if err := t.checkUnique(key, doc); err != nil {
		return err
	}
	etag := repository.Stamp(doc, t.p.clock())
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	var expires any
	if exp := repository.ExpiresAt(doc, t.desc.DefaultTTL); !exp.IsZero() {
		expires = exp.Unix()
	}
	b := &sqlBuilder{d: t.p.d}
	var stmt string
	if present {
		stmt = "UPDATE " + documentsTable + " SET body = " + b.bind(string(body)) + ", etag = " + b.bind(etag) +
			", ts = " + b.bind(repository.TimestampOf(doc)) + ", expires_at = " + b.bind(expires) +
			" WHERE container = " + b.bind(t.desc.Name) + " AND partition_key = " + b.bind(key.PartitionKey) +
			" AND id = " + b.bind(key.ID)
	} else {
		stmt = "INSERT INTO " + documentsTable + " (container, partition_key, id, body, etag, ts, expires_at) VALUES (" +
			strings.Join([]string{
				b.bind(t.desc.Name), b.bind(key.PartitionKey), b.bind(key.ID), b.bind(string(body)),
				b.bind(etag), b.bind(repository.TimestampOf(doc)), b.bind(expires),
			}, ", ") + ")"
	}
	if _, err := t.q.ExecContext(t.ctx, stmt, b.args...); err != nil {
		if t.p.d.isDuplicate(err) {
			return fmt.Errorf("%w: %s", repository.ErrConflict, key.ID)
		}
		return fmt.Errorf("write %s: %w", key.ID, err)
	}
	return nil
}

// checkUnique looks for another live document of the partition with the same
// unique key values.
func (t *sqlTx) checkUnique(key repository.Key, doc repository.Document) error {
	for _, uk := range t.desc.UniqueKeys {
		terms := make([]query.Predicate, 0, len(uk.Paths))
		for _, path := range uk.Paths {
			dotted, err := patch.Dotted(path)
			if err != nil {
				return fmt.Errorf("unique key %s: %w", uk.Name, err)
			}
			v, _ := query.Lookup(doc, dotted)
			terms = append(terms, query.Eq(dotted, v))
		}
		b := &sqlBuilder{d: t.p.d}
		scope := t.p.scope(b, t.desc.Name, key.PartitionKey)
		match, err := b.where(query.And(terms...))
		if err != nil {
			return err
		}
		stmt := "SELECT id FROM " + documentsTable + " WHERE " + scope + " AND id <> " + b.bind(key.ID) +
			" AND " + match + " LIMIT 1"
		var other string
		err = t.q.QueryRowContext(t.ctx, stmt, b.args...).Scan(&other)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("check unique key %s: %w", uk.Name, err)
		default:
			return fmt.Errorf("%w: unique key %s violated by %s", repository.ErrConflict, uk.Name, other)
		}
	}
	return nil
}

func (t *sqlTx) create(req repository.WriteRequest) (repository.Document, error) {
	row, err := t.load(req.Key)
	if err != nil {
		return nil, err
	}
	if row.live {
		return nil, repository.ErrConflict
	}
	doc := clone(req.Document)
	return doc, t.store(req.Key, doc, row.present)
}

func (t *sqlTx) upsert(req repository.WriteRequest) (repository.Document, error) {
	row, err := t.load(req.Key)
	if err != nil {
		return nil, err
	}
	var current repository.Document
	if row.live {
		current = row.doc
	}
	doc, err := req.Merge(current)
	if err != nil {
		return nil, err
	}
	return doc, t.store(req.Key, doc, row.present)
}

func (t *sqlTx) replace(req repository.WriteRequest) (repository.Document, error) {
	row, err := t.load(req.Key)
	if err != nil {
		return nil, err
	}
	if !row.live {
		return nil, repository.ErrNotFound
	}
	doc, err := req.Merge(row.doc)
	if err != nil {
		return nil, err
	}
	return doc, t.store(req.Key, doc, true)
}

func (t *sqlTx) patch(req repository.PatchRequest) (repository.Document, error) {
	row, err := t.load(req.Key)
	if err != nil {
		return nil, err
	}
	if !row.live {
		return nil, repository.ErrNotFound
	}
	if err := repository.CheckETag(row.doc, req.IfMatch); err != nil {
		return nil, err
	}
	ok, err := query.Match(req.Condition, row.doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrConditionFailed
	}
	doc, err := patch.Apply(row.doc, req.Operations)
	if err != nil {
		return nil, err
	}
	return doc, t.store(req.Key, doc, true)
}

func (t *sqlTx) remove(req repository.DeleteRequest) (repository.Document, error) {
	row, err := t.load(req.Key)
	if err != nil {
		return nil, err
	}
	if !row.live {
		return nil, repository.ErrNotFound
	}
	if err := repository.CheckETag(row.doc, req.IfMatch); err != nil {
		return nil, err
	}
	b := &sqlBuilder{d: t.p.d}
	stmt := "DELETE FROM " + documentsTable + " WHERE container = " + b.bind(t.desc.Name) +
		" AND partition_key = " + b.bind(req.Key.PartitionKey) + " AND id = " + b.bind(req.Key.ID)
	if _, err := t.q.ExecContext(t.ctx, stmt, b.args...); err != nil {
		return nil, fmt.Errorf("delete %s: %w", req.Key.ID, err)
	}
	return nil, nil
}

func (t *sqlTx) apply(op repository.BatchOperation) (repository.Document, error) {
	switch op.Kind {
	case repository.BatchCreate:
		return t.create(repository.WriteRequest{Key: op.Key, Document: op.Document})
	case repository.BatchUpsert:
		return t.upsert(op.WriteRequest())
	case repository.BatchReplace:
		return t.replace(op.WriteRequest())
	case repository.BatchPatch:
		return t.patch(op.PatchRequest())
	case repository.BatchDelete:
		return t.remove(repository.DeleteRequest{Key: op.Key, IfMatch: op.IfMatch})
	}
	return nil, fmt.Errorf("unknown batch operation %q", op.Kind)
}
