package document

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

var sqlTestNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSQLTestProvider(t *testing.T, d SQLDialect) (*SQLProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	p, err := NewSQLProvider(db, SQLConfig{Dialect: d}, WithSQLClock(func() time.Time { return sqlTestNow }))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p, mock
}

// jsonBody matches a bound document body and checks one of its fields.
type jsonBody struct {
	field string
	want  any
}

func (m jsonBody) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	doc, err := repository.DecodeJSON([]byte(s))
	if err != nil {
		return false
	}
	return reflect.DeepEqual(doc[m.field], m.want)
}

func TestSQLBuilder_Where(t *testing.T) {
	tests := []struct {
		name     string
		d        dialect
		pred     query.Predicate
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "postgres equality",
			d:        postgresDialect{},
			pred:     query.Eq("status", "open"),
			wantSQL:  `COALESCE(NULLIF((body #> $1::text[]), 'null'::jsonb) = $2::jsonb, FALSE)`,
			wantArgs: []any{pq.Array([]string{"status"}), `"open"`},
		},
		{
			name:     "mysql equality",
			d:        mysqlDialect{},
			pred:     query.Eq("customer.name", "bob"),
			wantSQL:  `COALESCE(NULLIF(JSON_EXTRACT(body, ?), CAST('null' AS JSON)) = CAST(? AS JSON), FALSE)`,
			wantArgs: []any{`$."customer"."name"`, `"bob"`},
		},
		{
			name:     "null equality",
			d:        postgresDialect{},
			pred:     query.Eq("deletedAt", nil),
			wantSQL:  `NULLIF((body #> $1::text[]), 'null'::jsonb) IS NULL`,
			wantArgs: []any{pq.Array([]string{"deletedAt"})},
		},
		{
			name:     "negated conjunction",
			d:        mysqlDialect{},
			pred:     query.Not(query.And(query.Exists("a"), query.Gt("n", int64(3)))),
			wantSQL:  `NOT ((NULLIF(JSON_EXTRACT(body, ?), CAST('null' AS JSON)) IS NOT NULL AND COALESCE(NULLIF(JSON_EXTRACT(body, ?), CAST('null' AS JSON)) > CAST(? AS JSON), FALSE)))`,
			wantArgs: []any{`$."a"`, `$."n"`, `3`},
		},
		{
			name:     "array index path",
			d:        mysqlDialect{},
			pred:     query.Exists("lines.0"),
			wantSQL:  `NULLIF(JSON_EXTRACT(body, ?), CAST('null' AS JSON)) IS NOT NULL`,
			wantArgs: []any{`$."lines"[0]`},
		},
		{
			name:     "prefix escapes wildcards",
			d:        postgresDialect{},
			pred:     query.HasPrefix("code", "50%_"),
			wantSQL:  `COALESCE(jsonb_typeof((body #> $1::text[])) = 'string' AND (body #>> $2::text[]) LIKE $3, FALSE)`,
			wantArgs: []any{pq.Array([]string{"code"}), pq.Array([]string{"code"}), `50\%\_%`},
		},
		{
			name:    "empty in",
			d:       postgresDialect{},
			pred:    query.In("status"),
			wantSQL: `FALSE`,
		},
		{
			name:    "match all",
			d:       postgresDialect{},
			pred:    nil,
			wantSQL: `TRUE`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &sqlBuilder{d: tt.d}
			got, err := b.where(tt.pred)
			if err != nil {
				t.Fatalf("where: %v", err)
			}
			if got != tt.wantSQL {
				t.Fatalf("sql =\n%s\nwant\n%s", got, tt.wantSQL)
			}
			if !reflect.DeepEqual(b.args, tt.wantArgs) {
				t.Fatalf("args = %#v, want %#v", b.args, tt.wantArgs)
			}
		})
	}
}

func TestSQLBuilder_InvalidOperands(t *testing.T) {
	b := &sqlBuilder{d: postgresDialect{}}
	bad := []query.Predicate{
		query.Comparison{Path: "a", Op: query.OpIn, Value: "x"},
		query.Comparison{Path: "a", Op: query.OpHasPrefix, Value: 3},
		query.Comparison{Path: "a", Op: "near"},
	}
	for _, p := range bad {
		if _, err := b.where(p); !errors.Is(err, query.ErrInvalidPredicate) {
			t.Fatalf("%s: expected ErrInvalidPredicate, got %v", query.String(p), err)
		}
	}
}

func TestSQLBuilder_OrderBy(t *testing.T) {
	b := &sqlBuilder{d: postgresDialect{}}
	got := b.orderBy(query.WithTiebreak([]query.Sort{query.Desc("total")}))
	want := `NULLIF((body #> $1::text[]), 'null'::jsonb) DESC NULLS LAST, id ASC NULLS FIRST`
	if got != want {
		t.Fatalf("order by = %s, want %s", got, want)
	}
}

func TestSQLDialect_Window(t *testing.T) {
	if got := (mysqlDialect{}).window(0, 20); got != " LIMIT 18446744073709551615 OFFSET 20" {
		t.Fatalf("mysql offset only = %q", got)
	}
	if got := (postgresDialect{}).window(10, 20); got != " LIMIT 10 OFFSET 20" {
		t.Fatalf("postgres window = %q", got)
	}
	if _, err := newDialect("oracle"); err == nil {
		t.Fatal("expected unsupported dialect error")
	}
}

func TestSQLProvider_Get(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM documents WHERE container = $1 AND (expires_at IS NULL OR expires_at > $2) AND partition_key = $3 AND id = $4")).
		WithArgs("widgets", sqlTestNow.Unix(), "pk-1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(`{"id":"w1","qty":3,"price":1.5}`)))

	doc, charge, err := p.Get(context.Background(), "widgets", repository.Key{ID: "w1", PartitionKey: "pk-1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc["qty"] != int64(3) || doc["price"] != 1.5 || charge != 1 {
		t.Fatalf("unexpected document %v charge %v", doc, charge)
	}

	mock.ExpectQuery("SELECT body FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	if _, _, err := p.Get(context.Background(), "widgets", repository.Key{ID: "w2", PartitionKey: "pk-1"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_QueryMySQL(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectMySQL)

	plan := query.Plan{
		Filter: query.Eq("status", "open"),
		Sort:   []query.Sort{query.Asc("seq")},
		Skip:   10,
		Limit:  5,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM documents WHERE container = ? AND (expires_at IS NULL OR expires_at > ?) AND COALESCE(")+
		".*"+regexp.QuoteMeta("ORDER BY NULLIF(JSON_EXTRACT(body, ?), CAST('null' AS JSON)) ASC, id ASC LIMIT 5 OFFSET 10")).
		WithArgs("widgets", sqlTestNow.Unix(), `$."status"`, `"open"`, `$."seq"`).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"id":"a","status":"open"}`)).
			AddRow([]byte(`{"id":"b","status":"open"}`)))

	res, err := p.Query(context.Background(), "widgets", plan)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Documents) != 2 || res.Charge != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Count(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM documents WHERE container = $1")).
		WithArgs("widgets", sqlTestNow.Unix(), pq.Array([]string{"isDeleted"}), "true").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, _, err := p.Count(context.Background(), "widgets", query.Eq("isDeleted", true))
	if err != nil || n != 7 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Raw(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("AND (body->>'status' = $3 AND body->>'kind' = $4) ORDER BY id")).
		WithArgs("widgets", sqlTestNow.Unix(), "open", "gear").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(`{"id":"a"}`)))

	res, err := p.Raw(context.Background(), "widgets", repository.RawQuery{
		Text:   "body->>'status' = @status AND body->>'kind' = @kind",
		Params: map[string]any{"status": "open", "kind": "gear"},
	})
	if err != nil || len(res.Documents) != 1 {
		t.Fatalf("raw: %+v %v", res, err)
	}

	_, err = p.Raw(context.Background(), "widgets", repository.RawQuery{Text: "body->>'status' = @status"})
	if !errors.Is(err, query.ErrInvalidPredicate) {
		t.Fatalf("expected ErrInvalidPredicate for a missing parameter, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Create(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)
	key := repository.Key{ID: "w1", PartitionKey: "pk-1"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body, expires_at FROM documents WHERE container = $1 AND partition_key = $2 AND id = $3 FOR UPDATE")).
		WithArgs("widgets", "pk-1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents (container, partition_key, id, body, etag, ts, expires_at) VALUES ($1, $2, $3, $4, $5, $6, $7)")).
		WithArgs("widgets", "pk-1", "w1", jsonBody{field: "qty", want: int64(2)}, sqlmock.AnyArg(), sqlTestNow.Unix(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := p.Create(context.Background(), "widgets", repository.WriteRequest{
		Key:      key,
		Document: repository.Document{"id": "w1", "qty": int64(2)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ETag == "" || res.Timestamp != sqlTestNow.Unix() || res.Document["_etag"] != res.ETag {
		t.Fatalf("unexpected write result: %+v", res)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err = p.Create(context.Background(), "widgets", repository.WriteRequest{Key: key, Document: repository.Document{"id": "w1"}})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict on a duplicate key, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_CreateOverExpiredRow(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectMySQL)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT body, expires_at FROM documents WHERE container = ? AND partition_key = ? AND id = ? FOR UPDATE")).
		WithArgs("widgets", "pk-1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).
			AddRow([]byte(`{"id":"w1","_etag":"old"}`), sqlTestNow.Add(-time.Second).Unix()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET body = ?, etag = ?, ts = ?, expires_at = ? WHERE container = ? AND partition_key = ? AND id = ?")).
		WithArgs(jsonBody{field: "ttl", want: int64(60)}, sqlmock.AnyArg(), sqlTestNow.Unix(), sqlTestNow.Add(time.Minute).Unix(), "widgets", "pk-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := p.Create(context.Background(), "widgets", repository.WriteRequest{
		Key:      repository.Key{ID: "w1", PartitionKey: "pk-1"},
		Document: repository.Document{"id": "w1", "ttl": int64(60)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_MySQLDuplicate(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectMySQL)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err := p.Upsert(context.Background(), "widgets", repository.WriteRequest{
		Key:      repository.Key{ID: "w1", PartitionKey: "pk-1"},
		Document: repository.Document{"id": "w1"},
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_ReplacePrecondition(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).AddRow([]byte(`{"id":"w1","_etag":"e1"}`), nil))
	mock.ExpectRollback()

	_, err := p.Replace(context.Background(), "widgets", repository.WriteRequest{
		Key:      repository.Key{ID: "w1", PartitionKey: "pk-1"},
		Document: repository.Document{"id": "w1"},
		IfMatch:  "e0",
	})
	if !errors.Is(err, repository.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_ReplaceKeepsPreservedFields(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)
	key := repository.Key{ID: "w1", PartitionKey: "pk-1"}
	stored := []byte(`{"id":"w1","_etag":"e1","isDeleted":true,"restoreCount":2}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).AddRow(stored, nil))
	mock.ExpectRollback()

	req := repository.WriteRequest{
		Key:       key,
		Document:  repository.Document{"id": "w1", "isDeleted": false, "restoreCount": int64(0)},
		Condition: query.NotDeleted(),
		Preserve:  []string{"isDeleted", "restoreCount"},
	}
	if _, err := p.Replace(context.Background(), "widgets", req); !errors.Is(err, repository.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).AddRow(stored, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET body = $1")).
		WithArgs(jsonBody{field: "restoreCount", want: int64(2)}, sqlmock.AnyArg(), sqlTestNow.Unix(), nil, "widgets", "pk-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req.Condition = nil
	res, err := p.Upsert(context.Background(), "widgets", req)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Document["isDeleted"] != true {
		t.Fatalf("the stored deletion flag must survive: %v", res.Document)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Patch(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)
	key := repository.Key{ID: "w1", PartitionKey: "pk-1"}
	stored := []byte(`{"id":"w1","_etag":"e1","qty":1,"isDeleted":false}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).AddRow(stored, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET body = $1")).
		WithArgs(jsonBody{field: "qty", want: int64(3)}, sqlmock.AnyArg(), sqlTestNow.Unix(), nil, "widgets", "pk-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := p.Patch(context.Background(), "widgets", repository.PatchRequest{
		Key:        key,
		Operations: []patch.Operation{{Type: patch.OpIncrement, Path: "/qty", Value: int64(2)}},
		IfMatch:    "e1",
		Condition:  query.NotDeleted(),
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if res.Document["qty"] != int64(3) || res.ETag == "e1" {
		t.Fatalf("unexpected post-image: %+v", res)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).AddRow([]byte(`{"id":"w1","isDeleted":true}`), nil))
	mock.ExpectRollback()

	_, err = p.Patch(context.Background(), "widgets", repository.PatchRequest{
		Key:        key,
		Operations: []patch.Operation{{Type: patch.OpSet, Path: "/qty", Value: int64(0)}},
		Condition:  query.NotDeleted(),
	})
	if !errors.Is(err, repository.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_UniqueKey(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)
	err := p.EnsureContainer(context.Background(), repository.ContainerDescriptor{
		Name:             "users",
		PartitionKeyPath: "/tenant",
		UniqueKeys:       []repository.UniqueKey{{Name: "email", Paths: []string{"/email"}}},
	})
	if err != nil {
		t.Fatalf("ensure container: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM documents WHERE container = $1")).
		WithArgs("users", sqlTestNow.Unix(), "t1", "u2", pq.Array([]string{"email"}), `"a@example.com"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectRollback()

	_, err = p.Create(context.Background(), "users", repository.WriteRequest{
		Key:      repository.Key{ID: "u2", PartitionKey: "t1"},
		Document: repository.Document{"id": "u2", "tenant": "t1", "email": "a@example.com"},
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_BatchRollsBack(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WithArgs("widgets", "pk-1", "a").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WithArgs("widgets", "pk-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectRollback()

	_, err := p.Batch(context.Background(), "widgets", repository.BatchRequest{
		PartitionKey: "pk-1",
		Operations: []repository.BatchOperation{
			{Kind: repository.BatchCreate, Key: repository.Key{ID: "a", PartitionKey: "pk-1"}, Document: repository.Document{"id": "a"}},
			{Kind: repository.BatchDelete, Key: repository.Key{ID: "missing", PartitionKey: "pk-1"}},
		},
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from the second item, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Batch(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}))
	mock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT body, expires_at FROM documents").
		WillReturnRows(sqlmock.NewRows([]string{"body", "expires_at"}).AddRow([]byte(`{"id":"b"}`), nil))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE container = $1 AND partition_key = $2 AND id = $3")).
		WithArgs("widgets", "pk-1", "b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := p.Batch(context.Background(), "widgets", repository.BatchRequest{
		PartitionKey: "pk-1",
		Operations: []repository.BatchOperation{
			{Kind: repository.BatchCreate, Key: repository.Key{ID: "a", PartitionKey: "pk-1"}, Document: repository.Document{"id": "a"}},
			{Kind: repository.BatchDelete, Key: repository.Key{ID: "b", PartitionKey: "pk-1"}},
		},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !res.Atomic || len(res.Items) != 2 || res.Items[0].ETag == "" || res.Items[1].Document != nil {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_BatchPartitionMismatch(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := p.Batch(context.Background(), "widgets", repository.BatchRequest{
		PartitionKey: "pk-1",
		Operations: []repository.BatchOperation{
			{Kind: repository.BatchCreate, Key: repository.Key{ID: "a", PartitionKey: "pk-2"}, Document: repository.Document{"id": "a"}},
		},
	})
	if !errors.Is(err, repository.ErrPartitionMismatch) {
		t.Fatalf("expected ErrPartitionMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Migrate(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectMySQL)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES (?)")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := p.Migrate(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProvider_Stream(t *testing.T) {
	p, mock := newSQLTestProvider(t, DialectPostgres)
	p.pageSize = 2

	page := func(ids ...string) *sqlmock.Rows {
		rows := sqlmock.NewRows([]string{"body"})
		for _, id := range ids {
			raw, _ := json.Marshal(map[string]any{"id": id})
			rows.AddRow(raw)
		}
		return rows
	}
	mock.ExpectQuery("ORDER BY id ASC NULLS FIRST LIMIT 2$").WillReturnRows(page("a", "b"))
	mock.ExpectQuery("ORDER BY id ASC NULLS FIRST LIMIT 2$").WillReturnRows(page("c"))

	var got []string
	for doc, err := range p.Stream(context.Background(), "widgets", query.Plan{}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		got = append(got, doc["id"].(string))
	}
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("streamed %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
