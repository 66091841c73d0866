package document

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/nimburion/docrepo/pkg/migrate"
)

//go:embed migrations
var migrationFiles embed.FS

// SQLDialect selects the SQL flavor of a SQLProvider.
type SQLDialect string

const (
	// DialectPostgres stores bodies as jsonb.
	DialectPostgres SQLDialect = "postgres"
	// DialectMySQL stores bodies in a JSON column.
	DialectMySQL SQLDialect = "mysql"
)

// dialect renders the fragments that differ between databases. Path arguments
// address a document field and are always bound, never inlined.
type dialect interface {
	placeholder(n int) string
	// extract returns the JSON value at the bound path, SQL NULL when missing.
	extract(path string) string
	pathArg(segments []string) any
	// json casts a bound JSON text to the native JSON type.
	json(param string) string
	jsonNull() string
	// text returns the unquoted string at the bound path.
	text(path string) string
	isString(expr string) string
	order(expr string, desc bool) string
	window(limit, skip int) string
	isDuplicate(err error) bool
	migrations() migrate.Dialect
}

func newDialect(d SQLDialect) (dialect, error) {
	switch d {
	case DialectPostgres, "":
		return postgresDialect{}, nil
	case DialectMySQL:
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported sql dialect %q", d)
}

// Migrations returns the embedded schema migrations for d, rooted at the returned
// directory.
func Migrations(d SQLDialect) (fs.FS, string) {
	if d == "" {
		d = DialectPostgres
	}
	return migrationFiles, "migrations/" + string(d)
}

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string   { return "$" + strconv.Itoa(n) }
func (postgresDialect) extract(path string) string { return "(body #> " + path + "::text[])" }
func (postgresDialect) pathArg(segments []string) any {
	return pq.Array(segments)
}
func (postgresDialect) json(param string) string { return param + "::jsonb" }
func (postgresDialect) jsonNull() string         { return "'null'::jsonb" }
func (postgresDialect) text(path string) string  { return "(body #>> " + path + "::text[])" }
func (postgresDialect) isString(expr string) string {
	return "jsonb_typeof(" + expr + ") = 'string'"
}

func (postgresDialect) order(expr string, desc bool) string {
	if desc {
		return expr + " DESC NULLS LAST"
	}
	return expr + " ASC NULLS FIRST"
}

func (postgresDialect) window(limit, skip int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if skip > 0 {
		fmt.Fprintf(&b, " OFFSET %d", skip)
	}
	return b.String()
}

func (postgresDialect) isDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (postgresDialect) migrations() migrate.Dialect { return migrate.Postgres }

type mysqlDialect struct{}

func (mysqlDialect) placeholder(int) string     { return "?" }
func (mysqlDialect) extract(path string) string { return "JSON_EXTRACT(body, " + path + ")" }

func (mysqlDialect) pathArg(segments []string) any {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString(`."`)
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(seg))
		b.WriteString(`"`)
	}
	return b.String()
}

func (mysqlDialect) json(param string) string { return "CAST(" + param + " AS JSON)" }
func (mysqlDialect) jsonNull() string         { return "CAST('null' AS JSON)" }
func (mysqlDialect) text(path string) string {
	return "JSON_UNQUOTE(JSON_EXTRACT(body, " + path + "))"
}
func (mysqlDialect) isString(expr string) string { return "JSON_TYPE(" + expr + ") = 'STRING'" }

// order relies on MySQL sorting NULL first ascending and last descending.
func (mysqlDialect) order(expr string, desc bool) string {
	if desc {
		return expr + " DESC"
	}
	return expr + " ASC"
}

func (mysqlDialect) window(limit, skip int) string {
	switch {
	case limit > 0 && skip > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, skip)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case skip > 0:
		return fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", skip)
	}
	return ""
}

func (mysqlDialect) isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

func (mysqlDialect) migrations() migrate.Dialect { return migrate.MySQL }
