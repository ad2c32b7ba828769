package storage

import (
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures the differences between the supported databases.
type dialect struct {
	driver  string
	builder sq.StatementBuilderType
	types   *strings.Replacer
}

func newDialect(driver string) dialect {
	switch driver {
	case DriverPostgres:
		return dialect{
			driver:  DriverPostgres,
			builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
			types:   strings.NewReplacer("{timestamp}", "TIMESTAMPTZ", "{real}", "DOUBLE PRECISION"),
		}
	default:
		return dialect{
			driver:  DriverSQLite,
			builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
			types:   strings.NewReplacer("{timestamp}", "DATETIME", "{real}", "REAL"),
		}
	}
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
