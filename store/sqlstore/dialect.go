package sqlstore

import (
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3/database"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name          string
	Goose         database.Dialect
	migrationsDir string
	lockClause    string
}

var (
	SQLite = Dialect{
		Name:          "sqlite",
		Goose:         database.DialectSQLite3,
		migrationsDir: "migrations/sqlite",
	}
	Postgres = Dialect{
		Name:          "postgres",
		Goose:         database.DialectPostgres,
		migrationsDir: "migrations/postgres",
		lockClause:    " FOR UPDATE OF e SKIP LOCKED",
	}
)

// DialectFor maps a database/sql driver name to a Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, apperrors.New(fmt.Sprintf("unsupported sql driver %q", driver), apperrors.CategoryBadInput).
			WithTextCode("SQLSTORE_UNSUPPORTED_DRIVER")
	}
}

// DialectOf inspects an open sqlx handle.
func DialectOf(db *sqlx.DB) (Dialect, error) {
	return DialectFor(db.DriverName())
}

// jsonField renders an expression reading field from the JSON payload.
// Field names are validated before they reach this point.
func (d Dialect) jsonField(field string, numeric bool) string {
	if d.Name == Postgres.Name {
		path := strings.ReplaceAll(field, ".", ",")
		expr := fmt.Sprintf("(e.payload::jsonb #>> '{%s}')", path)
		if numeric {
			return "(" + expr + ")::numeric"
		}
		return expr
	}
	return fmt.Sprintf("json_extract(e.payload, '$.%s')", field)
}
