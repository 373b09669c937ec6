package sqlstore

import (
	"context"
	"embed"
	"io/fs"

	apperrors "github.com/goliatone/go-errors"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for the database behind db
// and returns the versions applied.
func Migrate(ctx context.Context, db *sqlx.DB) ([]int64, error) {
	dialect, err := DialectOf(db)
	if err != nil {
		return nil, err
	}
	fsys, err := fs.Sub(migrationsFS, dialect.migrationsDir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "migrations not embedded")
	}
	provider, err := goose.NewProvider(dialect.Goose, db.DB, fsys)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "failed to create migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryExternal, "failed to migrate database").
			WithMetadata(map[string]any{"dialect": dialect.Name})
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		if r != nil && r.Source != nil {
			applied = append(applied, r.Source.Version)
		}
	}
	return applied, nil
}
