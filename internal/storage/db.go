// Package storage opens the local SQLite database that holds the upload queue
// and keeps its schema current.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/migrations"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens dsn and migrates it. The queue has a single writer, so
// the pool is limited to one connection to avoid SQLITE_BUSY.
func InitDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", dsn, err)
	}

	return db, nil
}
