// Package migrate brings the workflow schema up to date before the
// API or the sweeper touches it.
package migrate

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const defaultDir = "db/migrations"

// Run applies pending goose migrations from dir (db/migrations when
// empty). It uses a dedicated short-lived connection so the store's
// pool settings never apply to DDL.
func Run(dsn, dir string) error {
	if dir == "" {
		dir = defaultDir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open database: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", dir, err)
	}
	return nil
}
