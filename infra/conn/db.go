// Package conn opens the relational database handle.
package conn

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database. driver is "postgres" (pgx) or
// "sqlite" for single-node development.
func Open(driver, dsn string) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch driver {
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	case "sqlite":
		// WAL keeps concurrent readers usable while one writer is active.
		db, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_timeout=20000")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
