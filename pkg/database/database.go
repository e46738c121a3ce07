// Package database opens the relational store shared by the pipeline.
//
// Postgres is used when DATABASE_URL is set; otherwise the process runs in
// Lite Mode on an embedded SQLite file. Queries are written once with $n
// placeholders and rebound per dialect.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a handle.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a *sql.DB that knows its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap attaches a dialect to an existing handle (used with sqlmock in tests).
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// OpenPostgres connects and pings a Postgres database.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return Wrap(db, Postgres), nil
}

// OpenSQLite opens (creating if needed) a SQLite database at path. Use
// ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serializes writers; every store keeps its
	// statements inside one connection at a time.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	return Wrap(db, SQLite), nil
}

// Open picks Postgres when url is set, Lite Mode otherwise.
func Open(ctx context.Context, url, litePath string) (*DB, error) {
	if strings.TrimSpace(url) != "" {
		return OpenPostgres(ctx, url)
	}
	return OpenSQLite(ctx, litePath)
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Rebind converts $n placeholders to the handle's dialect.
func (d *DB) Rebind(query string) string {
	if d.Dialect == SQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

// InitSchema executes each DDL statement in order.
func (d *DB) InitSchema(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
