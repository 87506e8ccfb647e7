// internal/database/schema.go
// Database schema and migration logic for the sportsfeed ranking engine
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Timestamps are stored as unix milliseconds so the same schema runs on
// SQLite and Postgres.
const Schema = `
-- Settings table
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT,
    type TEXT DEFAULT 'string',
    updated_at BIGINT NOT NULL DEFAULT 0
);

-- Articles mirrored from the content system
CREATE TABLE IF NOT EXISTS articles (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    team_tag TEXT,
    importance INTEGER NOT NULL DEFAULT 50 CHECK (importance BETWEEN 0 AND 100),
    published_at BIGINT NOT NULL,
    unpublished_at BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

-- Append-only view log
CREATE TABLE IF NOT EXISTS view_events (
    id TEXT PRIMARY KEY,
    viewer_id TEXT NOT NULL,
    article_id TEXT NOT NULL,
    source TEXT NOT NULL CHECK (source IN ('client', 'server')),
    viewed_at BIGINT NOT NULL
);

-- One row per (viewer, article): the time the last counted view happened
CREATE TABLE IF NOT EXISTS view_dedup (
    viewer_id TEXT NOT NULL,
    article_id TEXT NOT NULL,
    counted_at BIGINT NOT NULL,
    PRIMARY KEY (viewer_id, article_id)
);

-- Lifetime view counter per article
CREATE TABLE IF NOT EXISTS view_counts (
    article_id TEXT PRIMARY KEY,
    lifetime BIGINT NOT NULL DEFAULT 0,
    last_viewed_at BIGINT NOT NULL DEFAULT 0
);`

const Indexes = `
-- Article indexes
CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_team ON articles(team_tag, published_at DESC);

-- View indexes
CREATE INDEX IF NOT EXISTS idx_view_events_article_time ON view_events(article_id, viewed_at);
CREATE INDEX IF NOT EXISTS idx_view_events_viewer_time ON view_events(viewer_id, viewed_at);
CREATE INDEX IF NOT EXISTS idx_view_events_time ON view_events(viewed_at);
CREATE INDEX IF NOT EXISTS idx_view_dedup_counted ON view_dedup(counted_at);`

// DB represents our database connection and operations
type DB struct {
	*sql.DB
	driver string
	sb     sq.StatementBuilderType
}

// Configuration for the database
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewDB opens the store for driver ("sqlite3" or "postgres"), applies pool
// settings and creates or migrates the schema.
func NewDB(driver, dsn string, cfg Config) (*DB, error) {
	var placeholder sq.PlaceholderFormat
	switch driver {
	case DriverSQLite:
		placeholder = sq.Question
		if dsn == ":memory:" {
			// Each pooled connection would otherwise get its own empty database.
			cfg.MaxOpenConns = 1
			cfg.MaxIdleConns = 1
			cfg.ConnMaxLifetime = 0
			cfg.ConnMaxIdleTime = 0
		} else if !strings.Contains(dsn, "?") {
			dsn = fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON&_synchronous=NORMAL", dsn)
		}
	case DriverPostgres:
		placeholder = sq.Dollar
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	d := &DB{
		DB:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}

	if err := d.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating schema: %w", err)
	}

	return d, nil
}

// Driver reports which SQL backend is in use.
func (db *DB) Driver() string {
	return db.driver
}

// rebind rewrites '?' placeholders for the active driver.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	out, err := sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return query
	}
	return out
}

func (db *DB) createSchema(ctx context.Context) error {
	if db.driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, `
        PRAGMA journal_mode=WAL;
        PRAGMA synchronous=NORMAL;
        PRAGMA cache_size=10000;
        PRAGMA temp_store=MEMORY;
    `); err != nil {
			return fmt.Errorf("error setting pragmas: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing schema: %w", err)
	}

	// Columns added after the first release
	columnUpdates := []struct {
		table, column, definition string
	}{
		{"articles", "summary", "TEXT NOT NULL DEFAULT ''"},
		{"articles", "unpublished_at", "BIGINT"},
		{"view_counts", "last_viewed_at", "BIGINT NOT NULL DEFAULT 0"},
	}

	for _, col := range columnUpdates {
		exists, err := db.columnExists(ctx, col.table, col.column)
		if err != nil {
			return fmt.Errorf("error checking column %s.%s: %w", col.table, col.column, err)
		}
		if !exists {
			_, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				col.table, col.column, col.definition))
			if err != nil {
				return fmt.Errorf("error adding column %s.%s: %w", col.table, col.column, err)
			}
		}
	}

	if _, err := db.ExecContext(ctx, Indexes); err != nil {
		return fmt.Errorf("error creating indexes: %w", err)
	}

	if err := db.insertDefaultSettings(ctx); err != nil {
		return fmt.Errorf("error inserting default settings: %w", err)
	}

	return nil
}

func (db *DB) columnExists(ctx context.Context, tableName, columnName string) (bool, error) {
	if db.driver == DriverPostgres {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			tableName, columnName,
		).Scan(&n)
		return n > 0, err
	}

	query := fmt.Sprintf("PRAGMA table_info(%s);", tableName)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == columnName {
			return true, nil
		}
	}

	return false, rows.Err()
}

// DefaultSettings are the runtime-tunable values stored in the settings table.
var DefaultSettings = map[string]struct{ value, typ string }{
	"refresh_interval": {"300", "int"},
	"trending_size":    {"10", "int"},
	"site_title":       {"sportsfeed", "string"},
	"site_url":         {"", "string"},
}

func (db *DB) insertDefaultSettings(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`INSERT INTO settings (key, value, type, updated_at)
        VALUES (?, ?, ?, ?) ON CONFLICT (key) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("error preparing statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for key, s := range DefaultSettings {
		if _, err := stmt.ExecContext(ctx, key, s.value, s.typ, now); err != nil {
			return fmt.Errorf("error inserting default setting %s: %w", key, err)
		}
	}

	return tx.Commit()
}
