// Package db owns the PostgreSQL connection shared by the completion and
// resume stores, plus the idempotent schema setup run once at daemon
// startup. The stores issue their own queries against the *sql.DB this
// package hands back; no query logic lives here.
package db

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

// DB wraps the shared connection pool.
type DB struct {
	*sql.DB
}

// Connect opens and pings a PostgreSQL connection. The pool is kept
// small: the only writers are the completion store, the resume flush
// loop, and the occasional resume load at add time.
func Connect(connStr string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetMaxIdleConns(2)

	log.Println("[db] connected to postgres")
	return &DB{sqlDB}, nil
}

// EnsureSchema creates the tables the completion and resume stores
// expect. Idempotent DDL run at startup, not a migration tool.
func (db *DB) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS torrent_piece_completion (
			info_hash   TEXT NOT NULL,
			piece_index INTEGER NOT NULL,
			completed   BOOLEAN NOT NULL,
			verified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (info_hash, piece_index)
		)`,
		`CREATE TABLE IF NOT EXISTS torrent_resume_state (
			info_hash                  TEXT PRIMARY KEY,
			ratio_mode                 INTEGER NOT NULL,
			desired_ratio              DOUBLE PRECISION NOT NULL,
			idle_mode                  INTEGER NOT NULL,
			idle_limit_minutes         INTEGER NOT NULL,
			max_peers                  INTEGER NOT NULL,
			speed_limit_down           INTEGER NOT NULL,
			speed_limit_up             INTEGER NOT NULL,
			speed_limit_down_enabled   BOOLEAN NOT NULL,
			speed_limit_up_enabled     BOOLEAN NOT NULL,
			use_session_limits_down    BOOLEAN NOT NULL,
			use_session_limits_up      BOOLEAN NOT NULL,
			downloaded_ever            BIGINT NOT NULL,
			uploaded_ever              BIGINT NOT NULL,
			corrupt_ever               BIGINT NOT NULL,
			seconds_downloading        BIGINT NOT NULL,
			seconds_seeding            BIGINT NOT NULL,
			date_added                 TIMESTAMPTZ NOT NULL,
			date_activity              TIMESTAMPTZ NOT NULL,
			date_done                  TIMESTAMPTZ NOT NULL,
			rename                     TEXT NOT NULL DEFAULT '',
			file_dnd                   BIGINT[] NOT NULL DEFAULT '{}',
			file_priority              INTEGER[] NOT NULL DEFAULT '{}',
			updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("db: ensure schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (db *DB) Close() error {
	return db.DB.Close()
}
