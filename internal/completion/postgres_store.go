package completion

import (
	"database/sql"
	"fmt"
)

// PostgresStore implements Store using PostgreSQL: one row per
// (info_hash, piece_index), with the "unknown means re-verify" contract on
// Get that the Store interface documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Store backed by the given database connection.
// Schema (created by db.EnsureSchema in internal/db):
//
//	CREATE TABLE torrent_piece_completion (
//	    info_hash   TEXT NOT NULL,
//	    piece_index INTEGER NOT NULL,
//	    completed   BOOLEAN NOT NULL,
//	    verified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (info_hash, piece_index)
//	);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns whether a piece is complete. ok=false means the piece has
// never been recorded; callers should treat that as "needs verification"
// rather than trusting an implied "not complete".
func (s *PostgresStore) Get(infoHash string, piece uint32) (complete bool, ok bool, err error) {
	var completed bool
	row := s.db.QueryRow(
		`SELECT completed FROM torrent_piece_completion WHERE info_hash = $1 AND piece_index = $2`,
		infoHash, piece,
	)
	err = row.Scan(&completed)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("completion: query piece completion: %w", err)
	}
	return completed, true, nil
}

// Set marks a piece as complete or incomplete.
func (s *PostgresStore) Set(infoHash string, piece uint32, completed bool) error {
	_, err := s.db.Exec(`
		INSERT INTO torrent_piece_completion (info_hash, piece_index, completed, verified_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (info_hash, piece_index)
		DO UPDATE SET completed = $3, verified_at = now()
	`, infoHash, piece, completed)
	if err != nil {
		return fmt.Errorf("completion: set piece completion: %w", err)
	}
	return nil
}
