// Package sqlite provides a SQLite-backed archive metadata store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/frame"
)

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	id           INTEGER PRIMARY KEY,
	ts_unix_nano INTEGER NOT NULL,
	hash         TEXT    NOT NULL,
	media_type   TEXT    NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	description  TEXT    NOT NULL DEFAULT '',
	embedding    BLOB,
	removed      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS frames_ts ON frames (ts_unix_nano);
`

// Store implements archive.Store on a SQLite database.
type Store struct {
	db *sql.DB
}

var _ archive.Store = (*Store)(nil)

// NewStore opens (creating if needed) the database at dbPath. The dbPath can
// be a file path or ":memory:".
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Put inserts rec unless the id exists.
func (s *Store) Put(ctx context.Context, rec archive.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (id, ts_unix_nano, hash, media_type, size, description, embedding, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		int64(rec.ID), rec.Timestamp.UnixNano(), rec.Hash, rec.MediaType, rec.Size,
		rec.Description, encodeVector(rec.Embedding), rec.Removed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert frame %d: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// MarkRemoved tombstones id and clears its vector.
func (s *Store) MarkRemoved(ctx context.Context, id frame.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET removed = 1, embedding = NULL WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to remove frame %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("frame %d: %w", id, archive.ErrNotFound)
	}
	return nil
}

// SetEmbedding stores the description and vector of a live frame.
func (s *Store) SetEmbedding(ctx context.Context, id frame.ID, description string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET description = ?, embedding = ? WHERE id = ? AND removed = 0`,
		description, encodeVector(embedding), int64(id))
	if err != nil {
		return fmt.Errorf("failed to store embedding of frame %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("frame %d: %w", id, archive.ErrNotFound)
	}
	return nil
}

// List returns every record in id order.
func (s *Store) List(ctx context.Context) ([]archive.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_unix_nano, hash, media_type, size, description, embedding, removed
		FROM frames ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var out []archive.Record
	for rows.Next() {
		var (
			rec  archive.Record
			id   int64
			ts   int64
			blob []byte
		)
		if err := rows.Scan(&id, &ts, &rec.Hash, &rec.MediaType, &rec.Size, &rec.Description, &blob, &rec.Removed); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		rec.ID = frame.ID(id)
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Embedding, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// encodeVector packs v as little-endian float32s. nil stays NULL.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding of %d bytes", archive.ErrCorrupt, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
