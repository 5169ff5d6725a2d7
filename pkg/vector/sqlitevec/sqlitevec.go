// Package sqlitevec provides a SQLite-backed vector driver using sqlite-vec.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector"
)

// SQLiteVecDriver implements vector.Driver using SQLite with sqlite-vec.
// Frame ids are used directly as vec0 rowids.
type SQLiteVecDriver struct {
	db         *sql.DB
	dimensions uint
	logger     *slog.Logger
}

var _ vector.Driver = (*SQLiteVecDriver)(nil)

// Config holds configuration for the SQLite vec driver.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database.
	DBPath string

	// Dimensions is the number of dimensions for the embedding vectors.
	Dimensions uint
}

// NewSQLiteVecDriver creates a new SQLite vector driver backed by sqlite-vec.
func NewSQLiteVecDriver(c Config, log *slog.Logger) (*SQLiteVecDriver, error) {
	// enable connection to have sqlite-vec extension
	sqlite_vec.Auto()

	log = logger.OrNop(log)

	if c.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	if c.Dimensions == 0 {
		return nil, errors.New("sqlite-vec embedding dimensions cannot be 0, must be configured")
	}

	db, err := sql.Open("sqlite3", c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if c.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Verify sqlite-vec is loaded
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}

	createVec := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS frame_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		c.Dimensions,
	)
	if _, err := db.Exec(createVec); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vec0 table: %w", err)
	}

	log.Info("sqlite-vec vector driver initialized",
		"db_path", c.DBPath,
		"dimensions", c.Dimensions,
		"vec_version", vecVersion,
	)

	return &SQLiteVecDriver{
		db:         db,
		dimensions: c.Dimensions,
		logger:     log,
	}, nil
}

// deserializeFloat32 converts a little-endian byte slice back to a float32 slice.
func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d: must be divisible by 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func (d *SQLiteVecDriver) serialize(v []float32) ([]byte, error) {
	if uint(len(v)) != d.dimensions {
		return nil, fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensions, len(v), d.dimensions)
	}
	return sqlite_vec.SerializeFloat32(v)
}

// Add stores documents with their embeddings.
// If a document with the same ID already exists, it is updated.
func (d *SQLiteVecDriver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		embBlob, err := d.serialize(doc.Embedding)
		if err != nil {
			return fmt.Errorf("serializing embedding for frame %d: %w", doc.ID, err)
		}

		// vec0 does not support UPDATE, replace via DELETE + INSERT
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM frame_embeddings WHERE rowid = ?`, int64(doc.ID),
		); err != nil {
			return fmt.Errorf("deleting old embedding for frame %d: %w", doc.ID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO frame_embeddings(rowid, embedding) VALUES (?, ?)`,
			int64(doc.ID), embBlob,
		); err != nil {
			return fmt.Errorf("inserting embedding for frame %d: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("added documents to sqlite-vec", "count", len(docs))

	return nil
}

// Query finds the topK most similar documents to the given embedding.
func (d *SQLiteVecDriver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	queryBlob, err := d.serialize(embedding)
	if err != nil {
		return nil, fmt.Errorf("serializing query embedding: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT rowid, distance
		FROM frame_embeddings
		WHERE embedding MATCH ?
			AND k = ?
		ORDER BY distance, rowid DESC
	`, queryBlob, topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var results []vector.QueryResult
	for rows.Next() {
		var (
			rowID    int64
			distance float64
		)
		if err := rows.Scan(&rowID, &distance); err != nil {
			return nil, fmt.Errorf("scanning query result: %w", err)
		}

		results = append(results, vector.QueryResult{
			Document: vector.Document{ID: frame.ID(rowID)},
			// cosine distance is 1 - similarity
			Score: float32(1.0 - distance),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating query results: %w", err)
	}

	d.logger.Debug("queried sqlite-vec", "results", len(results))

	return results, nil
}

// Get retrieves documents by their IDs.
func (d *SQLiteVecDriver) Get(ctx context.Context, ids []frame.ID) ([]vector.Document, error) {
	docs := make([]vector.Document, 0, len(ids))
	for _, id := range ids {
		var embBlob []byte
		err := d.db.QueryRowContext(ctx,
			`SELECT embedding FROM frame_embeddings WHERE rowid = ?`, int64(id),
		).Scan(&embBlob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading embedding for frame %d: %w", id, err)
		}

		emb, err := deserializeFloat32(embBlob)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", id, err)
		}
		docs = append(docs, vector.Document{ID: id, Embedding: emb})
	}
	return docs, nil
}

// Delete removes documents by their IDs.
func (d *SQLiteVecDriver) Delete(ctx context.Context, ids []frame.ID) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM frame_embeddings WHERE rowid = ?`, int64(id),
		); err != nil {
			return fmt.Errorf("deleting embedding for frame %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("deleted documents from sqlite-vec", "count", len(ids))

	return nil
}

// Close releases resources held by the driver.
func (d *SQLiteVecDriver) Close() error {
	return d.db.Close()
}
