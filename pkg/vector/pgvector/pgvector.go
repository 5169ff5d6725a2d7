// Package pgvector provides a PostgreSQL vector driver using the pgvector
// extension.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector"
)

// Config holds configuration for the pgvector driver.
type Config struct {
	// ConnString is a PostgreSQL connection string.
	ConnString string

	// Dimensions is the vector length of the table column.
	Dimensions uint

	// Table defaults to "captain_frame_vectors".
	Table string
}

// Driver implements vector.Driver on a pgvector table.
type Driver struct {
	pool   *pgxpool.Pool
	table  string
	dims   uint
	logger *slog.Logger
}

var _ vector.Driver = (*Driver)(nil)

// NewDriver connects, enables the extension and creates the table.
func NewDriver(ctx context.Context, c Config, log *slog.Logger) (*Driver, error) {
	log = logger.OrNop(log)

	if c.ConnString == "" {
		return nil, errors.New("postgres connection string is required")
	}
	if c.Dimensions == 0 {
		return nil, errors.New("pgvector embedding dimensions cannot be 0, must be configured")
	}
	table := c.Table
	if table == "" {
		table = "captain_frame_vectors"
	}

	pool, err := pgxpool.New(ctx, c.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", vector.ErrConnection, err)
	}

	ident := pgx.Identifier{table}.Sanitize()
	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id BIGINT PRIMARY KEY, embedding vector(%d) NOT NULL)`, ident, c.Dimensions),
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.Info("pgvector vector driver initialized", "table", table, "dimensions", c.Dimensions)

	return &Driver{pool: pool, table: ident, dims: c.Dimensions, logger: log}, nil
}

func (d *Driver) check(v []float32) error {
	if uint(len(v)) != d.dims {
		return fmt.Errorf("%w: got %d, index has %d", vector.ErrDimensions, len(v), d.dims)
	}
	return nil
}

// Add upserts documents.
func (d *Driver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, doc := range docs {
		if err := d.check(doc.Embedding); err != nil {
			return fmt.Errorf("frame %d: %w", doc.ID, err)
		}
		batch.Queue(
			fmt.Sprintf(`INSERT INTO %s (id, embedding) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding`, d.table),
			int64(doc.ID), pgv.NewVector(doc.Embedding),
		)
	}

	if err := d.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting embeddings: %w", err)
	}

	d.logger.Debug("added documents to pgvector", "count", len(docs))
	return nil
}

// Query returns the topK nearest documents by cosine distance.
func (d *Driver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}
	if err := d.check(embedding); err != nil {
		return nil, err
	}

	q := pgv.NewVector(embedding)
	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1, id DESC
		LIMIT $2`, d.table), q, topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var results []vector.QueryResult
	for rows.Next() {
		var (
			id    int64
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scanning query result: %w", err)
		}
		results = append(results, vector.QueryResult{
			Document: vector.Document{ID: frame.ID(id)},
			Score:    float32(score),
		})
	}
	return results, rows.Err()
}

// Get retrieves documents by id.
func (d *Driver) Get(ctx context.Context, ids []frame.ID) ([]vector.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}

	rows, err := d.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, embedding FROM %s WHERE id = ANY($1) ORDER BY id`, d.table), keys)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []vector.Document
	for rows.Next() {
		var (
			id  int64
			emb pgv.Vector
		)
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, vector.Document{ID: frame.ID(id), Embedding: emb.Slice()})
	}
	return docs, rows.Err()
}

// Delete removes documents by id.
func (d *Driver) Delete(ctx context.Context, ids []frame.ID) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	if _, err := d.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, d.table), keys); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}
