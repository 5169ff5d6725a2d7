// Package vector provides the similarity index behind frame search.
//
// Drivers store one embedding per archived frame, keyed by frame id, and
// answer cosine top-k queries. The archive stays authoritative: a driver is
// a cache that the indexer may repair or rebuild at any time.
package vector

import (
	"context"

	"github.com/papercomputeco/captain/pkg/frame"
)

// Document is a stored frame embedding.
type Document struct {
	// ID is the frame the embedding belongs to.
	ID frame.ID

	// Embedding is the dense vector of the frame.
	Embedding []float32
}

// QueryResult represents a search result with similarity score.
type QueryResult struct {
	Document

	// Score is the cosine similarity to the query (higher = more similar).
	Score float32
}

// Driver handles storage and retrieval of frame embeddings.
type Driver interface {
	// Add stores documents with their embeddings.
	// If a document with the same ID already exists, implementers should update
	// the document.
	Add(ctx context.Context, docs []Document) error

	// Query finds the topK most similar documents to the given embedding,
	// ordered by descending score.
	Query(ctx context.Context, embedding []float32, topK int) ([]QueryResult, error)

	// Get retrieves documents by their IDs. Missing ids are omitted.
	Get(ctx context.Context, ids []frame.ID) ([]Document, error)

	// Delete removes documents by their IDs. Missing ids are ignored.
	Delete(ctx context.Context, ids []frame.ID) error

	// Close releases any resources held by the driver.
	Close() error
}
