package archive

import (
	"context"
	"time"

	"github.com/papercomputeco/captain/pkg/frame"
)

// Record is the durable metadata row of an archived frame. Image content
// lives in the blob store under BlobKey(ID).
type Record struct {
	ID          frame.ID
	Timestamp   time.Time
	Hash        string
	MediaType   string
	Size        int
	Description string
	Embedding   []float32
	Removed     bool
}

// Store persists frame metadata. Implementations must be durable once a
// call returns nil.
type Store interface {
	// Put inserts rec. It returns false without error if the id exists.
	Put(ctx context.Context, rec Record) (bool, error)

	// MarkRemoved tombstones id. Marking an already removed id is a no-op.
	MarkRemoved(ctx context.Context, id frame.ID) error

	// SetEmbedding stores the description and vector of id.
	SetEmbedding(ctx context.Context, id frame.ID, description string, embedding []float32) error

	// List returns every record, removed ones included, in ascending id order.
	List(ctx context.Context) ([]Record, error)

	// Close releases the store.
	Close() error
}
