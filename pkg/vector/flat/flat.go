// Package flat provides an exact, in-process cosine index.
//
// Every query scans all stored vectors, which is the right trade for the
// archive sizes a single user accumulates once dedup keeps it pruned.
package flat

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector"
)

// Config holds configuration for the flat driver.
type Config struct {
	// Dimensions fixes the vector length. Zero accepts the length of the
	// first added document.
	Dimensions uint
}

// Driver implements vector.Driver with a map of normalized vectors.
type Driver struct {
	mu   sync.RWMutex
	docs map[frame.ID][]float32
	dims int

	logger *slog.Logger
}

var _ vector.Driver = (*Driver)(nil)

// NewDriver creates an empty flat index.
func NewDriver(c Config, log *slog.Logger) *Driver {
	return &Driver{
		docs:   make(map[frame.ID][]float32),
		dims:   int(c.Dimensions),
		logger: logger.OrNop(log),
	}
}

// Add stores or replaces documents.
func (d *Driver) Add(_ context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, doc := range docs {
		if d.dims == 0 {
			d.dims = len(doc.Embedding)
		}
		if len(doc.Embedding) != d.dims {
			return fmt.Errorf("%w: frame %d has %d, index has %d", vector.ErrDimensions, doc.ID, len(doc.Embedding), d.dims)
		}
	}
	for _, doc := range docs {
		d.docs[doc.ID] = vector.Normalize(doc.Embedding)
	}

	d.logger.Debug("added documents to flat index", "count", len(docs), "total", len(d.docs))
	return nil
}

// Query returns the topK documents by cosine similarity. Equal scores rank
// the newer frame first.
func (d *Driver) Query(_ context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.docs) == 0 {
		return nil, nil
	}
	if len(embedding) != d.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vector.ErrDimensions, len(embedding), d.dims)
	}

	q := vector.Normalize(embedding)
	h := make(resultHeap, 0, topK+1)
	for id, v := range d.docs {
		r := result{id: id, score: dot(q, v)}
		if len(h) < topK {
			heap.Push(&h, r)
			continue
		}
		if h[0].less(r) {
			h[0] = r
			heap.Fix(&h, 0)
		}
	}

	out := make([]vector.QueryResult, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		r := heap.Pop(&h).(result)
		out[i] = vector.QueryResult{
			Document: vector.Document{ID: r.id, Embedding: slices.Clone(d.docs[r.id])},
			Score:    r.score,
		}
	}
	return out, nil
}

// Get returns stored documents. Embeddings are unit length.
func (d *Driver) Get(_ context.Context, ids []frame.ID) ([]vector.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]vector.Document, 0, len(ids))
	for _, id := range ids {
		if v, ok := d.docs[id]; ok {
			out = append(out, vector.Document{ID: id, Embedding: slices.Clone(v)})
		}
	}
	return out, nil
}

// Delete removes documents.
func (d *Driver) Delete(_ context.Context, ids []frame.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		delete(d.docs, id)
	}
	return nil
}

// Len returns the number of stored documents.
func (d *Driver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}

// Close drops all documents.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.docs)
	return nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

type result struct {
	id    frame.ID
	score float32
}

// less orders results worst first: lower score, then older frame.
func (r result) less(o result) bool {
	if r.score != o.score {
		return r.score < o.score
	}
	return r.id < o.id
}

// resultHeap is a min-heap holding the best topK results seen so far.
type resultHeap []result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
