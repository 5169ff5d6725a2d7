// Package retrieval assembles the context handed to the assistant: the hot
// window verbatim plus the archived frames most similar to a query.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/indexer"
	"github.com/papercomputeco/captain/pkg/logger"
)

// DefaultTopK is the number of relevant frames returned when k is not set.
const DefaultTopK = 5

// HotSource yields the frames of the recency window.
type HotSource interface {
	Snapshot() []frame.Frame
}

// Searcher finds archived frames similar to a query vector.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]indexer.Hit, error)
}

// Loader loads an archived frame with its image.
type Loader interface {
	Get(ctx context.Context, id frame.ID) (*frame.Frame, error)
}

// Config is the configuration of the retrieval engine.
type Config struct {
	Hot      HotSource
	Searcher Searcher
	Archive  Loader

	// TopK is used when BuildContext is called with k <= 0.
	TopK int

	Logger *slog.Logger
}

// Engine builds retrieval contexts. It holds no state of its own.
type Engine struct {
	config Config
	logger *slog.Logger
}

// Match is an archived frame selected for its similarity to the query.
type Match struct {
	Frame *frame.Frame `json:"frame"`
	Score float32      `json:"score"`
}

// Context is the assembled grounding context.
type Context struct {
	// Hot is the recency window, oldest first.
	Hot []frame.Frame `json:"hot"`

	// Relevant are archived frames by descending similarity.
	Relevant []Match `json:"relevant"`

	// Degraded is set when similarity search could not fully run.
	Degraded bool `json:"degraded"`
}

// Chronological returns relevant and hot frames merged in id order.
func (c *Context) Chronological() []*frame.Frame {
	out := make([]*frame.Frame, 0, len(c.Hot)+len(c.Relevant))
	for _, m := range c.Relevant {
		out = append(out, m.Frame)
	}
	for i := range c.Hot {
		out = append(out, &c.Hot[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// New creates a retrieval engine.
func New(c Config) (*Engine, error) {
	if c.Hot == nil {
		return nil, errors.New("hot source is required")
	}
	if c.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if c.Archive == nil {
		return nil, errors.New("archive is required")
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	return &Engine{config: c, logger: logger.OrNop(c.Logger)}, nil
}

// BuildContext returns the hot window and up to k archived frames most
// similar to query. It never fails: search and load errors are logged and
// mark the context degraded.
func (e *Engine) BuildContext(ctx context.Context, query []float32, k int) *Context {
	if k <= 0 {
		k = e.config.TopK
	}

	out := &Context{
		Hot:      e.config.Hot.Snapshot(),
		Relevant: []Match{},
	}
	if len(query) == 0 {
		return out
	}

	hot := make(map[frame.ID]bool, len(out.Hot))
	for _, f := range out.Hot {
		hot[f.ID] = true
	}

	// A frame being evicted is briefly both hot and archived; widen the
	// search by the hits that were excluded for it.
	fetch := k
	var hits []indexer.Hit
	for range 2 {
		var err error
		hits, err = e.config.Searcher.Search(ctx, query, fetch)
		if err != nil {
			e.logger.Warn("similarity search failed, returning hot frames only", "error", err)
			out.Degraded = true
			return out
		}

		excluded := 0
		for _, h := range hits {
			if hot[h.ID] {
				excluded++
			}
		}
		if excluded == 0 || len(hits) < fetch {
			break
		}
		fetch = k + excluded
	}

	for _, h := range hits {
		if len(out.Relevant) == k {
			break
		}
		if hot[h.ID] {
			continue
		}

		f, err := e.config.Archive.Get(ctx, h.ID)
		if errors.Is(err, archive.ErrNotFound) {
			// Removed after the search.
			continue
		}
		if err != nil {
			e.logger.Warn("failed to load relevant frame", "frame_id", h.ID, "error", err)
			out.Degraded = true
			continue
		}
		out.Relevant = append(out.Relevant, Match{Frame: f, Score: h.Score})
	}

	return out
}
