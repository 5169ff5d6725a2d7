package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/papercomputeco/captain/pkg/frame"
)

// Hit is one search result.
type Hit struct {
	ID        frame.ID  `json:"id"`
	Score     float32   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// searchRounds bounds how often Search widens its fetch when filtering
// leaves fewer than k hits.
const searchRounds = 3

// Search returns up to k archived, embedded frames most similar to query,
// by descending cosine similarity with the newer frame first on ties.
// Tombstoned ids are never returned. Search never writes to the index: hits
// the archive does not know or has removed are skipped and left for
// PurgeStale, so a reader whose archive view lags the index cannot delete
// vectors another process just added.
func (ix *Indexer) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	snap := ix.config.Archive.Snapshot()
	if snap.Len() == 0 {
		return nil, nil
	}

	fetch := 2 * k
	var (
		hits    []Hit
		corrupt CorruptionError
	)
	for round := 0; round < searchRounds; round++ {
		results, err := ix.config.Vectors.Query(ctx, query, fetch)
		if err != nil {
			return nil, fmt.Errorf("querying vector index: %w", err)
		}

		hits = hits[:0]
		corrupt = CorruptionError{}
		for _, r := range results {
			status, known := snap.Status(r.ID)
			if !known {
				// The frame may have been archived after the snapshot.
				status, known = ix.config.Archive.Snapshot().Status(r.ID)
			}
			switch {
			case !known:
				corrupt.Unknown = append(corrupt.Unknown, r.ID)
				continue
			case status == frame.StatusRemoved:
				corrupt.Removed = append(corrupt.Removed, r.ID)
				continue
			}

			f, ok := ix.config.Archive.Snapshot().Frame(r.ID)
			if !ok || !f.HasEmbedding() {
				// Removed concurrently, or indexing is still in flight.
				continue
			}
			hits = append(hits, Hit{ID: r.ID, Score: r.Score, Timestamp: f.Timestamp})
		}

		if len(hits) >= k || len(results) < fetch {
			break
		}
		fetch *= 2
	}

	if ids := corrupt.IDs(); len(ids) > 0 {
		ix.logger.Debug("skipping stale vector index hits", "error", &corrupt, "frame_ids", ids)
		ix.markStale(ids)
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].ID > hits[j].ID
	})
}

func (ix *Indexer) markStale(ids []frame.ID) {
	ix.staleMu.Lock()
	defer ix.staleMu.Unlock()
	for _, id := range ids {
		ix.stale[id] = struct{}{}
	}
}

// Stale returns how many skipped hits are waiting for PurgeStale.
func (ix *Indexer) Stale() int {
	ix.staleMu.Lock()
	defer ix.staleMu.Unlock()
	return len(ix.stale)
}

// PurgeStale deletes the vectors of skipped hits that the current archive
// view still does not hold live. Only the process that appends to the
// archive should call it; Run does so on every tick.
func (ix *Indexer) PurgeStale(ctx context.Context) (int, error) {
	ix.staleMu.Lock()
	ids := make([]frame.ID, 0, len(ix.stale))
	for id := range ix.stale {
		ids = append(ids, id)
	}
	ix.staleMu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}

	snap := ix.config.Archive.Snapshot()
	purge := make([]frame.ID, 0, len(ids))
	for _, id := range ids {
		if status, known := snap.Status(id); known && status != frame.StatusRemoved {
			// Archived after the search that flagged it.
			continue
		}
		purge = append(purge, id)
	}

	if len(purge) > 0 {
		if err := ix.config.Vectors.Delete(ctx, purge); err != nil {
			return 0, fmt.Errorf("purging stale vectors: %w", err)
		}
	}

	ix.staleMu.Lock()
	for _, id := range ids {
		delete(ix.stale, id)
	}
	ix.staleMu.Unlock()
	return len(purge), nil
}
