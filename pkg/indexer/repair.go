package indexer

import (
	"context"
	"fmt"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/vector"
)

const repairBatchSize = 256

// RepairReport summarizes a Repair or Rebuild pass.
type RepairReport struct {
	// Restored vectors were copied back from the archive into the index.
	Restored int `json:"restored"`

	// Purged vectors belonged to removed frames.
	Purged int `json:"purged"`

	// Queued frames had no embedding and were submitted for one.
	Queued int `json:"queued"`
}

// Repair makes the vector index agree with the archive: vectors missing
// from the index are restored from archived embeddings, vectors of removed
// frames are deleted, and unembedded frames are queued.
func (ix *Indexer) Repair(ctx context.Context) (RepairReport, error) {
	return ix.sync(ctx, true)
}

// Rebuild rewrites every archived embedding into the index without first
// checking what the index holds.
func (ix *Indexer) Rebuild(ctx context.Context) (RepairReport, error) {
	return ix.sync(ctx, false)
}

func (ix *Indexer) sync(ctx context.Context, onlyMissing bool) (RepairReport, error) {
	var report RepairReport
	snap := ix.config.Archive.Snapshot()

	removed := snap.RemovedIDs()
	for start := 0; start < len(removed); start += repairBatchSize {
		batch := removed[start:min(start+repairBatchSize, len(removed))]
		if err := ix.config.Vectors.Delete(ctx, batch); err != nil {
			return report, fmt.Errorf("purging removed vectors: %w", err)
		}
		report.Purged += len(batch)
	}

	var (
		embedded   []frame.Frame
		unembedded []frame.ID
	)
	for _, f := range snap.Frames(archive.All) {
		if f.HasEmbedding() {
			embedded = append(embedded, f)
		} else {
			unembedded = append(unembedded, f.ID)
		}
	}

	for start := 0; start < len(embedded); start += repairBatchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch := embedded[start:min(start+repairBatchSize, len(embedded))]

		present := map[frame.ID]bool{}
		if onlyMissing {
			ids := make([]frame.ID, len(batch))
			for i, f := range batch {
				ids[i] = f.ID
			}
			docs, err := ix.config.Vectors.Get(ctx, ids)
			if err != nil {
				return report, fmt.Errorf("reading vector index: %w", err)
			}
			for _, d := range docs {
				present[d.ID] = true
			}
		}

		docs := make([]vector.Document, 0, len(batch))
		for _, f := range batch {
			if !present[f.ID] {
				docs = append(docs, vector.Document{ID: f.ID, Embedding: f.Embedding})
			}
		}
		if len(docs) == 0 {
			continue
		}
		if err := ix.config.Vectors.Add(ctx, docs); err != nil {
			return report, fmt.Errorf("restoring vectors: %w", err)
		}
		report.Restored += len(docs)
	}

	// A removal between the snapshot and the restore relies on its listener
	// having run already; purge anything tombstoned since.
	if late := lateRemovals(snap, ix.config.Archive.Snapshot()); len(late) > 0 {
		if err := ix.config.Vectors.Delete(ctx, late); err != nil {
			return report, fmt.Errorf("purging removed vectors: %w", err)
		}
		report.Purged += len(late)
	}

	for _, id := range unembedded {
		if ix.Enqueue(id) {
			report.Queued++
		}
	}

	ix.logger.Info("vector index synchronized with archive",
		"restored", report.Restored,
		"purged", report.Purged,
		"queued", report.Queued,
		"only_missing", onlyMissing,
	)
	return report, nil
}

func lateRemovals(before, after archive.Snapshot) []frame.ID {
	if after.Removed() == before.Removed() {
		return nil
	}
	var late []frame.ID
	for _, id := range after.RemovedIDs() {
		if st, _ := before.Status(id); st != frame.StatusRemoved {
			late = append(late, id)
		}
	}
	return late
}
