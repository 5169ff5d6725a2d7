// Package archive is the durable, append-only trajectory log.
//
// Frames that age out of the recency buffer are appended here in id order.
// The only mutation ever applied to an archived frame is a tombstone from
// dedup, which deletes the image and keeps the id as a gap. Readers work on
// immutable versions loaded through an atomic pointer and never wait on
// writers; writers coordinate per frame id.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/papercomputeco/captain/pkg/blobstore"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
)

const lockStripes = 64

// RemovalListener is told about a removal while the frame's lock is held and
// before the tombstone is visible to readers.
type RemovalListener interface {
	FrameRemoved(ctx context.Context, id frame.ID) error
}

// RemovalListenerFunc adapts a function to RemovalListener.
type RemovalListenerFunc func(ctx context.Context, id frame.ID) error

// FrameRemoved calls f.
func (f RemovalListenerFunc) FrameRemoved(ctx context.Context, id frame.ID) error {
	return f(ctx, id)
}

// Config configures an Archive.
type Config struct {
	// Store persists frame metadata.
	Store Store

	// Blobs persists image content.
	Blobs blobstore.Store

	// Logger is optional.
	Logger *slog.Logger
}

// Archive is the trajectory archive. It is safe for concurrent use.
type Archive struct {
	meta   Store
	blobs  blobstore.Store
	logger *slog.Logger

	current atomic.Pointer[version]

	// appendMu makes Append the single arena writer.
	appendMu sync.Mutex
	arena    []*entry

	// publishMu orders version swaps from appends and removals.
	publishMu sync.Mutex

	locks [lockStripes]sync.Mutex

	listenersMu sync.RWMutex
	listeners   []RemovalListener
}

// Open loads the archive from its metadata store.
func Open(ctx context.Context, c Config) (*Archive, error) {
	if c.Store == nil {
		return nil, errors.New("metadata store is required")
	}
	if c.Blobs == nil {
		return nil, errors.New("blob store is required")
	}

	records, err := c.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading archive metadata: %w", err)
	}

	a := &Archive{
		meta:   c.Store,
		blobs:  c.Blobs,
		logger: logger.OrNop(c.Logger),
	}

	tombstones := roaring64.New()
	a.arena = make([]*entry, 0, len(records))
	var last frame.ID
	for _, rec := range records {
		if len(a.arena) > 0 && rec.ID <= last {
			return nil, fmt.Errorf("%w: metadata id %d listed after %d", ErrCorrupt, rec.ID, last)
		}
		last = rec.ID

		e := &entry{
			id:        rec.ID,
			ts:        rec.Timestamp,
			hash:      rec.Hash,
			mediaType: rec.MediaType,
			size:      rec.Size,
		}
		if rec.Removed {
			tombstones.Add(uint64(rec.ID))
		} else if len(rec.Embedding) > 0 || rec.Description != "" {
			e.embedding.Store(&embedding{description: rec.Description, vector: rec.Embedding})
		}
		a.arena = append(a.arena, e)
	}

	a.current.Store(&version{entries: a.arena, tombstones: tombstones})

	a.logger.Debug("archive opened",
		"frames", len(records),
		"removed", tombstones.GetCardinality(),
		"max_id", last,
	)
	return a, nil
}

// BlobKey is the blob store key of a frame's image.
func BlobKey(id frame.ID) string {
	return fmt.Sprintf("frames/%020d", uint64(id))
}

func (a *Archive) lock(id frame.ID) *sync.Mutex {
	return &a.locks[uint64(id)%lockStripes]
}

// AddRemovalListener registers l for every subsequent removal.
func (a *Archive) AddRemovalListener(l RemovalListener) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Snapshot returns the current version.
func (a *Archive) Snapshot() Snapshot {
	return Snapshot{v: a.current.Load()}
}

// MaxID is the highest id the archive has ever held.
func (a *Archive) MaxID() frame.ID {
	return a.current.Load().maxID()
}

// Append persists f durably and marks it archived. Appending an id that is
// already present, removed or not, is a no-op.
func (a *Archive) Append(ctx context.Context, f *frame.Frame) error {
	if f == nil {
		return errors.New("cannot archive nil frame")
	}

	mu := a.lock(f.ID)
	mu.Lock()
	defer mu.Unlock()

	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	v := a.current.Load()
	if _, ok := v.find(f.ID); ok {
		f.Status = frame.StatusArchived
		if v.removed(f.ID) {
			f.Status = frame.StatusRemoved
		}
		return nil
	}
	if head := v.maxID(); len(v.entries) > 0 && f.ID < head {
		return fmt.Errorf("%w: frame %d is below archive head %d", ErrOutOfOrder, f.ID, head)
	}
	if n := len(v.entries); n > 0 && f.Timestamp.Before(v.entries[n-1].ts) {
		return fmt.Errorf("%w: frame %d is older than frame %d", ErrOutOfOrder, f.ID, v.entries[n-1].id)
	}

	hash := f.Hash
	if hash == "" {
		hash = frame.HashImage(f.Image)
	}

	if err := a.blobs.Put(ctx, BlobKey(f.ID), f.Image.Data); err != nil {
		return &WriteError{ID: f.ID, Op: "write blob", Err: err}
	}

	rec := Record{
		ID:          f.ID,
		Timestamp:   f.Timestamp,
		Hash:        hash,
		MediaType:   f.Image.MediaType,
		Size:        f.Image.Len(),
		Description: f.Description,
		Embedding:   f.Embedding,
	}
	if _, err := a.meta.Put(ctx, rec); err != nil {
		if derr := a.blobs.Delete(ctx, BlobKey(f.ID)); derr != nil {
			a.logger.Warn("leaving orphan frame blob", "frame_id", f.ID, "error", derr)
		}
		return &WriteError{ID: f.ID, Op: "write metadata", Err: err}
	}

	e := &entry{
		id:        f.ID,
		ts:        f.Timestamp,
		hash:      hash,
		mediaType: f.Image.MediaType,
		size:      f.Image.Len(),
	}
	if len(f.Embedding) > 0 || f.Description != "" {
		e.embedding.Store(&embedding{description: f.Description, vector: f.Embedding})
	}
	a.arena = append(a.arena, e)
	entries := a.arena

	a.publish(func(prev *version) *version {
		return &version{seq: prev.seq + 1, entries: entries, tombstones: prev.tombstones}
	})

	f.Hash = hash
	f.Status = frame.StatusArchived
	return nil
}

// AppendBatch appends frames in order and returns how many were committed
// before the first failure.
func (a *Archive) AppendBatch(ctx context.Context, frames []*frame.Frame) (int, error) {
	for i, f := range frames {
		if err := a.Append(ctx, f); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

func (a *Archive) publish(next func(prev *version) *version) {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()
	a.current.Store(next(a.current.Load()))
}

// Remove tombstones id and reclaims its blob. Removing an id that is already
// removed is a no-op. The id stays reserved and iteration skips it.
func (a *Archive) Remove(ctx context.Context, id frame.ID) error {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	v := a.current.Load()
	if _, ok := v.find(id); !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if v.removed(id) {
		return nil
	}

	if err := a.meta.MarkRemoved(ctx, id); err != nil {
		return &WriteError{ID: id, Op: "tombstone", Err: err}
	}

	a.listenersMu.RLock()
	listeners := a.listeners
	a.listenersMu.RUnlock()
	for _, l := range listeners {
		if err := l.FrameRemoved(ctx, id); err != nil {
			a.logger.Warn("removal listener failed", "frame_id", id, "error", err)
		}
	}

	a.publish(func(prev *version) *version {
		tombstones := prev.tombstones.Clone()
		tombstones.Add(uint64(id))
		return &version{seq: prev.seq + 1, entries: prev.entries, tombstones: tombstones}
	})

	// Readers that already loaded this entry see a missing blob and recheck
	// the tombstone, so the blob can go after publication.
	if err := a.blobs.Delete(ctx, BlobKey(id)); err != nil {
		a.logger.Warn("failed to reclaim frame blob", "frame_id", id, "error", err)
	}

	a.logger.Debug("frame removed", "frame_id", id)
	return nil
}

// SetEmbedding attaches a description and vector to a live frame. When index
// is non-nil it runs under the frame's lock before the embedding is stored,
// so a concurrent Remove either runs entirely before (and SetEmbedding
// returns ErrNotFound) or entirely after (and its listeners see the index
// entry).
func (a *Archive) SetEmbedding(ctx context.Context, id frame.ID, description string, vec []float32, index func(context.Context) error) error {
	mu := a.lock(id)
	mu.Lock()
	defer mu.Unlock()

	v := a.current.Load()
	e, ok := v.find(id)
	if !ok || v.removed(id) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	if index != nil {
		if err := index(ctx); err != nil {
			return err
		}
	}

	if err := a.meta.SetEmbedding(ctx, id, description, vec); err != nil {
		return &WriteError{ID: id, Op: "write embedding", Err: err}
	}
	e.embedding.Store(&embedding{description: description, vector: vec})
	return nil
}

// Get loads a live frame with its image.
func (a *Archive) Get(ctx context.Context, id frame.ID) (*frame.Frame, error) {
	v := a.current.Load()
	e, ok := v.find(id)
	if !ok || v.removed(id) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	f, err := a.load(ctx, e)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return f, nil
}

// load reads the blob of e. It returns nil when the frame was removed while
// loading, and ErrCorrupt when a live frame has lost its blob.
func (a *Archive) load(ctx context.Context, e *entry) (*frame.Frame, error) {
	data, err := a.blobs.Get(ctx, BlobKey(e.id))
	if err != nil {
		if a.current.Load().removed(e.id) {
			return nil, nil
		}
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: frame %d has no image", ErrCorrupt, e.id)
		}
		return nil, fmt.Errorf("reading frame %d: %w", e.id, err)
	}
	// A cached read can outlive the blob, the tombstone is authoritative.
	if a.current.Load().removed(e.id) {
		return nil, nil
	}

	f := e.frame(false)
	f.Image.Data = data
	return &f, nil
}

// Iterate calls fn with each live frame whose id falls in r, in id order,
// with its image loaded. Frames removed during iteration are skipped. fn may
// stop iteration by returning an error, which Iterate returns.
func (a *Archive) Iterate(ctx context.Context, r Range, fn func(*frame.Frame) error) error {
	s := a.Snapshot()
	lo, hi := s.bounds(r)
	return a.iterate(ctx, s, lo, hi, fn)
}

// IterateTime is Iterate over a timestamp range.
func (a *Archive) IterateTime(ctx context.Context, r TimeRange, fn func(*frame.Frame) error) error {
	s := a.Snapshot()
	lo, hi := s.timeBounds(r)
	return a.iterate(ctx, s, lo, hi, fn)
}

func (a *Archive) iterate(ctx context.Context, s Snapshot, lo, hi int, fn func(*frame.Frame) error) error {
	for _, e := range s.v.entries[lo:hi] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.v.removed(e.id) {
			continue
		}
		f, err := a.load(ctx, e)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the metadata and blob stores.
func (a *Archive) Close() error {
	return errors.Join(a.meta.Close(), a.blobs.Close())
}
