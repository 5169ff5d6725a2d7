// Package trajectory wires capture, the recency buffer, the archive, the
// embedding indexer, dedup and retrieval into one pipeline.
//
// Captured images become hot frames in the recency buffer. Frames older
// than the window are moved to the archive, which only drops them from the
// buffer once they are durable, then queued for embedding. Dedup prunes the
// archive in the background and retrieval reads from all of them.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/capture"
	"github.com/papercomputeco/captain/pkg/dedup"
	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/eventstream"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/indexer"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/recency"
	"github.com/papercomputeco/captain/pkg/retrieval"
	"github.com/papercomputeco/captain/pkg/vector"
)

const (
	DefaultWindow            = 3 * time.Minute
	DefaultEvictInterval     = time.Second
	DefaultArchiveBackoffMax = 30 * time.Second
)

// Config is the configuration of a trajectory.
type Config struct {
	// Archive is the durable store. The trajectory does not close it.
	Archive *archive.Archive

	// Vectors is the similarity index. The trajectory does not close it.
	Vectors vector.Driver

	Embedder embeddings.FrameEmbedder

	// Source is polled by Run. Without one frames only arrive via Ingest.
	Source capture.Source

	// Publisher receives lifecycle events when set.
	Publisher eventstream.Publisher

	// Window is the hot window W.
	Window time.Duration

	// SkipIdentical drops a capture whose content equals the previous one.
	SkipIdentical bool

	// EvictInterval is the eviction cadence.
	EvictInterval time.Duration

	// ArchiveBackoffMax caps the delay between failing archive writes.
	ArchiveBackoffMax time.Duration

	// Capture tunes the capture loop. Its Source is taken from Source.
	Capture capture.LoopConfig

	// Indexer tunes the embedding indexer. Its collaborators are filled in.
	Indexer indexer.Config

	// DedupEnabled starts the dedup worker in Run.
	DedupEnabled bool

	// Dedup tunes the dedup worker. Its archive is filled in.
	Dedup dedup.Config

	// TopK is the default number of relevant frames.
	TopK int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Stats is a point-in-time summary of the pipeline.
type Stats struct {
	Hot          int    `json:"hot"`
	Archived     int    `json:"archived"`
	Removed      int    `json:"removed"`
	LastID       uint64 `json:"last_id"`
	Skipped      uint64 `json:"skipped_identical"`
	Indexed      uint64 `json:"indexed"`
	EmbedPending int    `json:"embed_pending"`
	EmbedDropped uint64 `json:"embed_dropped"`
	EmbedFailed  uint64 `json:"embed_failed"`
	Deduplicated uint64 `json:"deduplicated"`
}

// Trajectory is the assembled pipeline.
type Trajectory struct {
	config Config
	logger *slog.Logger

	buffer  *recency.Buffer
	archive *archive.Archive
	seq     *frame.Sequencer
	indexer *indexer.Indexer
	dedup   *dedup.Worker
	engine  *retrieval.Engine
	emitter *eventstream.Emitter
	capture *capture.Loop

	// ingestMu orders id assignment with buffer pushes.
	ingestMu sync.Mutex
	lastHash string
	lastTS   time.Time

	skipped atomic.Uint64

	closeOnce sync.Once
}

// New assembles a trajectory over an opened archive. Ids resume after the
// highest id the archive has ever held.
func New(c Config) (*Trajectory, error) {
	if c.Archive == nil {
		return nil, errors.New("archive is required")
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = DefaultEvictInterval
	}
	if c.ArchiveBackoffMax <= 0 {
		c.ArchiveBackoffMax = DefaultArchiveBackoffMax
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	log := logger.OrNop(c.Logger)
	buffer, err := recency.New(c.Window)
	if err != nil {
		return nil, err
	}

	t := &Trajectory{
		config:  c,
		logger:  log,
		buffer:  buffer,
		archive: c.Archive,
		seq:     frame.NewSequencer(c.Archive.MaxID()),
	}

	snap := c.Archive.Snapshot()
	t.lastTS = snap.LastTimestamp()
	if last, ok := snap.Before(snap.MaxID() + 1); ok {
		t.lastHash = last.Hash
	}

	if c.Publisher != nil {
		t.emitter, err = eventstream.NewEmitter(eventstream.EmitterConfig{Publisher: c.Publisher, Logger: log})
		if err != nil {
			return nil, err
		}
		c.Archive.AddRemovalListener(archive.RemovalListenerFunc(func(_ context.Context, id frame.ID) error {
			t.emitter.Emit(eventstream.NewRemovedEvent(id))
			return nil
		}))
	}

	if c.DedupEnabled {
		dc := c.Dedup
		dc.Archive = c.Archive
		if dc.Logger == nil {
			dc.Logger = log
		}
		t.dedup, err = dedup.New(dc)
		if err != nil {
			t.closeEmitter()
			return nil, fmt.Errorf("creating dedup worker: %w", err)
		}
	}

	ic := c.Indexer
	ic.Archive = c.Archive
	ic.Vectors = c.Vectors
	ic.Embedder = c.Embedder
	if ic.Logger == nil {
		ic.Logger = log
	}
	onIndexed := ic.OnIndexed
	ic.OnIndexed = func(f frame.Frame) {
		if onIndexed != nil {
			onIndexed(f)
		}
		if t.emitter != nil {
			t.emitter.Emit(eventstream.NewFrameEvent(eventstream.EventTypeFrameIndexed, f))
		}
		if t.dedup != nil {
			t.dedup.Notify()
		}
	}
	t.indexer, err = indexer.New(ic)
	if err != nil {
		t.closeEmitter()
		return nil, fmt.Errorf("creating indexer: %w", err)
	}

	t.engine, err = retrieval.New(retrieval.Config{
		Hot:      buffer,
		Searcher: t.indexer,
		Archive:  c.Archive,
		TopK:     c.TopK,
		Logger:   log,
	})
	if err != nil {
		t.Close()
		return nil, err
	}

	if c.Source != nil {
		lc := c.Capture
		lc.Source = c.Source
		if lc.Logger == nil {
			lc.Logger = log
		}
		t.capture, err = capture.NewLoop(lc, func(ctx context.Context, ts time.Time, img frame.Image) error {
			_, err := t.Ingest(ctx, ts, img)
			return err
		})
		if err != nil {
			t.Close()
			return nil, err
		}
	}

	return t, nil
}

// Buffer returns the recency buffer.
func (t *Trajectory) Buffer() *recency.Buffer {
	return t.buffer
}

// Archive returns the archive.
func (t *Trajectory) Archive() *archive.Archive {
	return t.archive
}

// Indexer returns the embedding indexer.
func (t *Trajectory) Indexer() *indexer.Indexer {
	return t.indexer
}

// Dedup returns the dedup worker, nil when dedup is disabled.
func (t *Trajectory) Dedup() *dedup.Worker {
	return t.dedup
}

// Ingest turns a captured image into a hot frame and returns its id. It
// returns 0 without error when the image is skipped as identical to the
// previous one. Timestamps that go backwards are clamped to the previous
// frame's so the trajectory stays ordered.
func (t *Trajectory) Ingest(_ context.Context, ts time.Time, img frame.Image) (frame.ID, error) {
	if img.Len() == 0 {
		return 0, errors.New("cannot ingest an empty image")
	}

	t.ingestMu.Lock()
	defer t.ingestMu.Unlock()

	hash := frame.HashImage(img)
	if t.config.SkipIdentical && hash == t.lastHash {
		t.skipped.Add(1)
		t.logger.Debug("identical capture skipped", "hash", hash)
		return 0, nil
	}

	if ts.Before(t.lastTS) {
		t.logger.Debug("capture timestamp went backwards, clamping",
			"timestamp", ts,
			"previous", t.lastTS,
		)
		ts = t.lastTS
	}

	f := frame.New(t.seq.Next(), ts, img)
	if err := t.buffer.Push(f); err != nil {
		return 0, err
	}
	t.lastHash = hash
	t.lastTS = ts
	return f.ID, nil
}

// Evict moves every frame older than now - W into the archive and queues it
// for embedding. Frames stay hot until they are durable.
func (t *Trajectory) Evict(ctx context.Context, now time.Time) (int, error) {
	return t.buffer.EvictInto(now, func(frames []*frame.Frame) (int, error) {
		n, err := t.archive.AppendBatch(ctx, frames)
		for _, f := range frames[:n] {
			t.archived(f)
		}
		return n, err
	})
}

// Flush archives every hot frame regardless of age.
func (t *Trajectory) Flush(ctx context.Context) error {
	last := t.buffer.Last()
	if last == nil {
		return nil
	}
	_, err := t.Evict(ctx, last.Timestamp.Add(t.buffer.Window()+time.Nanosecond))
	return err
}

func (t *Trajectory) archived(f *frame.Frame) {
	if f.Status != frame.StatusArchived {
		return
	}
	t.indexer.Enqueue(f.ID)
	if t.emitter != nil {
		meta := *f
		meta.Image.Data = nil
		t.emitter.Emit(eventstream.NewFrameEvent(eventstream.EventTypeFrameArchived, meta))
	}
}

// BuildContext returns the hot window plus the k archived frames most
// similar to query.
func (t *Trajectory) BuildContext(ctx context.Context, query []float32, k int) *retrieval.Context {
	return t.engine.BuildContext(ctx, query, k)
}

// Stats summarizes the pipeline.
func (t *Trajectory) Stats() Stats {
	snap := t.archive.Snapshot()
	s := Stats{
		Hot:          t.buffer.Len(),
		Archived:     snap.Len(),
		Removed:      snap.Removed(),
		LastID:       uint64(t.seq.Last()),
		Skipped:      t.skipped.Load(),
		Indexed:      t.indexer.Indexed(),
		EmbedPending: t.indexer.Pending(),
		EmbedDropped: t.indexer.Dropped(),
		EmbedFailed:  t.indexer.Failed(),
	}
	if t.dedup != nil {
		s.Deduplicated = t.dedup.Removed()
	}
	return s
}

// Run repairs the vector index against the archive, then drives capture,
// eviction, embedding retries and dedup until ctx is done. It only returns
// an error the pipeline cannot recover from, such as archive corruption.
func (t *Trajectory) Run(ctx context.Context) error {
	if _, err := t.indexer.Repair(ctx); err != nil {
		if errors.Is(err, archive.ErrCorrupt) {
			return err
		}
		t.logger.Warn("vector index repair failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.runEviction(ctx) })
	g.Go(func() error { return t.indexer.Run(ctx) })
	if t.dedup != nil {
		g.Go(func() error { return t.dedup.Run(ctx) })
	}
	if t.capture != nil {
		g.Go(func() error { return t.capture.Run(ctx) })
	}
	return g.Wait()
}

func (t *Trajectory) runEviction(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(t.config.EvictInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		now := t.config.Now()
		_, err := t.Evict(ctx, now)
		switch {
		case err == nil:
			if failures > 0 {
				t.logger.Info("archive writes recovered", "failures", failures)
			}
			failures = 0
			timer.Reset(t.config.EvictInterval)
		case ctx.Err() != nil:
			return nil
		case archive.IsRetryable(err):
			failures++
			delay := min(t.config.EvictInterval<<min(failures, 16), t.config.ArchiveBackoffMax)
			t.logger.Warn("archive write failed, keeping frames hot",
				"error", err,
				"failures", failures,
				"hot_frames", t.buffer.Len(),
				"overdue", t.buffer.Overdue(now),
				"retry_in", delay,
			)
			timer.Reset(delay)
		default:
			return fmt.Errorf("archiving frames: %w", err)
		}
	}
}

// Close stops the indexer and flushes pending events. It does not flush
// hot frames; call Flush first for that.
func (t *Trajectory) Close() {
	t.closeOnce.Do(func() {
		if t.indexer != nil {
			t.indexer.Close()
		}
		t.closeEmitter()
	})
}

func (t *Trajectory) closeEmitter() {
	if t.emitter == nil {
		return
	}
	if err := t.emitter.Close(); err != nil {
		t.logger.Warn("failed to close event publisher", "error", err)
	}
}
