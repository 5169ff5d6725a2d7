// Package indexer computes frame embeddings asynchronously and serves
// similarity search over archived frames.
//
// Archived frame ids are queued on a bounded channel consumed by a pool of
// workers. Queueing never blocks: when the queue is full the id is dropped
// from the fast path and picked up again by the slower retry schedule.
// Search results are filtered against an archive snapshot so tombstoned
// frames are never returned.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector"
)

var (
	defaultNumWorkers    uint = 2
	defaultQueueSize     uint = 256
	defaultRetryInterval      = 30 * time.Second
	defaultMaxAttempts        = 5
	defaultEmbedTimeout       = 2 * time.Minute
)

// Config is the configuration of the indexer.
type Config struct {
	// Archive is the source of truth for frames.
	Archive *archive.Archive

	// Vectors is the similarity index.
	Vectors vector.Driver

	// Embedder turns frames into vectors.
	Embedder embeddings.FrameEmbedder

	// NumWorkers is the number of embedding workers.
	NumWorkers uint

	// QueueSize is the capacity of the buffered id channel.
	QueueSize uint

	// RetryInterval is the delay before a failed or dropped frame is queued
	// again. Each attempt doubles it.
	RetryInterval time.Duration

	// MaxAttempts bounds embedding attempts per frame. The frame stays
	// archived without a vector after the last one.
	MaxAttempts int

	// EmbedTimeout bounds one embedding call.
	EmbedTimeout time.Duration

	// OnIndexed is called after a frame becomes searchable.
	OnIndexed func(f frame.Frame)

	Logger *slog.Logger
}

type retryState struct {
	attempts int
	next     time.Time
}

// Indexer is the embedding indexer.
type Indexer struct {
	config Config
	logger *slog.Logger

	queue chan frame.ID
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	retryMu sync.Mutex
	retries map[frame.ID]*retryState

	// stale holds search hits the archive did not know or had removed.
	staleMu sync.Mutex
	stale   map[frame.ID]struct{}

	dropped atomic.Uint64
	indexed atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
}

// New creates an indexer, registers it as an archive removal listener and
// starts its workers.
func New(c Config) (*Indexer, error) {
	if c.Archive == nil {
		return nil, errors.New("archive is required")
	}
	if c.Vectors == nil {
		return nil, errors.New("vector driver is required")
	}
	if c.Embedder == nil {
		return nil, errors.New("frame embedder is required")
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = defaultEmbedTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	ix := &Indexer{
		config:  c,
		logger:  logger.OrNop(c.Logger),
		queue:   make(chan frame.ID, c.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		retries: make(map[frame.ID]*retryState),
		stale:   make(map[frame.ID]struct{}),
	}

	c.Archive.AddRemovalListener(ix)

	ix.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go ix.worker(i)
	}

	return ix, nil
}

// Enqueue submits an archived frame for embedding.
// Returns true if enqueued, false if the queue is full. A dropped frame is
// retried on the slow schedule and does not count as an attempt.
func (ix *Indexer) Enqueue(id frame.ID) bool {
	if ix.ctx.Err() != nil {
		return false
	}

	select {
	case ix.queue <- id:
		ix.logger.Debug("frame queued for embedding", "frame_id", id, "queue_depth", len(ix.queue))
		return true
	default:
		ix.dropped.Add(1)
		ix.logger.Warn("embedding queue full, frame dropped",
			"frame_id", id,
			"queue_depth", len(ix.queue),
			"dropped_total", ix.dropped.Load(),
		)
		ix.deferRetry(id, false)
		return false
	}
}

// Dropped is the number of Enqueue calls rejected by a full queue.
func (ix *Indexer) Dropped() uint64 {
	return ix.dropped.Load()
}

// Indexed is the number of frames made searchable.
func (ix *Indexer) Indexed() uint64 {
	return ix.indexed.Load()
}

// Failed is the number of failed embedding attempts.
func (ix *Indexer) Failed() uint64 {
	return ix.failed.Load()
}

// Pending is the number of frames waiting for a retry.
func (ix *Indexer) Pending() int {
	ix.retryMu.Lock()
	defer ix.retryMu.Unlock()
	return len(ix.retries)
}

// QueueDepth is the number of ids waiting in the fast queue.
func (ix *Indexer) QueueDepth() int {
	return len(ix.queue)
}

// Close stops the workers and waits for in-flight embeddings to finish or
// abandon. Queued ids are dropped; they are still unembedded in the archive
// and Repair queues them again.
func (ix *Indexer) Close() {
	ix.closeOnce.Do(func() {
		ix.cancel()
		ix.wg.Wait()
	})
}

func (ix *Indexer) worker(id uint) {
	defer ix.wg.Done()
	ix.logger.Debug("embedding worker started", "worker_id", id)

	for {
		select {
		case <-ix.ctx.Done():
			ix.logger.Debug("embedding worker stopped", "worker_id", id)
			return
		case fid := <-ix.queue:
			ix.process(ix.ctx, fid)
		}
	}
}

// process embeds one archived frame.
func (ix *Indexer) process(ctx context.Context, id frame.ID) {
	snap := ix.config.Archive.Snapshot()
	meta, ok := snap.Frame(id)
	if !ok {
		ix.forget(id)
		return
	}
	if meta.HasEmbedding() {
		ix.forget(id)
		return
	}

	f, err := ix.config.Archive.Get(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		ix.forget(id)
		return
	}
	if err != nil {
		ix.logger.Warn("failed to load frame for embedding", "frame_id", id, "error", err)
		ix.deferRetry(id, true)
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, ix.config.EmbedTimeout)
	emb, err := ix.config.Embedder.EmbedFrame(embedCtx, f)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		attempt := ix.deferRetry(id, true)
		ix.failed.Add(1)
		ix.logger.Warn("failed to generate embedding",
			"frame_id", id,
			"error", &EmbeddingError{ID: id, Attempt: attempt, Err: err},
		)
		return
	}

	if err := ix.index(ctx, id, emb.Description, emb.Vector); err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			ix.forget(id)
			return
		}
		ix.deferRetry(id, true)
		ix.failed.Add(1)
		ix.logger.Warn("failed to store embedding", "frame_id", id, "error", err)
		return
	}
	ix.forget(id)
}

// Index stores vec for an archived frame in both the vector index and the
// archive. It fails with archive.ErrNotFound once the frame is removed.
func (ix *Indexer) Index(ctx context.Context, id frame.ID, vec []float32) error {
	description := ""
	if f, ok := ix.config.Archive.Snapshot().Frame(id); ok {
		description = f.Description
	}
	if err := ix.index(ctx, id, description, vec); err != nil {
		return err
	}
	ix.forget(id)
	return nil
}

func (ix *Indexer) index(ctx context.Context, id frame.ID, description string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector for frame %d", vector.ErrEmbedding, id)
	}

	err := ix.config.Archive.SetEmbedding(ctx, id, description, vec, func(ctx context.Context) error {
		return ix.config.Vectors.Add(ctx, []vector.Document{{ID: id, Embedding: vec}})
	})
	if err != nil {
		return err
	}

	ix.indexed.Add(1)
	ix.logger.Debug("frame indexed", "frame_id", id, "embedding_dim", len(vec))

	if ix.config.OnIndexed != nil {
		if f, ok := ix.config.Archive.Snapshot().Frame(id); ok {
			ix.config.OnIndexed(f)
		}
	}
	return nil
}

// FrameRemoved implements archive.RemovalListener. It runs under the frame's
// archive lock, before the tombstone is visible.
func (ix *Indexer) FrameRemoved(ctx context.Context, id frame.ID) error {
	ix.forget(id)
	if err := ix.config.Vectors.Delete(ctx, []frame.ID{id}); err != nil {
		return fmt.Errorf("deleting vector of frame %d: %w", id, err)
	}
	return nil
}

var _ archive.RemovalListener = (*Indexer)(nil)
