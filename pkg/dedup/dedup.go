// Package dedup prunes redundant frames from the archive in the background.
//
// The worker slides over consecutive live, embedded frames in id order. A
// later frame whose embedding is nearly identical to its predecessor is
// removed. Otherwise a Comparator decides whether one frame is structurally
// contained in the other, and the contained frame is removed. A frame that
// is the only live frame of its time bucket is never removed, so every
// bucket of the trajectory keeps at least one frame.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/time/rate"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
	"github.com/papercomputeco/captain/pkg/vector"
)

const (
	DefaultSimilarityThreshold float32 = 0.97
	DefaultBucket                      = 30 * time.Second
	DefaultBatchSize                   = 32
	DefaultBatchesPerSecond            = 2.0
	DefaultMaxAttempts                 = 3
	DefaultIdleInterval                = 5 * time.Second
	DefaultEmbedTimeout                = 10 * time.Minute
)

// scanFactor bounds how many frames one pass reads, as a multiple of
// BatchSize.
const scanFactor = 4

// Reasons reported for a removal.
const (
	ReasonNearDuplicate = "near_duplicate"
	ReasonEqual         = "equal"
	ReasonSubset        = "subset"
	ReasonSuperset      = "superset"
)

// Config is the configuration of the dedup worker.
type Config struct {
	Archive *archive.Archive

	// Comparator decides structural containment. Without one only
	// near-duplicate embeddings are pruned.
	Comparator Comparator

	// SimilarityThreshold is the cosine similarity above which a frame is a
	// near duplicate of its predecessor.
	SimilarityThreshold float32

	// Bucket is the time bucket width. The sole live frame of a bucket is
	// never removed.
	Bucket time.Duration

	// BatchSize is the number of pairs judged per pass.
	BatchSize int

	// BatchesPerSecond paces Run.
	BatchesPerSecond float64

	// MaxAttempts bounds retries per frame of a failed comparison, image
	// load or removal.
	MaxAttempts int

	// EmbedTimeout is how long a frame may wait for its embedding before
	// the worker stops waiting and moves the cursor past it.
	EmbedTimeout time.Duration

	// Now is the clock, time.Now when nil.
	Now func() time.Time

	// IdleInterval is how long Run waits when a pass found nothing to do.
	IdleInterval time.Duration

	Logger *slog.Logger
}

// Result summarizes one or more passes.
type Result struct {
	// Scanned pairs were judged.
	Scanned int `json:"scanned"`

	// Removed frames were tombstoned.
	Removed int `json:"removed"`

	// Skipped frames wait for an embedding, or were kept by the bucket rule.
	Skipped int `json:"skipped"`

	// Failed comparisons, image loads and removals are retried on a later
	// pass.
	Failed int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Scanned += o.Scanned
	r.Removed += o.Removed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Worker is the dedup worker.
type Worker struct {
	config  Config
	logger  *slog.Logger
	limiter *rate.Limiter
	wake    chan struct{}

	// mu serializes passes and guards the scan state.
	mu sync.Mutex

	// cursor is the highest id such that every live frame up to it has
	// been judged against its predecessor.
	cursor frame.ID

	// resume is where the next pass starts reading, zero to start at the
	// cursor.
	resume frame.ID

	// checked holds judged frames above the cursor.
	checked  *roaring64.Bitmap
	attempts map[frame.ID]int

	// waiting records when a frame was first seen without an embedding.
	waiting map[frame.ID]time.Time

	removed atomic.Uint64
}

// New creates a dedup worker.
func New(c Config) (*Worker, error) {
	if c.Archive == nil {
		return nil, errors.New("archive is required")
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold %v exceeds 1", c.SimilarityThreshold)
	}
	if c.Bucket <= 0 {
		c.Bucket = DefaultBucket
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchesPerSecond <= 0 {
		c.BatchesPerSecond = DefaultBatchesPerSecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = DefaultEmbedTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &Worker{
		config:   c,
		logger:   logger.OrNop(c.Logger),
		limiter:  rate.NewLimiter(rate.Limit(c.BatchesPerSecond), 1),
		wake:     make(chan struct{}, 1),
		checked:  roaring64.New(),
		attempts: make(map[frame.ID]int),
		waiting:  make(map[frame.ID]time.Time),
	}, nil
}

// Removed is the number of frames removed since the worker started.
func (w *Worker) Removed() uint64 {
	return w.removed.Load()
}

// Cursor is the id up to which the archive has been fully judged.
func (w *Worker) Cursor() frame.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Notify wakes an idle Run, typically after a frame was embedded.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives passes until ctx is done. It only returns an error for
// unrecoverable archive corruption.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		res, tail, err := w.pass(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, archive.ErrCorrupt):
			return err
		case err != nil:
			w.logger.Warn("dedup pass failed", "error", err)
		}

		if !tail || res.Scanned > 0 || res.Removed > 0 {
			continue
		}

		idle := time.NewTimer(w.config.IdleInterval)
		select {
		case <-ctx.Done():
			idle.Stop()
			return nil
		case <-w.wake:
			idle.Stop()
		case <-idle.C:
		}
	}
}

// Drain runs passes back to back until a sweep from the cursor to the end
// of the archive judges nothing.
func (w *Worker) Drain(ctx context.Context) (Result, error) {
	var total, sweep Result
	for {
		res, tail, err := w.pass(ctx)
		total.add(res)
		sweep.add(res)
		if err != nil {
			return total, err
		}
		if !tail {
			continue
		}
		if sweep.Scanned == 0 && sweep.Removed == 0 {
			return total, nil
		}
		sweep = Result{}
	}
}

// RunOnce judges up to BatchSize pairs, reading at most scanFactor times
// BatchSize frames. Each pass resumes where the previous one stopped and
// wraps around to the cursor at the end of the archive.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	res, _, err := w.pass(ctx)
	return res, err
}

// pass is RunOnce that also reports whether it reached the end of the
// archive.
func (w *Worker) pass(ctx context.Context) (Result, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var res Result
	defer func() {
		w.advance()
		if res.Scanned > 0 || res.Removed > 0 {
			w.logger.Debug("dedup pass finished",
				"scanned", res.Scanned,
				"removed", res.Removed,
				"skipped", res.Skipped,
				"failed", res.Failed,
				"cursor", w.cursor,
			)
		}
	}()

	from := w.cursor + 1
	if w.resume > from {
		from = w.resume
	}

	limit := scanFactor * w.config.BatchSize
	snap := w.config.Archive.Snapshot()
	frames := snap.Next(from, limit)

	var prev *frame.Frame
	if p, ok := snap.Before(from); ok {
		prev = &p
	}

	i := 0
	for i < len(frames) && res.Scanned < w.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, false, err
		}

		b := &frames[i]
		switch {
		case w.checked.Contains(uint64(b.ID)):
			prev = b
			i++
			continue
		case !b.HasEmbedding():
			res.Skipped++
			w.await(b)
			prev = b
			i++
			continue
		case prev == nil:
			w.checked.Add(uint64(b.ID))
			prev = b
			i++
			continue
		case !prev.HasEmbedding():
			if prev.ID <= w.cursor || w.checked.Contains(uint64(prev.ID)) {
				// Never embedded; b has nothing comparable before it.
				w.settle(b.ID)
			} else {
				res.Skipped++
			}
			prev = b
			i++
			continue
		}
		delete(w.waiting, b.ID)

		res.Scanned++
		victim, reason, err := w.judge(ctx, prev, b)
		if err != nil {
			switch {
			case errors.Is(err, archive.ErrCorrupt):
				return res, false, err
			case errors.Is(err, archive.ErrNotFound):
				// One of the pair was removed concurrently.
				fresh := w.config.Archive.Snapshot()
				if _, ok := fresh.Frame(b.ID); !ok {
					i++
					continue
				}
				prev = nil
				if p, ok := fresh.Before(b.ID); ok {
					prev = &p
				}
				continue
			}

			res.Failed++
			w.fail(b.ID, err)
			prev = b
			i++
			continue
		}

		if victim == nil {
			w.settle(b.ID)
			prev = b
			i++
			continue
		}

		if w.soleInBucket(victim) {
			res.Skipped++
			w.settle(b.ID)
			prev = b
			i++
			continue
		}

		if err := w.config.Archive.Remove(ctx, victim.ID); err != nil {
			if errors.Is(err, archive.ErrCorrupt) {
				return res, false, fmt.Errorf("removing frame %d: %w", victim.ID, err)
			}
			res.Failed++
			w.fail(b.ID, fmt.Errorf("removing frame %d: %w", victim.ID, err))
			prev = b
			i++
			continue
		}
		delete(w.attempts, b.ID)
		res.Removed++
		w.removed.Add(1)

		kept := prev.ID
		if victim.ID == prev.ID {
			kept = b.ID
		}
		w.logger.Info("frame removed", "frame_id", victim.ID, "kept_id", kept, "reason", reason)

		if victim.ID == b.ID {
			// prev stays the predecessor of the next frame.
			i++
			continue
		}

		// The earlier frame is gone; judge b again against its new
		// predecessor.
		prev = nil
		if p, ok := w.config.Archive.Snapshot().Before(b.ID); ok {
			prev = &p
		}
	}

	switch {
	case i < len(frames):
		w.resume = frames[i].ID
	case len(frames) == limit:
		w.resume = frames[len(frames)-1].ID + 1
	default:
		w.resume = 0
		return res, true, nil
	}
	return res, false, nil
}

// settle marks id judged.
func (w *Worker) settle(id frame.ID) {
	delete(w.attempts, id)
	w.checked.Add(uint64(id))
}

// fail counts a failed attempt at judging id and gives up on it after
// MaxAttempts, so one bad frame never stalls the frames after it.
func (w *Worker) fail(id frame.ID, err error) {
	w.attempts[id]++
	attempt := w.attempts[id]

	var cmpErr *ComparisonError
	if errors.As(err, &cmpErr) {
		cmpErr.Attempt = attempt
		w.logger.Warn("frame comparison failed", "error", cmpErr)
	} else {
		w.logger.Warn("dedup step failed", "frame_id", id, "attempt", attempt, "error", err)
	}

	if attempt >= w.config.MaxAttempts {
		w.logger.Warn("giving up on frame", "frame_id", id, "attempts", attempt)
		w.settle(id)
	}
}

// await tracks a frame without an embedding and stops waiting for it after
// EmbedTimeout.
func (w *Worker) await(f *frame.Frame) {
	now := w.config.Now()
	since, ok := w.waiting[f.ID]
	if !ok {
		w.waiting[f.ID] = now
		return
	}
	if now.Sub(since) >= w.config.EmbedTimeout {
		w.logger.Warn("frame never embedded, moving past it", "frame_id", f.ID, "waited", now.Sub(since))
		delete(w.waiting, f.ID)
		w.checked.Add(uint64(f.ID))
	}
}

// judge returns the frame of the pair (a, b) that should be removed, or nil
// to keep both.
func (w *Worker) judge(ctx context.Context, a, b *frame.Frame) (*frame.Frame, string, error) {
	if vector.Cosine(a.Embedding, b.Embedding) > w.config.SimilarityThreshold {
		return b, ReasonNearDuplicate, nil
	}
	if w.config.Comparator == nil {
		return nil, "", nil
	}

	fa, err := w.config.Archive.Get(ctx, a.ID)
	if err != nil {
		return nil, "", err
	}
	fb, err := w.config.Archive.Get(ctx, b.ID)
	if err != nil {
		return nil, "", err
	}

	rel, err := w.config.Comparator.Compare(ctx, fa, fb)
	if err != nil {
		return nil, "", &ComparisonError{A: a.ID, B: b.ID, Err: err}
	}

	switch rel {
	case Equal:
		return b, ReasonEqual, nil
	case Superset:
		return b, ReasonSuperset, nil
	case Subset:
		return a, ReasonSubset, nil
	default:
		return nil, "", nil
	}
}

func (w *Worker) soleInBucket(f *frame.Frame) bool {
	start := f.Timestamp.Truncate(w.config.Bucket)
	n := w.config.Archive.Snapshot().CountTime(archive.TimeRange{
		Since: start,
		Until: start.Add(w.config.Bucket - time.Nanosecond),
	})
	return n <= 1
}

// advance moves the cursor over the judged prefix.
func (w *Worker) advance() {
	snap := w.config.Archive.Snapshot()
scan:
	for {
		frames := snap.Next(w.cursor+1, w.config.BatchSize)
		if len(frames) == 0 {
			break
		}
		for _, f := range frames {
			if !w.checked.Contains(uint64(f.ID)) {
				break scan
			}
			w.cursor = f.ID
		}
	}
	w.checked.RemoveRange(0, uint64(w.cursor)+1)
	for id := range w.waiting {
		if id <= w.cursor {
			delete(w.waiting, id)
		}
	}
	for id := range w.attempts {
		if id <= w.cursor {
			delete(w.attempts, id)
		}
	}
	if w.resume <= w.cursor {
		w.resume = 0
	}
}
