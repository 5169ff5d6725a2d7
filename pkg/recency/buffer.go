// Package recency holds the hot window of the trajectory: the exact frames
// captured during the last W of wall time, in arrival order.
package recency

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/papercomputeco/captain/pkg/frame"
)

// ErrOutOfOrder is returned by Push when a frame id does not follow the
// buffer's newest id.
var ErrOutOfOrder = errors.New("frame id out of order")

// Sink durably accepts frames evicted from the buffer. It returns how many
// frames of the batch, counted from the front, were committed. Frames after
// that prefix stay in the buffer.
type Sink func(frames []*frame.Frame) (int, error)

// Buffer is the recency buffer. It is safe for concurrent use.
type Buffer struct {
	window time.Duration

	// mu guards frames. Snapshot readers take the read lock just long
	// enough to copy the slice header contents.
	mu     sync.RWMutex
	frames []*frame.Frame

	// lastID is the newest id ever pushed, kept even after eviction so ids
	// stay strictly increasing.
	lastID frame.ID

	// evictMu serializes evictors so a frame is never handed to two sinks.
	evictMu sync.Mutex
}

// New creates a buffer holding frames for the given window.
func New(window time.Duration) (*Buffer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("recency window must be positive, got %s", window)
	}
	return &Buffer{window: window}, nil
}

// Window returns the configured hot window W.
func (b *Buffer) Window() time.Duration {
	return b.window
}

// Push appends a newly captured frame. The buffer takes ownership of f.
func (b *Buffer) Push(f *frame.Frame) error {
	if f == nil {
		return errors.New("cannot push nil frame")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if f.ID <= b.lastID {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, f.ID, b.lastID)
	}
	if n := len(b.frames); n > 0 && f.Timestamp.Before(b.frames[n-1].Timestamp) {
		return fmt.Errorf("%w: frame %d is older than frame %d", ErrOutOfOrder, f.ID, b.frames[n-1].ID)
	}

	f.Status = frame.StatusHot
	b.frames = append(b.frames, f)
	b.lastID = f.ID
	return nil
}

// expiredLocked returns how many frames at the head have timestamps before
// now - W. Frames are timestamp-ordered so the expired frames are a prefix.
func (b *Buffer) expiredLocked(now time.Time) int {
	cutoff := now.Add(-b.window)
	return sort.Search(len(b.frames), func(i int) bool {
		return !b.frames[i].Timestamp.Before(cutoff)
	})
}

// EvictExpired removes and returns all frames older than W, in ascending id
// order. The caller owns the returned frames and must Requeue any it fails to
// persist.
func (b *Buffer) EvictExpired(now time.Time) []*frame.Frame {
	b.evictMu.Lock()
	defer b.evictMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.expiredLocked(now)
	if n == 0 {
		return nil
	}

	out := make([]*frame.Frame, n)
	copy(out, b.frames[:n])
	b.dropLocked(n)
	return out
}

// EvictInto hands expired frames to sink and only removes the prefix sink
// reports as committed. Snapshot keeps showing a frame until it is durable
// elsewhere, so eviction loses nothing even while the sink is failing.
// It returns the number of frames committed.
func (b *Buffer) EvictInto(now time.Time, sink Sink) (int, error) {
	b.evictMu.Lock()
	defer b.evictMu.Unlock()

	b.mu.RLock()
	n := b.expiredLocked(now)
	// The sink may write to the frames it is handed, so it gets copies and
	// readers of the buffer never see those writes.
	batch := make([]*frame.Frame, n)
	for i, f := range b.frames[:n] {
		c := *f
		batch[i] = &c
	}
	b.mu.RUnlock()

	if n == 0 {
		return 0, nil
	}

	committed, err := sink(batch)
	if committed < 0 {
		committed = 0
	}
	if committed > n {
		committed = n
	}

	if committed > 0 {
		b.mu.Lock()
		// Only evictors remove from the head and evictMu is held, so the
		// first committed entries are still exactly batch[:committed].
		b.dropLocked(committed)
		b.mu.Unlock()
	}

	return committed, err
}

// Requeue puts frames that failed to persist back at the head of the buffer.
// Frames already present are ignored.
func (b *Buffer) Requeue(frames []*frame.Frame) {
	if len(frames) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	present := make(map[frame.ID]struct{}, len(b.frames))
	for _, f := range b.frames {
		present[f.ID] = struct{}{}
	}

	merged := make([]*frame.Frame, 0, len(frames)+len(b.frames))
	for _, f := range frames {
		if _, ok := present[f.ID]; ok {
			continue
		}
		f.Status = frame.StatusHot
		merged = append(merged, f)
		present[f.ID] = struct{}{}
	}
	merged = append(merged, b.frames...)

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	b.frames = merged
}

// dropLocked removes the first n frames. The backing array is compacted once
// the dead prefix dominates so memory follows the window, not the history.
func (b *Buffer) dropLocked(n int) {
	for i := range n {
		b.frames[i] = nil
	}
	b.frames = b.frames[n:]

	if cap(b.frames) > 64 && len(b.frames) < cap(b.frames)/4 {
		compacted := make([]*frame.Frame, len(b.frames), len(b.frames)*2)
		copy(compacted, b.frames)
		b.frames = compacted
	}
}

// Snapshot returns copies of the current window contents in id order.
func (b *Buffer) Snapshot() []frame.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]frame.Frame, len(b.frames))
	for i, f := range b.frames {
		out[i] = *f
	}
	return out
}

// Len returns the number of hot frames.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Contains reports whether id is currently hot.
func (b *Buffer) Contains(id frame.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.frames), func(i int) bool { return b.frames[i].ID >= id })
	return i < len(b.frames) && b.frames[i].ID == id
}

// Last returns the newest hot frame, or nil when the buffer is empty.
func (b *Buffer) Last() *frame.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.frames) == 0 {
		return nil
	}
	f := *b.frames[len(b.frames)-1]
	return &f
}

// Overdue reports how far past W the oldest hot frame is. A positive value
// means the archive is not keeping up and the buffer is running degraded.
func (b *Buffer) Overdue(now time.Time) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.frames) == 0 {
		return 0
	}
	age := now.Sub(b.frames[0].Timestamp)
	if age <= b.window {
		return 0
	}
	return age - b.window
}
