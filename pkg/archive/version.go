package archive

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/papercomputeco/captain/pkg/frame"
)

// entry is one slot of the append-only arena. Its identity fields never
// change after publication; only the embedding is attached later.
type entry struct {
	id        frame.ID
	ts        time.Time
	hash      string
	mediaType string
	size      int

	embedding atomic.Pointer[embedding]
}

type embedding struct {
	description string
	vector      []float32
}

func (e *entry) frame(removed bool) frame.Frame {
	f := frame.Frame{
		ID:        e.id,
		Timestamp: e.ts,
		Hash:      e.hash,
		Image:     frame.Image{MediaType: e.mediaType},
		Status:    frame.StatusArchived,
	}
	if removed {
		f.Status = frame.StatusRemoved
		f.Image = frame.Image{}
		return f
	}
	if emb := e.embedding.Load(); emb != nil {
		f.Description = emb.description
		f.Embedding = emb.vector
	}
	return f
}

// version is an immutable view of the archive. The entries slice is a prefix
// of the arena, and slots below len(entries) are never rewritten, so a
// version stays valid while later appends grow the arena. tombstones is
// never mutated after publication.
type version struct {
	seq        uint64
	entries    []*entry
	tombstones *roaring64.Bitmap
}

func (v *version) find(id frame.ID) (*entry, bool) {
	i := sort.Search(len(v.entries), func(i int) bool { return v.entries[i].id >= id })
	if i < len(v.entries) && v.entries[i].id == id {
		return v.entries[i], true
	}
	return nil, false
}

func (v *version) removed(id frame.ID) bool {
	return v.tombstones.Contains(uint64(id))
}

func (v *version) maxID() frame.ID {
	if len(v.entries) == 0 {
		return 0
	}
	return v.entries[len(v.entries)-1].id
}

// Snapshot is a consistent, read-only view of the archive at one version.
// Holding a snapshot never blocks writers.
type Snapshot struct {
	v *version
}

// Version is the sequence number of the view. It grows with every append
// and removal.
func (s Snapshot) Version() uint64 {
	return s.v.seq
}

// Len is the number of live frames.
func (s Snapshot) Len() int {
	return len(s.v.entries) - int(s.v.tombstones.GetCardinality())
}

// Removed is the number of tombstoned frames.
func (s Snapshot) Removed() int {
	return int(s.v.tombstones.GetCardinality())
}

// MaxID is the highest id ever archived, removed ids included.
func (s Snapshot) MaxID() frame.ID {
	return s.v.maxID()
}

// LastTimestamp is the timestamp of the newest frame, removed frames
// included. It is zero for an empty archive.
func (s Snapshot) LastTimestamp() time.Time {
	if len(s.v.entries) == 0 {
		return time.Time{}
	}
	return s.v.entries[len(s.v.entries)-1].ts
}

// RemovedIDs returns every tombstoned id in ascending order.
func (s Snapshot) RemovedIDs() []frame.ID {
	raw := s.v.tombstones.ToArray()
	out := make([]frame.ID, len(raw))
	for i, id := range raw {
		out[i] = frame.ID(id)
	}
	return out
}

// Status reports the state of id at this version.
func (s Snapshot) Status(id frame.ID) (frame.Status, bool) {
	if _, ok := s.v.find(id); !ok {
		return 0, false
	}
	if s.v.removed(id) {
		return frame.StatusRemoved, true
	}
	return frame.StatusArchived, true
}

// Frame returns the metadata of a live frame, without image content.
func (s Snapshot) Frame(id frame.ID) (frame.Frame, bool) {
	e, ok := s.v.find(id)
	if !ok || s.v.removed(id) {
		return frame.Frame{}, false
	}
	return e.frame(false), true
}

// Frames returns the metadata of live frames with ids in r, in id order.
func (s Snapshot) Frames(r Range) []frame.Frame {
	lo, hi := s.bounds(r)
	out := make([]frame.Frame, 0, hi-lo)
	for _, e := range s.v.entries[lo:hi] {
		if s.v.removed(e.id) {
			continue
		}
		out = append(out, e.frame(false))
	}
	return out
}

// Next returns the metadata of at most n live frames with an id of at least
// from, in id order.
func (s Snapshot) Next(from frame.ID, n int) []frame.Frame {
	entries := s.v.entries
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].id >= from })
	var out []frame.Frame
	for _, e := range entries[lo:] {
		if len(out) >= n {
			break
		}
		if s.v.removed(e.id) {
			continue
		}
		out = append(out, e.frame(false))
	}
	return out
}

// Before returns the metadata of the last live frame with an id below id.
func (s Snapshot) Before(id frame.ID) (frame.Frame, bool) {
	entries := s.v.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].id >= id })
	for i--; i >= 0; i-- {
		if !s.v.removed(entries[i].id) {
			return entries[i].frame(false), true
		}
	}
	return frame.Frame{}, false
}

// CountTime is the number of live frames with a timestamp in r.
func (s Snapshot) CountTime(r TimeRange) int {
	lo, hi := s.timeBounds(r)
	n := 0
	for _, e := range s.v.entries[lo:hi] {
		if !s.v.removed(e.id) {
			n++
		}
	}
	return n
}

func (s Snapshot) bounds(r Range) (int, int) {
	entries := s.v.entries
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].id >= r.From })
	hi := len(entries)
	if r.To != 0 {
		hi = sort.Search(len(entries), func(i int) bool { return entries[i].id > r.To })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (s Snapshot) timeBounds(r TimeRange) (int, int) {
	entries := s.v.entries
	lo := 0
	if !r.Since.IsZero() {
		lo = sort.Search(len(entries), func(i int) bool { return !entries[i].ts.Before(r.Since) })
	}
	hi := len(entries)
	if !r.Until.IsZero() {
		hi = sort.Search(len(entries), func(i int) bool { return entries[i].ts.After(r.Until) })
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Range selects frames by inclusive id bounds. A zero To is unbounded.
type Range struct {
	From frame.ID
	To   frame.ID
}

// All selects every frame.
var All = Range{}

// TimeRange selects frames by inclusive timestamp bounds. Zero bounds are
// open.
type TimeRange struct {
	Since time.Time
	Until time.Time
}
