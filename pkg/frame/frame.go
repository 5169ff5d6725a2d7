// Package frame defines the Frame, the unit of the captured trajectory.
//
// A Frame is created when the capture source produces a screen image, lives
// in the recency buffer while it is hot, and is then handed to the archive
// where it may be embedded, searched, and eventually tombstoned by dedup.
package frame

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ID is the monotonically increasing frame identifier. IDs give a total order
// over the whole trajectory and are never reused, even after removal.
type ID uint64

// String returns the decimal representation of the id.
func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Status is the lifecycle state of a frame.
type Status int

const (
	// StatusHot frames are held by the recency buffer.
	StatusHot Status = iota

	// StatusArchived frames are durable in the archive.
	StatusArchived

	// StatusRemoved frames have been tombstoned by dedup. The id and its
	// position are kept, the image is gone.
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusHot:
		return "hot"
	case StatusArchived:
		return "archived"
	case StatusRemoved:
		return "removed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Image is the opaque content handle for a captured screen.
type Image struct {
	// Data is the encoded image (typically PNG or JPEG).
	Data []byte

	// MediaType is the MIME type of Data, e.g. "image/png".
	MediaType string
}

// Len returns the encoded size of the image in bytes.
func (i Image) Len() int {
	return len(i.Data)
}

// Frame is a single captured screen in the trajectory.
type Frame struct {
	// ID is assigned at capture time.
	ID ID `json:"id"`

	// Timestamp is the capture time, non-decreasing with ID.
	Timestamp time.Time `json:"timestamp"`

	// Image is the captured content. It is empty on frames loaded without
	// content and on removed frames.
	Image Image `json:"-"`

	// Hash is the SHA-256 hex digest of Image.Data.
	Hash string `json:"hash"`

	// Description is an optional text description of the screen.
	Description string `json:"description,omitempty"`

	// Embedding is the dense vector, present once the frame was indexed.
	Embedding []float32 `json:"-"`

	// Status is the lifecycle state.
	Status Status `json:"status"`
}

// New creates a hot frame for the given capture and computes its hash.
func New(id ID, ts time.Time, img Image) *Frame {
	return &Frame{
		ID:        id,
		Timestamp: ts,
		Image:     img,
		Hash:      HashImage(img),
		Status:    StatusHot,
	}
}

// HashImage returns the content address of an image.
func HashImage(img Image) string {
	h := sha256.Sum256(img.Data)
	return hex.EncodeToString(h[:])
}

// HasEmbedding reports whether the frame carries a vector.
func (f *Frame) HasEmbedding() bool {
	return len(f.Embedding) > 0
}

// Clone returns a deep copy of the frame so the caller can hand it across
// ownership boundaries (buffer -> archive, archive -> reader).
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Image.Data != nil {
		c.Image.Data = append([]byte(nil), f.Image.Data...)
	}
	if f.Embedding != nil {
		c.Embedding = append([]float32(nil), f.Embedding...)
	}
	return &c
}

// Caption renders the text label that accompanies the frame image when it
// is assembled into a language model context.
func (f *Frame) Caption() string {
	return fmt.Sprintf("[Screenshot taken at %s]", f.Timestamp.UTC().Format("02/01/2006 15:04:05"))
}
