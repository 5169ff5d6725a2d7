package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/captain/pkg/frame"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeFrameArchived is emitted after a frame is durable in the archive.
	EventTypeFrameArchived = "captain.frame.archived"

	// EventTypeFrameIndexed is emitted after a frame becomes searchable.
	EventTypeFrameIndexed = "captain.frame.indexed"

	// EventTypeFrameRemoved is emitted after dedup tombstones a frame.
	EventTypeFrameRemoved = "captain.frame.removed"
)

// FrameEvent is a transport-neutral event payload for a frame lifecycle
// transition.
type FrameEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	Frame         FrameMeta `json:"frame"`
}

// FrameMeta is the frame metadata carried by an event. Images never leave
// the archive.
type FrameMeta struct {
	ID           frame.ID  `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Hash         string    `json:"hash,omitempty"`
	MediaType    string    `json:"media_type,omitempty"`
	Status       string    `json:"status"`
	Description  string    `json:"description,omitempty"`
	EmbeddingDim int       `json:"embedding_dim,omitempty"`
}

// NewFrameEvent builds an event of eventType for f.
func NewFrameEvent(eventType string, f frame.Frame) *FrameEvent {
	return &FrameEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Frame: FrameMeta{
			ID:           f.ID,
			Timestamp:    f.Timestamp,
			Hash:         f.Hash,
			MediaType:    f.Image.MediaType,
			Status:       f.Status.String(),
			Description:  f.Description,
			EmbeddingDim: len(f.Embedding),
		},
	}
}

// NewRemovedEvent builds a removal event. Only the id survives a removal.
func NewRemovedEvent(id frame.ID) *FrameEvent {
	return NewFrameEvent(EventTypeFrameRemoved, frame.Frame{ID: id, Status: frame.StatusRemoved})
}
