package indexer

import (
	"fmt"
	"strings"

	"github.com/papercomputeco/captain/pkg/frame"
)

// EmbeddingError reports a failed embedding attempt. The frame stays
// archived without a vector and is retried later.
type EmbeddingError struct {
	ID      frame.ID
	Attempt int
	Err     error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding frame %d (attempt %d): %v", e.ID, e.Attempt, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// CorruptionError reports vector index entries that disagree with the
// archive. The affected entries are repaired from the archive.
type CorruptionError struct {
	// Unknown ids are indexed but were never archived.
	Unknown []frame.ID

	// Removed ids are indexed but tombstoned in the archive.
	Removed []frame.ID
}

func (e *CorruptionError) Error() string {
	var parts []string
	if len(e.Unknown) > 0 {
		parts = append(parts, fmt.Sprintf("%d unknown", len(e.Unknown)))
	}
	if len(e.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", len(e.Removed)))
	}
	return "vector index out of sync with archive: " + strings.Join(parts, ", ") + " entries"
}

// IDs returns every affected id.
func (e *CorruptionError) IDs() []frame.ID {
	return append(append([]frame.ID(nil), e.Unknown...), e.Removed...)
}
