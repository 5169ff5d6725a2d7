package archive

import (
	"errors"
	"fmt"

	"github.com/papercomputeco/captain/pkg/frame"
)

var (
	// ErrNotFound is returned for ids the archive never held or has removed.
	ErrNotFound = errors.New("frame not found in archive")

	// ErrOutOfOrder is returned by Append when a new id is lower than the
	// archive's highest id.
	ErrOutOfOrder = errors.New("frame id out of order")

	// ErrCorrupt marks unrecoverable archive state, such as a live frame
	// whose blob has vanished. It is surfaced to the operator.
	ErrCorrupt = errors.New("archive corrupt")
)

// WriteError reports a failed durable write. The frame is not archived and
// the operation may be retried.
type WriteError struct {
	ID  frame.ID
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("archive %s frame %d: %v", e.Op, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient archive write failure.
func IsRetryable(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && !errors.Is(err, ErrCorrupt)
}
