package dedup

import (
	"fmt"

	"github.com/papercomputeco/captain/pkg/frame"
)

// ComparisonError reports a failed comparison of two frames. The pair is
// skipped and tried again on a later pass.
type ComparisonError struct {
	A, B    frame.ID
	Attempt int
	Err     error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("comparing frames %d and %d (attempt %d): %v", e.A, e.B, e.Attempt, e.Err)
}

func (e *ComparisonError) Unwrap() error {
	return e.Err
}
