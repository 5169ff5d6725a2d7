package dedup

import (
	"context"
	"fmt"

	"github.com/papercomputeco/captain/pkg/frame"
)

// Relation is the structural relation of two consecutive frames.
type Relation int

const (
	// Unrelated frames each carry content the other lacks.
	Unrelated Relation = iota

	// Equal frames show the same content.
	Equal

	// Subset means the earlier frame is strictly contained in the later one.
	Subset

	// Superset means the later frame is strictly contained in the earlier one.
	Superset
)

func (r Relation) String() string {
	switch r {
	case Unrelated:
		return "unrelated"
	case Equal:
		return "equal"
	case Subset:
		return "subset"
	case Superset:
		return "superset"
	default:
		return fmt.Sprintf("relation(%d)", int(r))
	}
}

// Comparator decides how the content of an earlier frame a relates to a
// later frame b. Both frames carry their images.
type Comparator interface {
	Compare(ctx context.Context, a, b *frame.Frame) (Relation, error)
}

// ComparatorFunc adapts a function to Comparator.
type ComparatorFunc func(ctx context.Context, a, b *frame.Frame) (Relation, error)

func (f ComparatorFunc) Compare(ctx context.Context, a, b *frame.Frame) (Relation, error) {
	return f(ctx, a, b)
}
