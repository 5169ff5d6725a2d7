package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/vector"
)

// DescribingEmbedder implements FrameEmbedder by describing the image and
// embedding the caption plus description.
type DescribingEmbedder struct {
	describer Describer
	embedder  Embedder
}

var _ FrameEmbedder = (*DescribingEmbedder)(nil)

// NewDescribingEmbedder combines a describer and a text embedder. A nil
// describer embeds the caption and any existing description only.
func NewDescribingEmbedder(d Describer, e Embedder) (*DescribingEmbedder, error) {
	if e == nil {
		return nil, errors.New("text embedder is required")
	}
	return &DescribingEmbedder{describer: d, embedder: e}, nil
}

// EmbedFrame describes f and embeds the result.
func (d *DescribingEmbedder) EmbedFrame(ctx context.Context, f *frame.Frame) (FrameEmbedding, error) {
	description := f.Description
	if description == "" && d.describer != nil {
		if len(f.Image.Data) == 0 {
			return FrameEmbedding{}, fmt.Errorf("%w: frame %d has no image", vector.ErrEmbedding, f.ID)
		}
		var err error
		description, err = d.describer.Describe(ctx, f.Image)
		if err != nil {
			return FrameEmbedding{}, fmt.Errorf("describing frame %d: %w", f.ID, err)
		}
	}

	vec, err := d.embedder.Embed(ctx, Document(f, description))
	if err != nil {
		return FrameEmbedding{}, fmt.Errorf("embedding frame %d: %w", f.ID, err)
	}
	if len(vec) == 0 {
		return FrameEmbedding{}, fmt.Errorf("%w: empty vector for frame %d", vector.ErrEmbedding, f.ID)
	}

	return FrameEmbedding{Description: strings.TrimSpace(description), Vector: vec}, nil
}

// Close closes both halves.
func (d *DescribingEmbedder) Close() error {
	var err error
	if d.describer != nil {
		err = d.describer.Close()
	}
	return errors.Join(err, d.embedder.Close())
}

// Document is the text embedded for a frame: its caption followed by the
// description.
func Document(f *frame.Frame, description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return f.Caption()
	}
	return f.Caption() + "\n" + description
}
