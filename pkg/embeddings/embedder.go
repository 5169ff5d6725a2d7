// Package embeddings turns frames into dense vectors.
//
// Screens are embedded in two steps: a vision Describer writes a text
// description of the image, and a text Embedder maps that description to a
// vector. The description is kept on the frame so retrieval can show it.
package embeddings

import (
	"context"

	"github.com/papercomputeco/captain/pkg/frame"
)

// Embedder provides text embedding capabilities.
type Embedder interface {
	// Embed converts text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases any resources held by the embedder.
	Close() error
}

// Describer produces a text description of a screen image.
type Describer interface {
	Describe(ctx context.Context, img frame.Image) (string, error)

	Close() error
}

// FrameEmbedding is the result of embedding one frame.
type FrameEmbedding struct {
	Description string
	Vector      []float32
}

// FrameEmbedder embeds whole frames. Calls are best-effort and may fail
// transiently.
type FrameEmbedder interface {
	EmbedFrame(ctx context.Context, f *frame.Frame) (FrameEmbedding, error)

	Close() error
}
