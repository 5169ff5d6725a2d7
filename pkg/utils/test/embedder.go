package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/papercomputeco/captain/pkg/embeddings"
	"github.com/papercomputeco/captain/pkg/frame"
)

// MockEmbedder is a test embedder that returns predictable embeddings
type MockEmbedder struct {
	Embeddings map[string][]float32

	// FailOn causes Embed to return an error when the input text contains it
	FailOn string
}

var _ embeddings.Embedder = (*MockEmbedder)(nil)

func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{
		Embeddings: make(map[string][]float32),
	}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.FailOn != "" && strings.Contains(text, m.FailOn) {
		return nil, fmt.Errorf("mock embedding failure for: %s", text)
	}

	if emb, ok := m.Embeddings[text]; ok {
		return emb, nil
	}

	// Return a default embedding for any text
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *MockEmbedder) Close() error {
	return nil
}

// MockDescriber returns a fixed description per image content.
type MockDescriber struct {
	Descriptions map[string]string
	Err          error
}

var _ embeddings.Describer = (*MockDescriber)(nil)

func (m *MockDescriber) Describe(_ context.Context, img frame.Image) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if d, ok := m.Descriptions[string(img.Data)]; ok {
		return d, nil
	}
	return "a screen", nil
}

func (m *MockDescriber) Close() error {
	return nil
}

// MockFrameEmbedder assigns vectors per frame id and can fail on demand.
type MockFrameEmbedder struct {
	mu sync.Mutex

	// Vectors maps a frame id to its embedding. Frames without an entry get
	// Default.
	Vectors map[frame.ID][]float32
	Default []float32

	// Failures is the number of upcoming calls that fail, per frame id.
	Failures map[frame.ID]int

	// AlwaysFail fails every call for these ids.
	AlwaysFail map[frame.ID]bool

	// Block, when set, is waited on before each call returns.
	Block chan struct{}

	calls map[frame.ID]int
}

var _ embeddings.FrameEmbedder = (*MockFrameEmbedder)(nil)

func NewMockFrameEmbedder() *MockFrameEmbedder {
	return &MockFrameEmbedder{
		Vectors:    make(map[frame.ID][]float32),
		Default:    []float32{1, 0, 0},
		Failures:   make(map[frame.ID]int),
		AlwaysFail: make(map[frame.ID]bool),
		calls:      make(map[frame.ID]int),
	}
}

// Set assigns the vector of id.
func (m *MockFrameEmbedder) Set(id frame.ID, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Vectors[id] = vec
}

// Fail makes the next n calls for id fail.
func (m *MockFrameEmbedder) Fail(id frame.ID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures[id] = n
}

// Calls returns how many times id was embedded.
func (m *MockFrameEmbedder) Calls(id frame.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

func (m *MockFrameEmbedder) EmbedFrame(ctx context.Context, f *frame.Frame) (embeddings.FrameEmbedding, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return embeddings.FrameEmbedding{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[f.ID]++
	if m.AlwaysFail[f.ID] {
		return embeddings.FrameEmbedding{}, fmt.Errorf("mock embedding failure for frame %d", f.ID)
	}
	if m.Failures[f.ID] > 0 {
		m.Failures[f.ID]--
		return embeddings.FrameEmbedding{}, fmt.Errorf("mock embedding failure for frame %d", f.ID)
	}

	vec, ok := m.Vectors[f.ID]
	if !ok {
		vec = m.Default
	}
	return embeddings.FrameEmbedding{
		Description: fmt.Sprintf("frame %d", f.ID),
		Vector:      append([]float32(nil), vec...),
	}, nil
}

func (m *MockFrameEmbedder) Close() error {
	return nil
}
