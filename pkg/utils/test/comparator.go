package testutils

import (
	"context"
	"sync"

	"github.com/papercomputeco/captain/pkg/dedup"
	"github.com/papercomputeco/captain/pkg/frame"
)

// Pair identifies an ordered frame pair.
type Pair struct {
	A, B frame.ID
}

// MockComparator returns scripted relations per frame pair.
type MockComparator struct {
	mu sync.Mutex

	// Relations maps a pair to its relation. Unlisted pairs are Unrelated.
	Relations map[Pair]dedup.Relation

	// Failures is the number of upcoming comparisons that fail, per pair.
	Failures map[Pair]int

	calls []Pair
}

var _ dedup.Comparator = (*MockComparator)(nil)

func NewMockComparator() *MockComparator {
	return &MockComparator{
		Relations: make(map[Pair]dedup.Relation),
		Failures:  make(map[Pair]int),
	}
}

// Set scripts the relation of (a, b).
func (m *MockComparator) Set(a, b frame.ID, rel dedup.Relation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Relations[Pair{a, b}] = rel
}

// Fail makes the next n comparisons of (a, b) fail.
func (m *MockComparator) Fail(a, b frame.ID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures[Pair{a, b}] = n
}

// Calls returns every compared pair in order.
func (m *MockComparator) Calls() []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Pair(nil), m.calls...)
}

func (m *MockComparator) Compare(_ context.Context, a, b *frame.Frame) (dedup.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := Pair{a.ID, b.ID}
	m.calls = append(m.calls, p)
	if m.Failures[p] > 0 {
		m.Failures[p]--
		return dedup.Unrelated, ErrInjected
	}
	return m.Relations[p], nil
}
