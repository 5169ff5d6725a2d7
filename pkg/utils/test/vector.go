package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/vector"
	"github.com/papercomputeco/captain/pkg/vector/flat"
)

// MockVectorDriver wraps a flat index and can inject failures and phantom
// hits.
type MockVectorDriver struct {
	*flat.Driver

	mu sync.Mutex

	// FailQuery makes Query fail.
	FailQuery bool

	// FailAdd makes Add fail.
	FailAdd bool

	// Phantoms are returned by Query in addition to real results, as if the
	// index held entries the archive does not know.
	Phantoms []vector.QueryResult

	deleted []frame.ID
}

var _ vector.Driver = (*MockVectorDriver)(nil)

func NewMockVectorDriver() *MockVectorDriver {
	return &MockVectorDriver{Driver: flat.NewDriver(flat.Config{}, nil)}
}

// SetFailQuery toggles query failures.
func (m *MockVectorDriver) SetFailQuery(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailQuery = fail
}

// SetFailAdd toggles add failures.
func (m *MockVectorDriver) SetFailAdd(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailAdd = fail
}

// Deleted returns every id passed to Delete.
func (m *MockVectorDriver) Deleted() []frame.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame.ID(nil), m.deleted...)
}

func (m *MockVectorDriver) Add(ctx context.Context, docs []vector.Document) error {
	m.mu.Lock()
	fail := m.FailAdd
	m.mu.Unlock()
	if fail {
		return errors.New("mock vector add failure")
	}
	return m.Driver.Add(ctx, docs)
}

func (m *MockVectorDriver) Query(ctx context.Context, embedding []float32, topK int) ([]vector.QueryResult, error) {
	m.mu.Lock()
	fail := m.FailQuery
	phantoms := append([]vector.QueryResult(nil), m.Phantoms...)
	m.mu.Unlock()
	if fail {
		return nil, errors.New("mock vector query failure")
	}

	results, err := m.Driver.Query(ctx, embedding, topK)
	if err != nil {
		return nil, err
	}
	return append(phantoms, results...), nil
}

func (m *MockVectorDriver) Delete(ctx context.Context, ids []frame.ID) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, ids...)
	kept := m.Phantoms[:0]
	for _, p := range m.Phantoms {
		drop := false
		for _, id := range ids {
			if p.ID == id {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, p)
		}
	}
	m.Phantoms = kept
	m.mu.Unlock()
	return m.Driver.Delete(ctx, ids)
}
