// Package inmemory provides a volatile archive metadata store for tests and
// throwaway sessions.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/frame"
)

// Store implements archive.Store using a map.
type Store struct {
	mu      sync.RWMutex
	records map[frame.ID]archive.Record

	// failures, when set, makes the next calls fail. Used by tests to
	// simulate a broken disk.
	failures int
	failErr  error
}

var _ archive.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[frame.ID]archive.Record)}
}

// FailNext makes the next n write calls return err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

func (s *Store) failLocked() error {
	if s.failures == 0 {
		return nil
	}
	s.failures--
	if s.failErr == nil {
		return errors.New("injected failure")
	}
	return s.failErr
}

// Put inserts rec unless the id exists.
func (s *Store) Put(_ context.Context, rec archive.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked(); err != nil {
		return false, err
	}
	if _, ok := s.records[rec.ID]; ok {
		return false, nil
	}
	rec.Embedding = slices.Clone(rec.Embedding)
	s.records[rec.ID] = rec
	return true, nil
}

// MarkRemoved tombstones id.
func (s *Store) MarkRemoved(_ context.Context, id frame.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked(); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("frame %d: %w", id, archive.ErrNotFound)
	}
	rec.Removed = true
	rec.Embedding = nil
	s.records[id] = rec
	return nil
}

// SetEmbedding stores the description and vector of id.
func (s *Store) SetEmbedding(_ context.Context, id frame.ID, description string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failLocked(); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok || rec.Removed {
		return fmt.Errorf("frame %d: %w", id, archive.ErrNotFound)
	}
	rec.Description = description
	rec.Embedding = slices.Clone(embedding)
	s.records[id] = rec
	return nil
}

// List returns all records in id order.
func (s *Store) List(_ context.Context) ([]archive.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]archive.Record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Embedding = slices.Clone(rec.Embedding)
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b archive.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
