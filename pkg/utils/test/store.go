package testutils

import (
	"context"
	"sync"

	"github.com/papercomputeco/captain/pkg/archive"
	"github.com/papercomputeco/captain/pkg/frame"
)

// FailingMetaStore wraps a metadata store and refuses to tombstone chosen
// frames.
type FailingMetaStore struct {
	archive.Store

	mu       sync.Mutex
	failing  map[frame.ID]struct{}
	refusals int
}

var _ archive.Store = (*FailingMetaStore)(nil)

func NewFailingMetaStore(inner archive.Store) *FailingMetaStore {
	return &FailingMetaStore{Store: inner, failing: make(map[frame.ID]struct{})}
}

// FailRemove makes every MarkRemoved of id fail.
func (s *FailingMetaStore) FailRemove(id frame.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[id] = struct{}{}
}

// Refusals returns how many MarkRemoved calls failed.
func (s *FailingMetaStore) Refusals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refusals
}

func (s *FailingMetaStore) MarkRemoved(ctx context.Context, id frame.ID) error {
	s.mu.Lock()
	_, fail := s.failing[id]
	if fail {
		s.refusals++
	}
	s.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return s.Store.MarkRemoved(ctx, id)
}
