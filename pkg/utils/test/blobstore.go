package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/papercomputeco/captain/pkg/blobstore"
)

// ErrInjected is returned by failing mocks when no explicit error is set.
var ErrInjected = errors.New("injected failure")

// FailingBlobStore wraps a blob store and fails writes on demand.
type FailingBlobStore struct {
	blobstore.Store

	mu sync.Mutex

	// FailPuts is the number of upcoming Put calls that fail.
	FailPuts int

	// FailGets is the number of upcoming Get calls that fail.
	FailGets int

	// Err is returned by failing calls, ErrInjected when nil.
	Err error

	puts int
}

var _ blobstore.Store = (*FailingBlobStore)(nil)

// NewFailingBlobStore wraps an in-memory blob store.
func NewFailingBlobStore() *FailingBlobStore {
	return &FailingBlobStore{Store: blobstore.NewMemoryStore()}
}

func (f *FailingBlobStore) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// SetFailPuts makes the next n Put calls fail.
func (f *FailingBlobStore) SetFailPuts(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailPuts = n
}

// Puts returns the number of successful Put calls.
func (f *FailingBlobStore) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *FailingBlobStore) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	if f.FailPuts > 0 {
		f.FailPuts--
		f.mu.Unlock()
		return f.err()
	}
	f.puts++
	f.mu.Unlock()
	return f.Store.Put(ctx, key, data)
}

func (f *FailingBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	if f.FailGets > 0 {
		f.FailGets--
		f.mu.Unlock()
		return nil, f.err()
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, key)
}
