package kernel

import (
	"context"
	"fmt"
	"sync"

	"promptc/internal/contract"
)

// BlobRef is a handle to a content-addressed payload. Variables may
// hold refs; blobs never reference variables, so the store is acyclic.
type BlobRef struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
	MIME string `json:"mime,omitempty"`
}

// BlobStore holds large payloads outside the prompt. Entries are
// immutable: writing the same content twice returns the same ref.
type BlobStore interface {
	Put(ctx context.Context, data []byte, mime string) (BlobRef, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// ErrBlobNotFound reports a dangling blob reference.
var ErrBlobNotFound = fmt.Errorf("blob not found")

type MemBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	mimes map[string]string
}

func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{blobs: make(map[string][]byte), mimes: make(map[string]string)}
}

func (s *MemBlobStore) Put(_ context.Context, data []byte, mime string) (BlobRef, error) {
	id := "b_" + contract.HashBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		s.blobs[id] = append([]byte(nil), data...)
		s.mimes[id] = mime
	}
	return BlobRef{ID: id, Size: int64(len(data)), MIME: s.mimes[id]}, nil
}

func (s *MemBlobStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	return append([]byte(nil), data...), nil
}
