package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is an in-process store used by tests and single-node setups.
// CAS is a mutex over (version, blob); subscribers are fanned out
// asynchronously so a slow subscriber cannot block a writer.
type MemoryStore struct {
	mu      sync.Mutex
	version uint64
	blob    []byte

	extract     VersionExtractor
	subscribers *xsync.MapOf[uint64, func([]byte)]
	nextSubID   atomic.Uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(extract VersionExtractor) *MemoryStore {
	return &MemoryStore{
		extract:     extract,
		subscribers: xsync.NewMapOf[uint64, func([]byte)](),
	}
}

func (s *MemoryStore) GetConfig(_ context.Context, _ bool) (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == EmptyVersion {
		return EmptyVersion, nil, nil
	}
	blob := make([]byte, len(s.blob))
	copy(blob, s.blob)
	return s.version, blob, nil
}

func (s *MemoryStore) UpdateConfig(_ context.Context, blob []byte, baseVersion uint64) (uint64, error) {
	newVersion, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, err
	}

	s.mu.Lock()
	if s.version != baseVersion {
		current := make([]byte, len(s.blob))
		copy(current, s.blob)
		version := s.version
		s.mu.Unlock()
		return EmptyVersion, &VersionMismatchError{Version: version, Blob: current}
	}
	s.version = newVersion
	s.blob = make([]byte, len(blob))
	copy(s.blob, blob)
	s.mu.Unlock()

	s.notify(blob)
	return newVersion, nil
}

func (s *MemoryStore) Overwrite(_ context.Context, blob []byte) (uint64, error) {
	newVersion, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, err
	}

	s.mu.Lock()
	s.version = newVersion
	s.blob = make([]byte, len(blob))
	copy(s.blob, blob)
	s.mu.Unlock()

	s.notify(blob)
	return newVersion, nil
}

func (s *MemoryStore) Subscribe(fn func(blob []byte)) func() {
	id := s.nextSubID.Add(1)
	s.subscribers.Store(id, fn)
	return func() {
		s.subscribers.Delete(id)
	}
}

func (s *MemoryStore) notify(blob []byte) {
	s.subscribers.Range(func(_ uint64, fn func([]byte)) bool {
		payload := make([]byte, len(blob))
		copy(payload, blob)
		go fn(payload)
		return true
	})
}

func (s *MemoryStore) Close() error {
	return nil
}
