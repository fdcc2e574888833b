package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Key layout (sorted for efficient history iteration)
const (
	pebbleKeyCurrent       = "/nc/current"  // latest blob
	pebblePrefixHistory    = "/nc/history/" // /nc/history/{version:016x}
	pebbleHistoryRetention = 64             // versions of history kept
)

// PebbleStore is a durable single-process store backed by PebbleDB. It keeps
// the current blob under one key and a bounded history of prior versions for
// operator inspection. All writes are WAL-synced before the CAS is
// acknowledged.
type PebbleStore struct {
	db   *pebble.DB
	path string

	// Serializes CAS read-modify-write cycles
	mu sync.Mutex

	extract     VersionExtractor
	subscribers *xsync.MapOf[uint64, func([]byte)]
	nextSubID   atomic.Uint64
	closed      atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a store at the given path.
func NewPebbleStore(path string, extract VersionExtractor) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}

	s := &PebbleStore{
		db:          db,
		path:        path,
		extract:     extract,
		subscribers: xsync.NewMapOf[uint64, func([]byte)](),
	}

	log.Info().Str("path", path).Msg("Opened pebble nodes configuration store")
	return s, nil
}

func historyKey(version uint64) []byte {
	key := make([]byte, len(pebblePrefixHistory)+8)
	copy(key, pebblePrefixHistory)
	binary.BigEndian.PutUint64(key[len(pebblePrefixHistory):], version)
	return key
}

func (s *PebbleStore) GetConfig(_ context.Context, _ bool) (uint64, []byte, error) {
	// A local pebble store has no stale-cache mode; every read hits the DB.
	value, closer, err := s.db.Get([]byte(pebbleKeyCurrent))
	if err == pebble.ErrNotFound {
		return EmptyVersion, nil, nil
	}
	if err != nil {
		return EmptyVersion, nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	blob := make([]byte, len(value))
	copy(blob, value)

	version, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, nil, err
	}
	return version, blob, nil
}

func (s *PebbleStore) UpdateConfig(ctx context.Context, blob []byte, baseVersion uint64) (uint64, error) {
	newVersion, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, err
	}

	s.mu.Lock()
	currentVersion, currentBlob, err := s.GetConfig(ctx, true)
	if err != nil {
		s.mu.Unlock()
		return EmptyVersion, err
	}
	if currentVersion != baseVersion {
		s.mu.Unlock()
		return EmptyVersion, &VersionMismatchError{Version: currentVersion, Blob: currentBlob}
	}
	if err := s.write(blob, newVersion); err != nil {
		s.mu.Unlock()
		return EmptyVersion, err
	}
	s.mu.Unlock()

	s.notify(blob)
	return newVersion, nil
}

func (s *PebbleStore) Overwrite(_ context.Context, blob []byte) (uint64, error) {
	newVersion, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, err
	}

	s.mu.Lock()
	err = s.write(blob, newVersion)
	s.mu.Unlock()
	if err != nil {
		return EmptyVersion, err
	}

	s.notify(blob)
	return newVersion, nil
}

// write commits the blob under the current key and its history slot,
// trimming history beyond the retention window. Caller holds mu.
func (s *PebbleStore) write(blob []byte, version uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(pebbleKeyCurrent), blob, nil); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	if err := batch.Set(historyKey(version), blob, nil); err != nil {
		return fmt.Errorf("pebble set history: %w", err)
	}
	if version > pebbleHistoryRetention {
		if err := batch.DeleteRange(
			[]byte(pebblePrefixHistory),
			historyKey(version-pebbleHistoryRetention),
			nil,
		); err != nil {
			return fmt.Errorf("pebble trim history: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

// History returns up to limit prior versions, newest first.
func (s *PebbleStore) History(limit int) ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebblePrefixHistory),
		UpperBound: historyKey(^uint64(0)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][]byte
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		value, err := iter.ValueAndErr()
		if err != nil {
			continue
		}
		blob := make([]byte, len(value))
		copy(blob, value)
		out = append(out, blob)
	}
	return out, nil
}

func (s *PebbleStore) Subscribe(fn func(blob []byte)) func() {
	id := s.nextSubID.Add(1)
	s.subscribers.Store(id, fn)
	return func() {
		s.subscribers.Delete(id)
	}
}

func (s *PebbleStore) notify(blob []byte) {
	s.subscribers.Range(func(_ uint64, fn func([]byte)) bool {
		payload := make([]byte, len(blob))
		copy(payload, blob)
		go fn(payload)
		return true
	})
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
