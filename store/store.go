// Package store provides the durable, CAS-capable home of the canonical
// Nodes Configuration blob. The configuration manager never assumes anything
// about the backend beyond this interface: reads may be served from a cache
// unless consistent is set, writes are compare-and-swap on the version the
// writer based its proposal on, and subscriptions deliver serialized blobs
// with no ordering guarantee beyond eventual delivery of the latest.
package store

import (
	"context"
	"errors"
	"fmt"
)

// EmptyVersion denotes "no prior value" for CAS writes.
const EmptyVersion uint64 = 0

// ErrAgain reports a transient backend failure. Callers decide whether to
// retry; the store never retries internally.
var ErrAgain = errors.New("store temporarily unavailable")

// VersionMismatchError reports a lost CAS. When the backend knows the
// winning blob it is carried here so the caller can rebase without another
// read.
type VersionMismatchError struct {
	Version uint64
	Blob    []byte
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: store holds version %d", e.Version)
}

// VersionExtractor parses the version out of a serialized blob without a
// full decode. Supplied by the codec.
type VersionExtractor func(blob []byte) (uint64, error)

// Store is the nodes configuration store (NCS).
type Store interface {
	// GetConfig returns the current version and blob. Consistent mode
	// forbids stale caches. An empty store returns (EmptyVersion, nil, nil).
	GetConfig(ctx context.Context, consistent bool) (uint64, []byte, error)

	// UpdateConfig writes blob if the store still holds baseVersion
	// (EmptyVersion means "no prior value"). Returns the stored version on
	// success and *VersionMismatchError when the CAS is lost.
	UpdateConfig(ctx context.Context, blob []byte, baseVersion uint64) (uint64, error)

	// Overwrite writes blob unconditionally. Disaster recovery only.
	Overwrite(ctx context.Context, blob []byte) (uint64, error)

	// Subscribe registers a callback invoked with each new serialized blob.
	// Delivery happens on an unspecified goroutine. The returned cancel
	// function is idempotent.
	Subscribe(fn func(blob []byte)) func()

	Close() error
}
