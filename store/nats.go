package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const natsConfigKey = "current"

// NatsStore holds the canonical blob in a NATS JetStream KV bucket shared by
// the whole cluster. CAS pairs the configuration-version check with the KV
// entry revision: the version decides whether the write is admissible, the
// revision guards against racing writers between our read and our update.
type NatsStore struct {
	nc      *nats.Conn
	kv      jetstream.KeyValue
	extract VersionExtractor

	watchMu sync.Mutex
	watches []jetstream.KeyWatcher
	closed  bool
}

var _ Store = (*NatsStore)(nil)

// NewNatsStore connects to NATS and binds (or creates) the KV bucket.
func NewNatsStore(url, bucket string, extract VersionExtractor) (*NatsStore, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 8,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to bind KV bucket %s: %w", bucket, err)
	}

	log.Info().Str("bucket", bucket).Msg("Bound NATS JetStream nodes configuration bucket")
	return &NatsStore{nc: conn, kv: kv, extract: extract}, nil
}

// getEntry reads the current entry; (nil, nil) when the bucket is empty.
func (s *NatsStore) getEntry(ctx context.Context) (jetstream.KeyValueEntry, error) {
	entry, err := s.kv.Get(ctx, natsConfigKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgain, err)
	}
	return entry, nil
}

func (s *NatsStore) GetConfig(ctx context.Context, _ bool) (uint64, []byte, error) {
	// KV gets are always served by the bucket's stream leader, so both
	// consistency modes take the same path here.
	entry, err := s.getEntry(ctx)
	if err != nil || entry == nil {
		return EmptyVersion, nil, err
	}

	blob := entry.Value()
	version, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, nil, err
	}
	return version, blob, nil
}

func (s *NatsStore) UpdateConfig(ctx context.Context, blob []byte, baseVersion uint64) (uint64, error) {
	newVersion, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, err
	}

	entry, err := s.getEntry(ctx)
	if err != nil {
		return EmptyVersion, err
	}

	var currentVersion uint64
	var revision uint64
	if entry != nil {
		currentVersion, err = s.extract(entry.Value())
		if err != nil {
			return EmptyVersion, err
		}
		revision = entry.Revision()
	}

	if currentVersion != baseVersion {
		var current []byte
		if entry != nil {
			current = entry.Value()
		}
		return EmptyVersion, &VersionMismatchError{Version: currentVersion, Blob: current}
	}

	if entry == nil {
		_, err = s.kv.Create(ctx, natsConfigKey, blob)
	} else {
		_, err = s.kv.Update(ctx, natsConfigKey, blob, revision)
	}
	if err != nil {
		// A racing writer slipped in between our read and the update.
		// Re-read so the caller gets the winning blob.
		latest, rerr := s.getEntry(ctx)
		if rerr == nil && latest != nil {
			latestVersion, verr := s.extract(latest.Value())
			if verr == nil && latestVersion != baseVersion {
				return EmptyVersion, &VersionMismatchError{Version: latestVersion, Blob: latest.Value()}
			}
		}
		return EmptyVersion, fmt.Errorf("%w: %w", ErrAgain, err)
	}

	return newVersion, nil
}

func (s *NatsStore) Overwrite(ctx context.Context, blob []byte) (uint64, error) {
	newVersion, err := s.extract(blob)
	if err != nil {
		return EmptyVersion, err
	}
	if _, err := s.kv.Put(ctx, natsConfigKey, blob); err != nil {
		return EmptyVersion, fmt.Errorf("%w: %w", ErrAgain, err)
	}
	return newVersion, nil
}

func (s *NatsStore) Subscribe(fn func(blob []byte)) func() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		return func() {}
	}

	watcher, err := s.kv.Watch(context.Background(), natsConfigKey,
		jetstream.UpdatesOnly())
	if err != nil {
		log.Error().Err(err).Msg("Failed to watch nodes configuration bucket")
		return func() {}
	}
	s.watches = append(s.watches, watcher)

	go func() {
		for entry := range watcher.Updates() {
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			fn(entry.Value())
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = watcher.Stop()
		})
	}
}

func (s *NatsStore) Close() error {
	s.watchMu.Lock()
	s.closed = true
	watches := s.watches
	s.watches = nil
	s.watchMu.Unlock()

	for _, w := range watches {
		_ = w.Stop()
	}
	s.nc.Close()
	return nil
}
