package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/codec"
	"github.com/burrowlabs/burrow/nc"
)

func testBlob(t *testing.T, c *codec.Codec, version uint64) []byte {
	t.Helper()
	config := &nc.NodesConfiguration{
		Version: version,
		Nodes: map[uint64]*nc.NodeDescriptor{
			1: {ID: 1, Roles: nc.RoleStorage, Shards: map[uint32]nc.ShardAttributes{}},
		},
	}
	blob, err := c.Serialize(config)
	require.NoError(t, err)
	return blob
}

func TestMemoryStore_EmptyRead(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)

	version, blob, err := s.GetConfig(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, EmptyVersion, version)
	assert.Nil(t, blob)
}

func TestMemoryStore_CASFromEmpty(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)

	stored, err := s.UpdateConfig(context.Background(), testBlob(t, c, 1), EmptyVersion)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored)

	version, blob, err := s.GetConfig(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.NotNil(t, blob)
}

func TestMemoryStore_CASMismatchCarriesWinner(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)

	_, err := s.UpdateConfig(context.Background(), testBlob(t, c, 5), EmptyVersion)
	require.NoError(t, err)

	// Stale base
	_, err = s.UpdateConfig(context.Background(), testBlob(t, c, 2), 1)
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 5, mismatch.Version)

	winner, derr := c.Deserialize(mismatch.Blob)
	require.NoError(t, derr)
	assert.EqualValues(t, 5, winner.Version)
}

func TestMemoryStore_SequentialCAS(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)

	for v := uint64(1); v <= 5; v++ {
		stored, err := s.UpdateConfig(context.Background(), testBlob(t, c, v), v-1)
		require.NoError(t, err)
		assert.Equal(t, v, stored)
	}
}

func TestMemoryStore_ConcurrentCASSingleWinner(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)
	_, err := s.UpdateConfig(context.Background(), testBlob(t, c, 1), EmptyVersion)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.UpdateConfig(context.Background(), testBlob(t, c, 2), 1)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			var mismatch *VersionMismatchError
			require.ErrorAs(t, err, &mismatch)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestMemoryStore_Overwrite(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)

	_, err := s.UpdateConfig(context.Background(), testBlob(t, c, 5), EmptyVersion)
	require.NoError(t, err)

	// No base-version check.
	stored, err := s.Overwrite(context.Background(), testBlob(t, c, 42))
	require.NoError(t, err)
	assert.EqualValues(t, 42, stored)
}

func TestMemoryStore_SubscribeDeliversWrites(t *testing.T) {
	c := codec.New()
	s := NewMemoryStore(c.ExtractVersion)

	received := make(chan uint64, 4)
	cancel := s.Subscribe(func(blob []byte) {
		v, err := c.ExtractVersion(blob)
		require.NoError(t, err)
		received <- v
	})
	defer cancel()

	_, err := s.UpdateConfig(context.Background(), testBlob(t, c, 1), EmptyVersion)
	require.NoError(t, err)

	select {
	case v := <-received:
		assert.EqualValues(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscription delivery")
	}

	// After cancel, no more deliveries.
	cancel()
	_, err = s.UpdateConfig(context.Background(), testBlob(t, c, 2), 1)
	require.NoError(t, err)

	select {
	case v := <-received:
		t.Fatalf("unexpected delivery after cancel: %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}
