package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/codec"
)

func newPebbleStore(t *testing.T) (*PebbleStore, *codec.Codec) {
	t.Helper()
	c := codec.New()
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "nc.pebble"), c.ExtractVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, c
}

func TestPebbleStore_EmptyRead(t *testing.T) {
	s, _ := newPebbleStore(t)

	version, blob, err := s.GetConfig(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, EmptyVersion, version)
	assert.Nil(t, blob)
}

func TestPebbleStore_CASRoundTrip(t *testing.T) {
	s, c := newPebbleStore(t)

	stored, err := s.UpdateConfig(context.Background(), testBlob(t, c, 1), EmptyVersion)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored)

	version, blob, err := s.GetConfig(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	decoded, err := c.Deserialize(blob)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decoded.Version)
}

func TestPebbleStore_CASMismatch(t *testing.T) {
	s, c := newPebbleStore(t)

	_, err := s.UpdateConfig(context.Background(), testBlob(t, c, 3), EmptyVersion)
	require.NoError(t, err)

	_, err = s.UpdateConfig(context.Background(), testBlob(t, c, 4), 2)
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 3, mismatch.Version)
	assert.NotEmpty(t, mismatch.Blob)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	c := codec.New()
	path := filepath.Join(t.TempDir(), "nc.pebble")

	s, err := NewPebbleStore(path, c.ExtractVersion)
	require.NoError(t, err)
	_, err = s.UpdateConfig(context.Background(), testBlob(t, c, 7), EmptyVersion)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewPebbleStore(path, c.ExtractVersion)
	require.NoError(t, err)
	defer reopened.Close()

	version, _, err := reopened.GetConfig(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 7, version)
}

func TestPebbleStore_History(t *testing.T) {
	s, c := newPebbleStore(t)

	for v := uint64(1); v <= 4; v++ {
		_, err := s.UpdateConfig(context.Background(), testBlob(t, c, v), v-1)
		require.NoError(t, err)
	}

	history, err := s.History(3)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Newest first
	versions := make([]uint64, len(history))
	for i, blob := range history {
		versions[i], err = c.ExtractVersion(blob)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{4, 3, 2}, versions)
}

func TestPebbleStore_CloseIdempotent(t *testing.T) {
	s, _ := newPebbleStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
