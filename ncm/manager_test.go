package ncm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/codec"
	"github.com/burrowlabs/burrow/exec"
	"github.com/burrowlabs/burrow/hlc"
	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/notify"
	"github.com/burrowlabs/burrow/store"
)

const waitFor = 3 * time.Second

// testStore wraps a MemoryStore with counters and manual subscription
// delivery so tests control exactly when blobs reach the manager.
type testStore struct {
	inner *store.MemoryStore

	reads     atomic.Int32
	casCalls  atomic.Int32
	hideReads atomic.Bool // GetConfig pretends the store is empty

	subsMu sync.Mutex
	subs   []func([]byte)
}

func newTestStore(c *codec.Codec) *testStore {
	return &testStore{inner: store.NewMemoryStore(c.ExtractVersion)}
}

func (s *testStore) GetConfig(ctx context.Context, consistent bool) (uint64, []byte, error) {
	s.reads.Add(1)
	if s.hideReads.Load() {
		return store.EmptyVersion, nil, nil
	}
	return s.inner.GetConfig(ctx, consistent)
}

func (s *testStore) UpdateConfig(ctx context.Context, blob []byte, baseVersion uint64) (uint64, error) {
	s.casCalls.Add(1)
	return s.inner.UpdateConfig(ctx, blob, baseVersion)
}

func (s *testStore) Overwrite(ctx context.Context, blob []byte) (uint64, error) {
	return s.inner.Overwrite(ctx, blob)
}

func (s *testStore) Subscribe(fn func([]byte)) func() {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
	return func() {}
}

// deliver pushes a blob through the subscription path.
func (s *testStore) deliver(blob []byte) {
	s.subsMu.Lock()
	subs := append([]func([]byte){}, s.subs...)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(blob)
	}
}

func (s *testStore) Close() error { return nil }

type harness struct {
	t        *testing.T
	store    *testStore
	codec    *codec.Codec
	executor *exec.SerialExecutor
	pool     *exec.Pool
	hub      *notify.Hub
	mgr      *Manager

	mu     sync.Mutex
	seen   map[int][]uint64        // worker idx -> versions observed by the hook
	blocks map[uint64]chan struct{} // version -> gate blocking the hook
}

type harnessOpts struct {
	workers             int
	heartbeat           time.Duration
	intermediaryTimeout time.Duration
}

func newHarness(t *testing.T, mode OperationMode, opts harnessOpts) *harness {
	t.Helper()

	if opts.workers == 0 {
		opts.workers = 3
	}
	if opts.heartbeat == 0 {
		opts.heartbeat = time.Hour
	}
	if opts.intermediaryTimeout == 0 {
		opts.intermediaryTimeout = time.Hour
	}

	h := &harness{
		t:      t,
		codec:  codec.New(),
		hub:    notify.NewHub(),
		seen:   map[int][]uint64{},
		blocks: map[uint64]chan struct{}{},
	}
	h.store = newTestStore(h.codec)

	h.executor = exec.NewSerialExecutor("ncm-test", 256)
	h.executor.Start()

	h.pool = exec.NewPool(opts.workers, 64)
	h.pool.OnConfigUpdated = func(w *exec.Worker) {
		version := w.Config().GetVersion()
		h.mu.Lock()
		h.seen[w.Idx()] = append(h.seen[w.Idx()], version)
		gate := h.blocks[version]
		h.mu.Unlock()
		if gate != nil {
			<-gate
		}
	}
	h.pool.Start()

	mgr, err := NewManager(mode, Dependencies{
		Store:    h.store,
		Codec:    h.codec,
		Executor: h.executor,
		Pool:     h.pool,
		Hub:      h.hub,
		Clock:    hlc.NewClock(1),
		Settings: Settings{
			HeartbeatInterval:   opts.heartbeat,
			IntermediaryTimeout: opts.intermediaryTimeout,
		},
	})
	require.NoError(t, err)
	h.mgr = mgr

	t.Cleanup(func() {
		h.mu.Lock()
		for _, gate := range h.blocks {
			select {
			case <-gate:
			default:
				close(gate)
			}
		}
		h.mu.Unlock()

		h.mgr.Shutdown()
		h.executor.Stop()
		h.pool.Stop()
	})
	return h
}

// blockVersion makes every worker hook invocation for version block until
// the returned release function is called.
func (h *harness) blockVersion(version uint64) func() {
	gate := make(chan struct{})
	h.mu.Lock()
	h.blocks[version] = gate
	h.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (h *harness) versionsSeen(worker int) []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64{}, h.seen[worker]...)
}

func (h *harness) blob(config *nc.NodesConfiguration) []byte {
	blob, err := h.codec.Serialize(config)
	require.NoError(h.t, err)
	return blob
}

// seedStore writes a config into the backing store without notifying the
// manager.
func (h *harness) seedStore(config *nc.NodesConfiguration, base uint64) {
	_, err := h.store.inner.UpdateConfig(context.Background(), h.blob(config), base)
	require.NoError(h.t, err)
}

func makeConfig(version uint64) *nc.NodesConfiguration {
	return &nc.NodesConfiguration{
		Version:     version,
		ClusterName: "test",
		Nodes: map[uint64]*nc.NodeDescriptor{
			1: {
				ID:      1,
				Name:    "node-1",
				Address: "127.0.0.1:4440",
				Roles:   nc.RoleStorage,
				Shards: map[uint32]nc.ShardAttributes{
					0: {State: nc.StorageReadWrite},
				},
			},
		},
	}
}

func addNodeUpdate(nodeID uint64) nc.Update {
	return nc.Update{
		Op: nc.OpAddNode,
		Node: &nc.NodeDescriptor{
			ID:      nodeID,
			Name:    "added",
			Address: "127.0.0.1:5000",
			Roles:   nc.RoleStorage,
		},
	}
}

// Scenario A: cold start, storage role, init from blob v=7.
func TestManager_InitPublishesInitialConfig(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage), harnessOpts{})

	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	require.EqualValues(t, 7, h.mgr.GetConfig().GetVersion())
	require.EqualValues(t, 7, h.mgr.GetLatestKnownConfig().GetVersion())

	for i := 0; i < h.pool.Size(); i++ {
		assert.Equal(t, []uint64{7}, h.versionsSeen(i), "worker %d", i)
	}

	// The process-wide slot carries the published config too.
	require.EqualValues(t, 7, h.hub.Get().GetVersion())
}

// Scenario B: proposer applies update atop v=7.
func TestManager_UpdateAppliesAndPublishes(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage).WithProposer(), harnessOpts{})

	h.seedStore(makeConfig(7), store.EmptyVersion)
	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	type result struct {
		err    error
		config *nc.NodesConfiguration
	}
	done := make(chan result, 1)
	h.mgr.Update([]nc.Update{addNodeUpdate(2)}, func(err error, config *nc.NodesConfiguration) {
		done <- result{err, config}
	})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.EqualValues(t, 8, res.config.GetVersion())
		require.NotNil(t, res.config.GetNode(2))
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for update callback")
	}

	require.Eventually(t, func() bool {
		return h.mgr.GetConfig().GetVersion() == 8
	}, waitFor, 5*time.Millisecond)

	for i := 0; i < h.pool.Size(); i++ {
		assert.Equal(t, []uint64{7, 8}, h.versionsSeen(i), "worker %d", i)
	}
}

// Scenario C: CAS loss. The proposer rebases nothing itself, but the
// pipeline catches up to the winning version.
func TestManager_UpdateVersionMismatchCatchesUp(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage).WithProposer(), harnessOpts{})

	// The store already holds v=9, but this manager believes v=7.
	h.seedStore(makeConfig(9), store.EmptyVersion)
	h.store.hideReads.Store(true)

	require.NoError(t, h.mgr.Init(makeConfig(7), true))
	require.EqualValues(t, 7, h.mgr.GetConfig().GetVersion())

	done := make(chan error, 1)
	var winning *nc.NodesConfiguration
	h.mgr.Update([]nc.Update{addNodeUpdate(2)}, func(err error, config *nc.NodesConfiguration) {
		winning = config
		done <- err
	})

	select {
	case err := <-done:
		var mismatch *store.VersionMismatchError
		require.ErrorAs(t, err, &mismatch)
		require.EqualValues(t, 9, mismatch.Version)
		require.EqualValues(t, 9, winning.GetVersion())
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for update callback")
	}

	// Without further calls the pipeline reaches the winning version.
	require.Eventually(t, func() bool {
		return h.mgr.GetConfig().GetVersion() == 9
	}, waitFor, 5*time.Millisecond)
}

// Scenario D: burst & skip. While v=8 is fanning out, v=9 and v=10 arrive;
// v=9 is never published to workers.
func TestManager_BurstCollapsesToLatest(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage), harnessOpts{})

	release := h.blockVersion(8)
	require.NoError(t, h.mgr.Init(makeConfig(8), false))

	// Wait until v=8 is pending (published to the hub) before delivering
	// the burst.
	require.Eventually(t, func() bool {
		return h.hub.Get().GetVersion() == 8
	}, waitFor, 5*time.Millisecond)

	h.store.deliver(h.blob(makeConfig(9)))
	h.store.deliver(h.blob(makeConfig(10)))

	// Both staged versions collapsed into v=10.
	require.Eventually(t, func() bool {
		return h.mgr.GetLatestKnownConfig().GetVersion() == 10
	}, waitFor, 5*time.Millisecond)

	release()

	require.Eventually(t, func() bool {
		return h.mgr.GetConfig().GetVersion() == 10
	}, waitFor, 5*time.Millisecond)

	for i := 0; i < h.pool.Size(); i++ {
		assert.Equal(t, []uint64{8, 10}, h.versionsSeen(i), "worker %d", i)
	}
}

// Scenario E: tooling overwrite.
func TestManager_OverwriteBypassesCAS(t *testing.T) {
	h := newHarness(t, ForTooling(), harnessOpts{})

	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	done := make(chan error, 1)
	h.mgr.Overwrite(makeConfig(42), func(err error, _ *nc.NodesConfiguration) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for overwrite callback")
	}

	require.Eventually(t, func() bool {
		return h.mgr.GetConfig().GetVersion() == 42
	}, waitFor, 5*time.Millisecond)
}

// Scenario F: intermediary timeout. A shard stuck in MIGRATING is forced
// out by the proposer after the configured age.
func TestManager_AdvancesTimedOutIntermediaryStates(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage).WithProposer(), harnessOpts{
		heartbeat:           20 * time.Millisecond,
		intermediaryTimeout: 50 * time.Millisecond,
	})

	stuck := makeConfig(5)
	stuck.Nodes[1].Shards[0] = nc.ShardAttributes{State: nc.StorageMigrating}
	h.seedStore(stuck, store.EmptyVersion)

	require.NoError(t, h.mgr.Init(stuck, true))

	require.Eventually(t, func() bool {
		config := h.mgr.GetConfig()
		if config.GetVersion() != 6 {
			return false
		}
		return config.GetNode(1).Shards[0].State == nc.StorageReadOnly
	}, waitFor, 10*time.Millisecond)
}

// Property 5: mode gating fails fast without contacting the store.
func TestManager_ModeGating(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage), harnessOpts{})
	require.NoError(t, h.mgr.Init(makeConfig(3), true))

	updateErr := make(chan error, 1)
	h.mgr.Update([]nc.Update{addNodeUpdate(2)}, func(err error, _ *nc.NodesConfiguration) {
		updateErr <- err
	})
	require.ErrorIs(t, <-updateErr, ErrAccess)

	overwriteErr := make(chan error, 1)
	h.mgr.Overwrite(makeConfig(99), func(err error, _ *nc.NodesConfiguration) {
		overwriteErr <- err
	})
	require.ErrorIs(t, <-overwriteErr, ErrAccess)

	assert.EqualValues(t, 0, h.store.casCalls.Load(), "store must not be contacted")
	assert.EqualValues(t, 3, h.mgr.GetConfig().GetVersion())
}

// Property 6 extension: proposer upgrade unlocks updates.
func TestManager_UpgradeToProposer(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage), harnessOpts{})
	h.seedStore(makeConfig(7), store.EmptyVersion)
	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	h.mgr.UpgradeToProposer()
	require.True(t, h.mgr.Mode().IsProposer())

	done := make(chan error, 1)
	h.mgr.Update([]nc.Update{addNodeUpdate(2)}, func(err error, _ *nc.NodesConfiguration) {
		done <- err
	})
	require.NoError(t, <-done)
}

// Property 7: idempotent re-delivery of the same serialized blob.
func TestManager_RedeliveryPublishesOnce(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage), harnessOpts{})
	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	blob := h.blob(makeConfig(7))
	for i := 0; i < 5; i++ {
		h.store.deliver(blob)
	}

	// Give the executor time to chew through the deliveries.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < h.pool.Size(); i++ {
		assert.Equal(t, []uint64{7}, h.versionsSeen(i), "worker %d", i)
	}
}

// Property 1: versions observed on any worker never decrease, even under a
// randomized burst of deliveries.
func TestManager_MonotonicPublish(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage), harnessOpts{})
	require.NoError(t, h.mgr.Init(makeConfig(1), true))

	for v := uint64(2); v <= 20; v++ {
		h.store.deliver(h.blob(makeConfig(v)))
	}

	require.Eventually(t, func() bool {
		return h.mgr.GetConfig().GetVersion() == 20
	}, waitFor, 5*time.Millisecond)

	for i := 0; i < h.pool.Size(); i++ {
		versions := h.versionsSeen(i)
		for j := 1; j < len(versions); j++ {
			require.Less(t, versions[j-1], versions[j],
				"worker %d observed non-increasing versions %v", i, versions)
		}
	}
}

// Shutdown refuses new work and is idempotent.
func TestManager_Shutdown(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage).WithProposer(), harnessOpts{})
	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	h.mgr.Shutdown()
	h.mgr.Shutdown() // Idempotent
	require.True(t, h.mgr.ShutdownSignaled())

	done := make(chan error, 1)
	h.mgr.Update([]nc.Update{addNodeUpdate(2)}, func(err error, _ *nc.NodesConfiguration) {
		done <- err
	})
	require.ErrorIs(t, <-done, ErrShutdown)
}

// Updates atop nothing start from the empty configuration.
func TestManager_UpdateFromEmpty(t *testing.T) {
	h := newHarness(t, ForTooling(), harnessOpts{})
	require.NoError(t, h.mgr.Init(nil, false))

	done := make(chan *nc.NodesConfiguration, 1)
	h.mgr.Update([]nc.Update{addNodeUpdate(1)}, func(err error, config *nc.NodesConfiguration) {
		require.NoError(t, err)
		done <- config
	})

	select {
	case config := <-done:
		require.EqualValues(t, 1, config.GetVersion())
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for update callback")
	}

	require.Eventually(t, func() bool {
		return h.mgr.GetConfig().GetVersion() == 1
	}, waitFor, 5*time.Millisecond)
}

// A rejected update in a batch fails the whole batch atomically.
func TestManager_UpdateBatchAtomicFailure(t *testing.T) {
	h := newHarness(t, ForRoles(nc.RoleStorage).WithProposer(), harnessOpts{})
	h.seedStore(makeConfig(7), store.EmptyVersion)
	require.NoError(t, h.mgr.Init(makeConfig(7), true))

	done := make(chan error, 1)
	h.mgr.Update([]nc.Update{
		addNodeUpdate(2),
		addNodeUpdate(2), // Duplicate: rejected
	}, func(err error, _ *nc.NodesConfiguration) {
		done <- err
	})

	require.ErrorIs(t, <-done, nc.ErrNodeExists)
	assert.EqualValues(t, 0, h.store.casCalls.Load(), "failed batch must not reach the store")
	assert.EqualValues(t, 7, h.mgr.GetLatestKnownConfig().GetVersion())
}
