// Package ncm implements the Nodes Configuration Manager: the per-process
// agent that observes the latest nodes configuration in the shared store,
// proposes updates via compare-and-swap when locally authorized, and
// publishes accepted versions to every worker so the whole process observes
// configurations in strictly non-decreasing version order.
//
// All state machine transitions run on a single serial executor (the "NCM
// thread"). The staged and pending slots are written there only; the local
// slot is an atomic pointer readable from any thread.
package ncm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/burrowlabs/burrow/exec"
	"github.com/burrowlabs/burrow/hlc"
	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/store"
	"github.com/burrowlabs/burrow/telemetry"
	"github.com/burrowlabs/burrow/tracer"
)

const (
	initTimeout  = 10 * time.Second
	storeTimeout = 10 * time.Second
)

// CompletionFn receives the outcome of an update or overwrite. On success
// the accepted configuration is passed; on a lost CAS the winning
// configuration is passed alongside the *store.VersionMismatchError so the
// caller can rebase and retry. Invoked on an unspecified goroutine.
type CompletionFn func(err error, config *nc.NodesConfiguration)

// Manager is the per-process nodes configuration manager.
type Manager struct {
	deps Dependencies
	mode atomic.Uint32

	// Pipeline slots. Written only on the serial executor.
	staged  atomic.Pointer[nc.NodesConfiguration]
	pending atomic.Pointer[nc.NodesConfiguration]
	local   atomic.Pointer[nc.NodesConfiguration]

	// Executor-owned state.
	tracker    *ShardStateTracker
	receivedAt map[uint64]time.Time // staging time per version, for propagation latency

	shutdownFlag atomic.Bool
	initOnce     sync.Once
	shutdownOnce sync.Once
	initialized  *latch
	shutdownDone *latch

	heartbeatStop    chan struct{}
	heartbeatDone    chan struct{}
	heartbeatStarted bool
	cancelSub        func()

	advanceErrGate *rateGate
	staleGate      *rateGate
}

// NewManager creates a manager in the given operation mode.
func NewManager(mode OperationMode, deps Dependencies) (*Manager, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: operation mode %s", ErrInvalidParam, mode)
	}
	if deps.Store == nil || deps.Codec == nil || deps.Executor == nil ||
		deps.Pool == nil || deps.Hub == nil || deps.Clock == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidParam)
	}

	m := &Manager{
		deps:           deps,
		tracker:        NewShardStateTracker(),
		receivedAt:     map[uint64]time.Time{},
		initialized:    newLatch(),
		shutdownDone:   newLatch(),
		heartbeatStop:  make(chan struct{}),
		heartbeatDone:  make(chan struct{}),
		advanceErrGate: newRateGate(10 * time.Second),
		staleGate:      newRateGate(time.Minute),
	}
	m.mode.Store(uint32(mode))
	return m, nil
}

// Mode returns the current operation mode.
func (m *Manager) Mode() OperationMode {
	return OperationMode(m.mode.Load())
}

// UpgradeToProposer grants the proposer capability. Storage nodes call this
// once they see themselves as enabled in the published membership.
func (m *Manager) UpgradeToProposer() {
	m.mode.Or(uint32(ModeProposer))
}

// ShutdownSignaled reports whether Shutdown has been called.
func (m *Manager) ShutdownSignaled() bool {
	return m.shutdownFlag.Load()
}

// GetConfig returns the last fully-published configuration, or nil before
// the first publish. Lock-free; callable from any thread.
func (m *Manager) GetConfig() *nc.NodesConfiguration {
	return m.local.Load()
}

// GetLatestKnownConfig returns the highest-version configuration known to
// the manager across the local, pending, and staged slots. Returns an empty
// configuration when all are absent.
func (m *Manager) GetLatestKnownConfig() *nc.NodesConfiguration {
	c := maxConfig(m.local.Load(), m.pending.Load())
	c = maxConfig(c, m.staged.Load())
	if c == nil {
		c = nc.NewEmpty()
	}
	return c
}

func maxConfig(a, b *nc.NodesConfiguration) *nc.NodesConfiguration {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.Version > a.Version {
		return b
	}
	return a
}

//////// Lifecycle ////////

// Init hands the manager its initial configuration (typically loaded
// synchronously from the store) and starts the heartbeat and store
// subscription. With wait set, blocks until the first configuration has been
// published to every worker, up to 10s. Must not be called from a worker
// goroutine when waiting: the latch only opens after fan-out completes on
// every worker.
func (m *Manager) Init(initial *nc.NodesConfiguration, wait bool) error {
	if m.ShutdownSignaled() {
		return nil
	}

	m.initOnce.Do(func() {
		m.cancelSub = m.deps.Store.Subscribe(func(blob []byte) {
			if m.ShutdownSignaled() {
				return
			}
			_ = m.deps.Executor.Post(func() { m.onNewConfigBlob(blob) })
		})

		m.heartbeatStarted = true
		go m.heartbeatLoop()

		_ = m.deps.Executor.Post(func() { m.initOnNCM(initial) })
	})

	if wait {
		if !m.initialized.waitTimeout(initTimeout) {
			return ErrInitTimeout
		}
	}
	return nil
}

// Shutdown signals shutdown, drains the dependency layer, and waits until
// the posted shutdown request has executed so no transition is in flight.
// Idempotent.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.shutdownFlag.Store(true)
		log.Info().Msg("Configuration manager shutting down")

		if m.cancelSub != nil {
			m.cancelSub()
		}
		if m.heartbeatStarted {
			close(m.heartbeatStop)
			<-m.heartbeatDone
		}

		// Unblock anyone still waiting in Init.
		m.initialized.signal()

		if err := m.deps.Executor.Post(func() { m.shutdownDone.signal() }); err != nil {
			m.shutdownDone.signal()
		}
	})
	m.shutdownDone.wait()
}

func (m *Manager) initOnNCM(initial *nc.NodesConfiguration) {
	m.onHeartBeat()
	telemetry.ManagerStarted.Set(1)

	if initial != nil {
		m.receivedAt[initial.Version] = time.Now()
		m.onNewConfig(initial)
	}
}

//////// Heartbeat ////////

func (m *Manager) heartbeatLoop() {
	defer close(m.heartbeatDone)

	ticker := time.NewTicker(m.deps.Settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.heartbeatStop:
			return
		case <-ticker.C:
			_ = m.deps.Executor.Post(m.onHeartBeat)
		}
	}
}

// onHeartBeat polls the store, drives tracker timeouts, and on server
// processes reports when the local view lags the store.
func (m *Manager) onHeartBeat() {
	if m.ShutdownSignaled() {
		return
	}
	m.readFromStore()
	m.advanceIntermediaryShardStates()
}

// shouldDoConsistentFetch: consistent reads are only required at startup on
// storage members, which must not publish a stale view to local storage
// code.
func (m *Manager) shouldDoConsistentFetch() bool {
	return m.Mode().IsStorageMember() && m.GetConfig() == nil
}

func (m *Manager) readFromStore() {
	consistent := m.shouldDoConsistentFetch()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		start := time.Now()
		version, blob, err := m.deps.Store.GetConfig(ctx, consistent)
		telemetry.StoreOpSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			telemetry.StoreReadsTotal.With("error").Inc()
			log.Warn().Err(err).Msg("Failed to read nodes configuration from store")
			return
		}
		telemetry.StoreReadsTotal.With("ok").Inc()

		if m.deps.Settings.Server {
			m.checkAndReportConsistency(version)
		}

		if blob == nil || m.ShutdownSignaled() {
			return
		}
		_ = m.deps.Executor.Post(func() { m.onNewConfigBlob(blob) })
	}()
}

func (m *Manager) checkAndReportConsistency(storeVersion uint64) {
	localVersion := m.GetConfig().GetVersion()
	if storeVersion > localVersion && localVersion > nc.EmptyVersion && m.staleGate.allow() {
		log.Warn().
			Uint64("local_version", localVersion).
			Uint64("store_version", storeVersion).
			Msg("Local nodes configuration lags the store")
	}
}

//////// Pipeline ////////

// onNewConfigBlob ingests a serialized blob from the store path.
// Runs on the serial executor.
func (m *Manager) onNewConfigBlob(blob []byte) {
	telemetry.ConfigReceived.Inc()
	if m.ShutdownSignaled() {
		return
	}

	version, err := m.deps.Codec.ExtractVersion(blob)
	if err != nil {
		telemetry.SerializationErrors.Inc()
		log.Error().Err(err).Msg("Dropping configuration blob with malformed header")
		return
	}
	if m.hasProcessedVersion(version) {
		// Early return to avoid deserialization
		return
	}

	config, err := m.deps.Codec.Deserialize(blob)
	if err != nil {
		telemetry.SerializationErrors.Inc()
		log.Error().Err(err).Uint64("version", version).
			Msg("Dropping undecodable configuration blob")
		return
	}

	if _, ok := m.receivedAt[version]; !ok {
		m.receivedAt[version] = time.Now()
	}
	m.onNewConfig(config)
}

// onNewConfig stages a decoded configuration. Runs on the serial executor.
func (m *Manager) onNewConfig(config *nc.NodesConfiguration) {
	if m.ShutdownSignaled() {
		return
	}

	version := config.GetVersion()
	if !m.shouldStageVersion(version) {
		return
	}
	log.Debug().Uint64("version", version).Msg("Staging nodes configuration")
	m.staged.Store(config)

	m.tracker.OnNewConfig(config, m.deps.Clock.Now())
	m.advanceIntermediaryShardStates()

	telemetry.StagedVersion.Set(float64(version))
	m.maybeProcessStaged()
}

func (m *Manager) shouldStageVersion(version uint64) bool {
	staged := m.staged.Load()
	return (staged == nil || staged.Version < version) &&
		!m.isProcessingEqualOrHigherVersion(version) &&
		!m.hasProcessedVersion(version)
}

func (m *Manager) isProcessingEqualOrHigherVersion(version uint64) bool {
	pending := m.pending.Load()
	return pending != nil && pending.Version >= version
}

func (m *Manager) hasProcessedVersion(version uint64) bool {
	local := m.local.Load()
	return local != nil && local.Version >= version
}

// maybeProcessStaged moves the staged configuration into the pending slot
// and fans it out. At most one configuration is in flight at a time; if
// newer versions arrive meanwhile they collapse into the staged slot and
// only the highest survives. Runs on the serial executor.
func (m *Manager) maybeProcessStaged() {
	staged := m.staged.Load()
	if staged == nil || m.pending.Load() != nil {
		return
	}
	log.Debug().Uint64("version", staged.Version).Msg("Processing staged nodes configuration")

	m.pending.Store(staged)
	m.staged.Store(nil)
	telemetry.PendingVersion.Set(float64(staged.Version))

	// Publish to the process-wide slot for non-worker consumers.
	m.deps.Hub.Publish(staged)

	target := staged
	fut := m.deps.Pool.FulfillOnAll(func(w *exec.Worker) {
		log.Debug().
			Uint64("version", target.Version).
			Int("worker", w.Idx()).
			Msg("Applying configuration on worker")
		w.SetConfig(target)
		if hook := m.deps.Pool.OnConfigUpdated; hook != nil {
			hook(w)
		}
	})

	go func() {
		// Completes on the last finished worker. A stuck worker blocks
		// progress; acceptable, since no future configuration could be
		// delivered to any worker until this one finishes anyway.
		if _, err := fut.Get(); err != nil {
			// Workers never fail to accept a new configuration.
			log.Panic().Err(err).Msg("Configuration fan-out failed")
		}
		if m.ShutdownSignaled() {
			return
		}
		_ = m.deps.Executor.Post(func() { m.onProcessingFinished(target) })
	}()
}

// onProcessingFinished finalizes a fully fanned-out configuration.
// Runs on the serial executor.
func (m *Manager) onProcessingFinished(config *nc.NodesConfiguration) {
	version := config.GetVersion()
	pending := m.pending.Load()
	if pending == nil || pending.Version != version || m.hasProcessedVersion(version) {
		log.Panic().
			Uint64("version", version).
			Uint64("pending_version", pending.GetVersion()).
			Uint64("local_version", m.local.Load().GetVersion()).
			Msg("Pipeline slots corrupted on processing finish")
	}

	// Only the serial executor updates the local slot.
	m.local.Store(pending)
	m.pending.Store(nil)
	m.initialized.signal()

	log.Info().Uint64("version", version).Msg("Updated local nodes configuration")
	telemetry.ConfigPublished.Inc()
	telemetry.PublishedVersion.Set(float64(version))
	if receivedAt, ok := m.receivedAt[version]; ok {
		telemetry.PropagationLatencySeconds.Observe(time.Since(receivedAt).Seconds())
	}
	for v := range m.receivedAt {
		if v <= version {
			delete(m.receivedAt, v)
		}
	}

	m.maybeProcessStaged()
}

//////// Proposer ////////

// UpdateOne proposes a single update. See Update.
func (m *Manager) UpdateOne(update nc.Update, cb CompletionFn) {
	m.Update([]nc.Update{update}, cb)
}

// Update proposes a batch of updates applied atop the latest known
// configuration and written to the store via compare-and-swap. Requires the
// proposer capability. The callback receives the accepted configuration, or
// the winning one alongside a *store.VersionMismatchError when the CAS is
// lost. Lost CAS and transient failures are not retried automatically.
func (m *Manager) Update(updates []nc.Update, cb CompletionFn) {
	cb = nonNil(cb)
	if m.ShutdownSignaled() {
		cb(ErrShutdown, nil)
		return
	}
	if !m.Mode().IsProposer() {
		cb(ErrAccess, nil)
		return
	}
	telemetry.UpdatesRequested.Inc()

	wrapped := m.wrapWithTrace(tracer.SourceUpdate, updatesString(updates), cb)
	if err := m.deps.Executor.Post(func() { m.onUpdateRequest(updates, wrapped) }); err != nil {
		cb(ErrShutdown, nil)
	}
}

// onUpdateRequest applies the batch atop the latest known configuration and
// issues the CAS. Runs on the serial executor; the store round-trip happens
// on a detached goroutine so the pipeline keeps moving.
func (m *Manager) onUpdateRequest(updates []nc.Update, cb CompletionFn) {
	if !m.Mode().IsProposer() {
		cb(ErrAccess, nil)
		return
	}

	base := m.GetLatestKnownConfig()
	baseVersion := base.GetVersion()

	newConfig, err := base.ApplyUpdates(updates)
	if err != nil {
		cb(err, nil)
		return
	}
	// ApplyUpdate bumps the version each step; normalize so the externally
	// visible jump is exactly +1 per CAS.
	newConfig = newConfig.WithVersion(baseVersion + 1)

	blob, err := m.deps.Codec.Serialize(newConfig)
	if err != nil {
		telemetry.SerializationErrors.Inc()
		cb(err, nil)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		start := time.Now()
		storedVersion, err := m.deps.Store.UpdateConfig(ctx, blob, baseVersion)
		telemetry.StoreOpSeconds.Observe(time.Since(start).Seconds())

		var mismatch *store.VersionMismatchError
		if errors.As(err, &mismatch) {
			telemetry.StoreCASTotal.With("mismatch").Inc()
			// If the store told us which config won, feed it back into the
			// pipeline so this manager catches up without waiting for the
			// next heartbeat.
			if mismatch.Version > store.EmptyVersion && len(mismatch.Blob) > 0 {
				stored, derr := m.deps.Codec.Deserialize(mismatch.Blob)
				if derr != nil {
					telemetry.SerializationErrors.Inc()
					log.Error().Err(derr).Msg("Undecodable winning blob on CAS mismatch")
					cb(err, nil)
					return
				}
				if stored.Version != mismatch.Version || stored.Version <= newConfig.Version {
					log.Panic().
						Uint64("stored_version", stored.Version).
						Uint64("reported_version", mismatch.Version).
						Uint64("proposed_version", newConfig.Version).
						Msg("Store reported inconsistent winning version")
				}
				m.notifyNewConfig(stored)
				cb(err, stored)
				return
			}
			cb(err, nil)
			return
		}
		if err != nil {
			telemetry.StoreCASTotal.With("error").Inc()
			cb(err, nil)
			return
		}
		telemetry.StoreCASTotal.With("ok").Inc()

		if storedVersion != newConfig.Version {
			log.Panic().
				Uint64("stored_version", storedVersion).
				Uint64("proposed_version", newConfig.Version).
				Msg("Store acknowledged CAS with unexpected version")
		}
		m.notifyNewConfig(newConfig)
		cb(nil, newConfig)
	}()
}

// Overwrite writes the given configuration unconditionally, bypassing
// ApplyUpdate and the base-version check. Tooling only; meant for disaster
// recovery.
func (m *Manager) Overwrite(config *nc.NodesConfiguration, cb CompletionFn) {
	cb = nonNil(cb)
	if m.ShutdownSignaled() {
		cb(ErrShutdown, nil)
		return
	}
	if !m.Mode().IsTooling() {
		cb(ErrAccess, nil)
		return
	}
	if config == nil {
		cb(ErrInvalidParam, nil)
		return
	}
	telemetry.OverwritesRequested.Inc()

	wrapped := m.wrapWithTrace(tracer.SourceOverwrite, "", cb)

	blob, err := m.deps.Codec.Serialize(config)
	if err != nil {
		telemetry.SerializationErrors.Inc()
		wrapped(err, nil)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		storedVersion, err := m.deps.Store.Overwrite(ctx, blob)
		if err != nil {
			wrapped(err, nil)
			return
		}
		if storedVersion != config.Version {
			log.Panic().
				Uint64("stored_version", storedVersion).
				Uint64("written_version", config.Version).
				Msg("Store acknowledged overwrite with unexpected version")
		}
		m.notifyNewConfig(config)
		wrapped(nil, config)
	}()
}

// notifyNewConfig re-posts a store-accepted configuration into the pipeline.
// Called from store callback goroutines; checks shutdown before touching the
// executor so late callbacks after Shutdown are harmless.
func (m *Manager) notifyNewConfig(config *nc.NodesConfiguration) {
	if m.ShutdownSignaled() {
		return
	}
	log.Debug().Uint64("version", config.GetVersion()).
		Msg("Store accepted new nodes configuration")
	_ = m.deps.Executor.Post(func() { m.onNewConfig(config) })
}

//////// Intermediary shard state advancement ////////

// advanceIntermediaryShardStates proposes transitions out of intermediary
// states for shards stuck longer than the configured timeout. Failures are
// swallowed (rate-limited log plus a telemetry event): the next heartbeat
// retries. Runs on the serial executor.
func (m *Manager) advanceIntermediaryShardStates() {
	if !m.Mode().IsProposer() || m.ShutdownSignaled() {
		return
	}

	till := hlc.FromTime(time.Now().Add(-m.deps.Settings.IntermediaryTimeout))
	updates := m.tracker.ExtractNCUpdate(till)
	if len(updates) == 0 {
		return
	}

	log.Info().
		Int("shards", len(updates)).
		Str("till", till.String()).
		Msg("Proposing transitions out of timed-out intermediary shard states")

	m.Update(updates, func(err error, _ *nc.NodesConfiguration) {
		var mismatch *store.VersionMismatchError
		if err == nil || errors.As(err, &mismatch) {
			return
		}

		if m.advanceErrGate.allow() {
			log.Error().Err(err).
				Msg("Attempt to advance intermediary shard states failed")
		}
		if m.ShutdownSignaled() {
			return
		}
		telemetry.AdvanceShardStatesFailures.Inc()
	})
}

//////// Helpers ////////

func (m *Manager) wrapWithTrace(source tracer.Source, change string, cb CompletionFn) CompletionFn {
	return func(err error, config *nc.NodesConfiguration) {
		defer cb(err, config)

		// Only trace successful changes, and not during shutdown.
		if err != nil || m.ShutdownSignaled() || m.deps.Tracer == nil {
			return
		}
		published := config
		m.deps.Tracer.Trace(tracer.Sample{
			Source:    source,
			Published: published,
			UpdateGen: func() string {
				if change != "" {
					return change
				}
				return m.deps.Codec.DebugJSON(published)
			},
		})
	}
}

func nonNil(cb CompletionFn) CompletionFn {
	if cb == nil {
		return func(error, *nc.NodesConfiguration) {}
	}
	return cb
}

func updatesString(updates []nc.Update) string {
	parts := make([]string, len(updates))
	for i, u := range updates {
		parts[i] = u.String()
	}
	return strings.Join(parts, ", ")
}
