package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/burrowlabs/burrow/admin"
	"github.com/burrowlabs/burrow/cfg"
	"github.com/burrowlabs/burrow/cluster"
	"github.com/burrowlabs/burrow/codec"
	"github.com/burrowlabs/burrow/exec"
	"github.com/burrowlabs/burrow/hlc"
	"github.com/burrowlabs/burrow/id"
	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/ncm"
	"github.com/burrowlabs/burrow/notify"
	"github.com/burrowlabs/burrow/publisher"
	_ "github.com/burrowlabs/burrow/publisher/sink"
	"github.com/burrowlabs/burrow/store"
	"github.com/burrowlabs/burrow/telemetry"
	"github.com/burrowlabs/burrow/tracer"
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Burrow - Nodes Configuration Manager")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	clock := hlc.NewClock(cfg.Config.NodeID)
	blobCodec := codec.New()

	// Open the nodes configuration store
	ncs, err := buildStore(blobCodec)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open nodes configuration store")
		return
	}
	defer ncs.Close()

	// Execution contexts
	executor := exec.NewSerialExecutor("ncm", 4*cfg.Config.Workers.QueueDepth)
	executor.Start()
	defer executor.Stop()

	pool := exec.NewPool(cfg.Config.Workers.PoolSize, cfg.Config.Workers.QueueDepth)
	pool.Start()
	defer pool.Stop()

	hub := notify.NewHub()
	trc := tracer.New(
		cfg.Config.Manager.TracerSampleRate,
		id.NewHLCGenerator(clock),
		int64(cfg.Config.NodeID),
	)

	mode := operationMode()
	log.Info().Str("mode", mode.String()).Msg("Resolved operation mode")

	manager, err := ncm.NewManager(mode, ncm.Dependencies{
		Store:    ncs,
		Codec:    blobCodec,
		Executor: executor,
		Pool:     pool,
		Hub:      hub,
		Tracer:   trc,
		Clock:    clock,
		Settings: ncm.Settings{
			HeartbeatInterval:   time.Duration(cfg.Config.Manager.HeartbeatIntervalMS) * time.Millisecond,
			IntermediaryTimeout: time.Duration(cfg.Config.Manager.IntermediaryTimeoutSeconds) * time.Second,
			Server:              !cfg.Config.Node.Client && !cfg.Config.Node.Tooling,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create configuration manager")
		return
	}

	// Load the initial configuration synchronously so the manager starts
	// from the store's current view instead of waiting a heartbeat.
	initial := loadInitialConfig(ncs, blobCodec, mode)

	// Storage members block until the first publish: local storage code
	// must never observe a missing configuration.
	wait := mode.IsStorageMember()
	if err := manager.Init(initial, wait); err != nil {
		log.Fatal().Err(err).Msg("Configuration manager failed to initialize")
		return
	}
	defer manager.Shutdown()

	if cfg.Config.Manager.AutoUpgradeProposer && !mode.IsProposer() && !mode.IsClientOnly() {
		go watchForProposerUpgrade(manager, hub)
	}

	// Admin HTTP server
	var adminSrv *admin.Server
	if cfg.Config.Admin.Enabled {
		view := cluster.NewView(hub)
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		adminSrv = admin.NewServer(addr, manager, view, blobCodec)
		if err := adminSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer adminSrv.Stop()
	}

	// Config-change event publishers
	workers := startPublishers(hub)
	defer func() {
		for _, w := range workers {
			w.Stop()
		}
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("store", string(cfg.Config.Store.Type)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Burrow is operational")

	// Wait for termination
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func buildStore(blobCodec *codec.Codec) (store.Store, error) {
	extract := blobCodec.ExtractVersion

	switch cfg.Config.Store.Type {
	case cfg.StoreMemory:
		return store.NewMemoryStore(extract), nil
	case cfg.StorePebble:
		path := filepath.Join(cfg.Config.DataDir, "nc.pebble")
		return store.NewPebbleStore(path, extract)
	case cfg.StoreNats:
		return store.NewNatsStore(cfg.Config.Store.NatsURL, cfg.Config.Store.NatsBucket, extract)
	}
	return nil, fmt.Errorf("unsupported store type: %s", cfg.Config.Store.Type)
}

func operationMode() ncm.OperationMode {
	var mode ncm.OperationMode
	if cfg.Config.Node.Client {
		mode |= ncm.ForClient()
	}
	if cfg.Config.Node.Tooling {
		mode |= ncm.ForTooling()
	}
	if len(cfg.Config.Node.Roles) > 0 {
		mode |= ncm.ForRoles(nc.RolesFromStrings(cfg.Config.Node.Roles))
	}
	return mode
}

func loadInitialConfig(ncs store.Store, blobCodec *codec.Codec, mode ncm.OperationMode) *nc.NodesConfiguration {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Storage members need a consistent first read; see
	// Manager.shouldDoConsistentFetch.
	version, blob, err := ncs.GetConfig(ctx, mode.IsStorageMember())
	if err != nil {
		log.Warn().Err(err).Msg("Initial store read failed, starting from the subscription path")
		return nil
	}
	if blob == nil {
		log.Info().Msg("Store holds no configuration yet")
		return nil
	}

	config, err := blobCodec.Deserialize(blob)
	if err != nil {
		log.Error().Err(err).Uint64("version", version).Msg("Initial configuration blob undecodable")
		return nil
	}
	log.Info().Uint64("version", config.Version).Msg("Loaded initial nodes configuration")
	return config
}

// watchForProposerUpgrade upgrades a server process to proposer once it sees
// itself with at least one shard out of NONE in the published membership.
func watchForProposerUpgrade(manager *ncm.Manager, hub *notify.Hub) {
	configs, cancel := hub.Subscribe(notify.Filter{})
	defer cancel()

	for config := range configs {
		if manager.ShutdownSignaled() {
			return
		}
		self := config.GetNode(cfg.Config.NodeID)
		if self == nil {
			continue
		}
		for _, attrs := range self.Shards {
			if attrs.State != nc.StorageNone {
				manager.UpgradeToProposer()
				log.Info().Msg("Upgraded to proposer")
				return
			}
		}
	}
}

func startPublishers(hub *notify.Hub) []*publisher.Worker {
	if !cfg.Config.Publisher.Enabled {
		return nil
	}

	var workers []*publisher.Worker
	for i, sinkCfg := range cfg.Config.Publisher.Sinks {
		snk, err := publisher.NewSink(sinkCfg)
		if err != nil {
			log.Error().Err(err).Int("sink", i).Msg("Failed to build sink")
			continue
		}

		filter, err := publisher.NewGlobFilter(sinkCfg.SourceFilters)
		if err != nil {
			log.Error().Err(err).Int("sink", i).Msg("Invalid sink filter")
			continue
		}

		worker, err := publisher.NewWorker(publisher.WorkerConfig{
			Name:   fmt.Sprintf("%s-%d", sinkCfg.Type, i),
			Hub:    hub,
			Sink:   snk,
			Filter: filter,
			Topic:  sinkCfg.Topic,
			NodeID: cfg.Config.NodeID,
		})
		if err != nil {
			log.Error().Err(err).Int("sink", i).Msg("Failed to build publisher worker")
			continue
		}

		worker.Start()
		workers = append(workers, worker)
	}
	return workers
}
