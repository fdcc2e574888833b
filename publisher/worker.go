package publisher

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/notify"
	"github.com/burrowlabs/burrow/telemetry"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 100
)

// WorkerConfig configures the config-change publisher worker
type WorkerConfig struct {
	Name            string        // Sink name (for logging/metrics)
	Hub             *notify.Hub   // Source of published configurations
	Sink            Sink          // Destination sink
	Filter          Filter        // Event filter
	Topic           string        // Destination topic
	NodeID          uint64        // Publishing node
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts (0 = default)
}

// Worker forwards each published configuration to a sink as a change event.
// Events are best-effort: if the subscriber buffer overflows, intermediate
// versions are skipped, matching the manager's own collapse semantics.
type Worker struct {
	config      WorkerConfig
	lastVersion uint64

	cancel      func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a publisher worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.Topic == "" {
		config.Topic = "burrow.nc"
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{config: config}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	configs, cancel := w.config.Hub.Subscribe(notify.Filter{})
	w.cancel = cancel

	log.Info().
		Str("worker", w.config.Name).
		Str("topic", w.config.Topic).
		Msg("Starting configuration publisher worker")

	go w.loop(configs)
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	w.cancel()
	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Configuration publisher worker stopped")
}

func (w *Worker) loop(configs <-chan *nc.NodesConfiguration) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case config, ok := <-configs:
			if !ok {
				return
			}
			if err := w.processConfig(config); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("version", config.GetVersion()).
					Msg("Failed to publish configuration change event")
			}
		}
	}
}

func (w *Worker) processConfig(config *nc.NodesConfiguration) error {
	version := config.GetVersion()
	if version <= w.lastVersion {
		return nil
	}

	if !w.config.Filter.Match(config.ClusterName) {
		w.lastVersion = version
		return nil
	}

	event := Event{
		Version:     version,
		PrevVersion: w.lastVersion,
		ClusterName: config.ClusterName,
		NodeID:      w.config.NodeID,
		TotalNodes:  len(config.Nodes),
		PublishedAt: time.Now().UnixMilli(),
	}

	data, err := msgpack.Marshal(&event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := strconv.FormatUint(version, 10)
	if err := w.publishWithRetry(w.config.Topic, key, data); err != nil {
		telemetry.PublisherEventsTotal.With(w.config.Name, "error").Inc()
		return err
	}

	telemetry.PublisherEventsTotal.With(w.config.Name, "ok").Inc()
	w.lastVersion = version
	return nil
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns error if max retries exhausted or worker stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		// Sleep with stop check
		select {
		case <-w.stopCh:
			return fmt.Errorf("worker stopped during retry")
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}
