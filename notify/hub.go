package notify

import (
	"sync"
	"sync/atomic"

	"github.com/burrowlabs/burrow/nc"
)

// defaultSignalBufferSize is the buffer size for subscriber channels.
// Configuration publishes are rare, but a subscriber that stops draining
// must not block the pipeline (non-blocking send).
const defaultSignalBufferSize = 8

// Filter restricts which published configurations a subscriber sees.
type Filter struct {
	// MinVersion drops configurations at or below this version.
	MinVersion uint64
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan *nc.NodesConfiguration
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is the process-wide updateable configuration slot. The manager
// publishes every pending configuration here before worker fan-out so
// non-worker consumers (admin, publisher, storage glue) observe it without
// going through the pool. Thread-safe.
type Hub struct {
	current atomic.Pointer[nc.NodesConfiguration]

	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Get returns the most recently published configuration, or nil.
func (h *Hub) Get() *nc.NodesConfiguration {
	return h.current.Load()
}

// Publish installs a configuration and signals all matching subscribers
// (non-blocking).
func (h *Hub) Publish(config *nc.NodesConfiguration) {
	h.current.Store(config)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if config.GetVersion() <= sub.filter.MinVersion {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- config:
		default:
			// Subscriber can re-read the slot; dropping is safe.
		}
	}
}

// Subscribe creates a new subscription and returns the channel and cancel
// function. The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan *nc.NodesConfiguration, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan *nc.NodesConfiguration, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
