package publisher

import (
	"fmt"
	"sync"

	"github.com/burrowlabs/burrow/cfg"
)

// SinkFactory builds a sink from its configuration section.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	sinkRegistryMu sync.RWMutex
	sinkRegistry   = map[string]SinkFactory{}
)

// RegisterSink registers a sink factory under a type name. Called from sink
// package init functions.
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkRegistryMu.Lock()
	defer sinkRegistryMu.Unlock()
	sinkRegistry[sinkType] = factory
}

// NewSink builds a sink from configuration.
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	sinkRegistryMu.RLock()
	factory, ok := sinkRegistry[config.Type]
	sinkRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}
