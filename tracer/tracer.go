// Package tracer samples accepted configuration changes for offline
// debugging. Samples are structured log lines; heavyweight rendering
// (debug JSON) is deferred behind the sampling decision.
package tracer

import (
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/burrowlabs/burrow/id"
	"github.com/burrowlabs/burrow/nc"
)

// Source tags where a traced configuration change came from.
type Source string

const (
	SourceUpdate    Source = "ncm-update"
	SourceOverwrite Source = "ncm-overwrite"
)

// Sample describes one accepted configuration change.
type Sample struct {
	Source    Source
	Published *nc.NodesConfiguration
	// UpdateGen lazily renders the change; only invoked when the sample
	// is selected.
	UpdateGen func() string
}

// Tracer probabilistically records samples. Safe for concurrent use.
type Tracer struct {
	rate float64
	ids  id.Generator

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a tracer sampling the given fraction of changes in [0, 1].
func New(rate float64, ids id.Generator, seed int64) *Tracer {
	return &Tracer{
		rate: rate,
		ids:  ids,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Trace records the sample if selected.
func (t *Tracer) Trace(sample Sample) {
	if t == nil || t.rate <= 0 {
		return
	}

	t.mu.Lock()
	selected := t.rng.Float64() < t.rate
	t.mu.Unlock()
	if !selected {
		return
	}

	var change string
	if sample.UpdateGen != nil {
		change = sample.UpdateGen()
	}

	log.Info().
		Uint64("sample_id", t.ids.NextID()).
		Str("source", string(sample.Source)).
		Uint64("version", sample.Published.GetVersion()).
		Str("change", change).
		Msg("Configuration change sample")
}
