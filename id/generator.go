package id

import "github.com/burrowlabs/burrow/hlc"

// Generator provides unique IDs for trace samples and requests.
// IDs are unique across nodes and roughly time-ordered.
type Generator interface {
	NextID() uint64
}

// Bit allocation (64 bits total): 42 bits wall-clock milliseconds,
// 6 bits node ID, 16 bits logical counter.
const (
	logicalBits = 16
	nodeIDBits  = 6

	logicalMask = (1 << logicalBits) - 1
	nodeIDMask  = (1 << nodeIDBits) - 1
)

// HLCGenerator generates unique IDs using the Hybrid Logical Clock.
// Thread-safe via HLC's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new ID generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit ID.
// Format: (physical_ms << 22) | (node_id << 16) | (logical & 0xffff)
func (g *HLCGenerator) NextID() uint64 {
	ts := g.clock.Now()
	physicalMS := uint64(ts.WallTime / 1_000_000)
	nodeID := ts.NodeID & nodeIDMask
	logical := uint64(ts.Logical) & logicalMask
	return (physicalMS << (logicalBits + nodeIDBits)) | (nodeID << logicalBits) | logical
}
