// Package nc defines the Nodes Configuration: the cluster-wide, monotonically
// versioned document describing every node's identity, roles, and per-shard
// membership state. Values are immutable once built; every mutation goes
// through ApplyUpdate which returns a new copy with the version bumped.
package nc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/burrowlabs/burrow/hlc"
)

// EmptyVersion marks a configuration that has never been written.
const EmptyVersion uint64 = 0

var (
	ErrNodeExists        = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrShardNotFound     = errors.New("shard not found")
	ErrInvalidTransition = errors.New("invalid shard state transition")
	ErrInvalidUpdate     = errors.New("invalid update")
)

// RoleSet is a bitset of node roles.
type RoleSet uint8

const (
	RoleStorage RoleSet = 1 << iota
	RoleSequencer
)

// Has reports whether the set contains all given roles.
func (r RoleSet) Has(roles RoleSet) bool {
	return r&roles == roles
}

// RolesFromStrings builds a RoleSet from config role names.
// Unknown names are ignored; cfg.Validate rejects them upstream.
func RolesFromStrings(names []string) RoleSet {
	var roles RoleSet
	for _, name := range names {
		switch name {
		case "storage":
			roles |= RoleStorage
		case "sequencer":
			roles |= RoleSequencer
		}
	}
	return roles
}

// StorageState is the membership state of a single shard.
type StorageState uint8

const (
	StorageNone StorageState = iota
	StorageProvisioning              // intermediary: none -> read-only
	StorageReadOnly
	StorageEnabling // intermediary: read-only -> read-write
	StorageReadWrite
	StorageMigrating // intermediary: read-write -> read-only
	StorageDisabling // intermediary: read-only -> none
)

// IsIntermediary reports whether the state is transient and expected to be
// left within a bounded time.
func (s StorageState) IsIntermediary() bool {
	switch s {
	case StorageProvisioning, StorageEnabling, StorageMigrating, StorageDisabling:
		return true
	}
	return false
}

// Target returns the state an intermediary state resolves to.
// Returns the state itself for non-intermediary states.
func (s StorageState) Target() StorageState {
	switch s {
	case StorageProvisioning:
		return StorageReadOnly
	case StorageEnabling:
		return StorageReadWrite
	case StorageMigrating:
		return StorageReadOnly
	case StorageDisabling:
		return StorageNone
	}
	return s
}

func (s StorageState) String() string {
	switch s {
	case StorageNone:
		return "NONE"
	case StorageProvisioning:
		return "PROVISIONING"
	case StorageReadOnly:
		return "READ_ONLY"
	case StorageEnabling:
		return "ENABLING"
	case StorageReadWrite:
		return "READ_WRITE"
	case StorageMigrating:
		return "MIGRATING"
	case StorageDisabling:
		return "DISABLING"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// validTransitions maps each state to the states it may move to.
var validTransitions = map[StorageState][]StorageState{
	StorageNone:         {StorageProvisioning},
	StorageProvisioning: {StorageReadOnly, StorageNone},
	StorageReadOnly:     {StorageEnabling, StorageDisabling},
	StorageEnabling:     {StorageReadWrite, StorageReadOnly},
	StorageReadWrite:    {StorageMigrating},
	StorageMigrating:    {StorageReadOnly},
	StorageDisabling:    {StorageNone, StorageReadOnly},
}

func canTransition(from, to StorageState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ShardID identifies a shard on a node.
type ShardID struct {
	Node  uint64 `msgpack:"n"`
	Shard uint32 `msgpack:"s"`
}

func (s ShardID) String() string {
	return fmt.Sprintf("N%d:S%d", s.Node, s.Shard)
}

// ShardAttributes holds the membership state of one shard.
type ShardAttributes struct {
	State StorageState  `msgpack:"st"`
	Since hlc.Timestamp `msgpack:"ts"` // When the shard entered State
}

// NodeDescriptor describes a single cluster node.
type NodeDescriptor struct {
	ID         uint64                     `msgpack:"id"`
	Name       string                     `msgpack:"name"`
	Address    string                     `msgpack:"addr"`
	Roles      RoleSet                    `msgpack:"roles"`
	Generation uint32                     `msgpack:"gen"`
	Shards     map[uint32]ShardAttributes `msgpack:"shards"`
}

func (n *NodeDescriptor) clone() *NodeDescriptor {
	c := *n
	c.Shards = make(map[uint32]ShardAttributes, len(n.Shards))
	for idx, attrs := range n.Shards {
		c.Shards[idx] = attrs
	}
	return &c
}

// NodesConfiguration is the versioned cluster membership document.
// Treat as immutable: never mutate a value that has been handed out.
type NodesConfiguration struct {
	Version     uint64                     `msgpack:"v"`
	ClusterName string                     `msgpack:"cluster"`
	Nodes       map[uint64]*NodeDescriptor `msgpack:"nodes"`
	LastChange  hlc.Timestamp              `msgpack:"last_change"`
}

// NewEmpty returns the empty configuration (version 0).
func NewEmpty() *NodesConfiguration {
	return &NodesConfiguration{
		Version: EmptyVersion,
		Nodes:   map[uint64]*NodeDescriptor{},
	}
}

// GetVersion returns the configuration version; 0 on nil.
func (c *NodesConfiguration) GetVersion() uint64 {
	if c == nil {
		return EmptyVersion
	}
	return c.Version
}

// GetNode returns the descriptor for a node, or nil.
func (c *NodesConfiguration) GetNode(nodeID uint64) *NodeDescriptor {
	if c == nil {
		return nil
	}
	return c.Nodes[nodeID]
}

// NodeIDs returns all node IDs in ascending order.
func (c *NodesConfiguration) NodeIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Nodes))
	for id := range c.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IntermediaryShards returns every shard currently in an intermediary state.
func (c *NodesConfiguration) IntermediaryShards() map[ShardID]ShardAttributes {
	out := map[ShardID]ShardAttributes{}
	for nodeID, node := range c.Nodes {
		for shard, attrs := range node.Shards {
			if attrs.State.IsIntermediary() {
				out[ShardID{Node: nodeID, Shard: shard}] = attrs
			}
		}
	}
	return out
}

func (c *NodesConfiguration) clone() *NodesConfiguration {
	n := *c
	n.Nodes = make(map[uint64]*NodeDescriptor, len(c.Nodes))
	for id, node := range c.Nodes {
		n.Nodes[id] = node.clone()
	}
	return &n
}

// WithVersion returns a copy of the configuration carrying the given version.
func (c *NodesConfiguration) WithVersion(version uint64) *NodesConfiguration {
	n := c.clone()
	n.Version = version
	return n
}
