package nc

import (
	"fmt"

	"github.com/burrowlabs/burrow/hlc"
)

// UpdateOp discriminates update mutations.
type UpdateOp uint8

const (
	OpAddNode UpdateOp = iota + 1
	OpRemoveNode
	OpSetShardState
	OpBumpGeneration
	OpSetAttributes
)

func (op UpdateOp) String() string {
	switch op {
	case OpAddNode:
		return "ADD_NODE"
	case OpRemoveNode:
		return "REMOVE_NODE"
	case OpSetShardState:
		return "SET_SHARD_STATE"
	case OpBumpGeneration:
		return "BUMP_GENERATION"
	case OpSetAttributes:
		return "SET_ATTRIBUTES"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(op))
}

// Update is a single mutation consumed by ApplyUpdate. Updates are batchable;
// a batch applies left-to-right and fails atomically on the first rejected
// element.
type Update struct {
	Op    UpdateOp        `msgpack:"op"`
	Node  *NodeDescriptor `msgpack:"node,omitempty"` // AddNode / SetAttributes
	Shard ShardID         `msgpack:"shard"`          // SetShardState; Shard.Node doubles as node id for node-level ops
	State StorageState    `msgpack:"state"`          // SetShardState
	Since hlc.Timestamp   `msgpack:"since"`          // SetShardState: when the new state was entered
}

func (u Update) String() string {
	switch u.Op {
	case OpAddNode, OpSetAttributes:
		if u.Node != nil {
			return fmt.Sprintf("%s(N%d)", u.Op, u.Node.ID)
		}
		return u.Op.String()
	case OpSetShardState:
		return fmt.Sprintf("%s(%s -> %s)", u.Op, u.Shard, u.State)
	default:
		return fmt.Sprintf("%s(N%d)", u.Op, u.Shard.Node)
	}
}

// ApplyUpdate applies a single update and returns a new configuration with
// the version bumped by one. The receiver is never mutated. Deterministic:
// the same input configuration and update always yield the same result.
func (c *NodesConfiguration) ApplyUpdate(u Update) (*NodesConfiguration, error) {
	n := c.clone()

	switch u.Op {
	case OpAddNode:
		if u.Node == nil {
			return nil, fmt.Errorf("%w: ADD_NODE carries no descriptor", ErrInvalidUpdate)
		}
		if _, ok := n.Nodes[u.Node.ID]; ok {
			return nil, fmt.Errorf("node %d: %w", u.Node.ID, ErrNodeExists)
		}
		added := u.Node.clone()
		if added.Shards == nil {
			added.Shards = map[uint32]ShardAttributes{}
		}
		n.Nodes[added.ID] = added

	case OpRemoveNode:
		node, ok := n.Nodes[u.Shard.Node]
		if !ok {
			return nil, fmt.Errorf("node %d: %w", u.Shard.Node, ErrNodeNotFound)
		}
		// A node may only leave once all its shards are NONE.
		for shard, attrs := range node.Shards {
			if attrs.State != StorageNone {
				return nil, fmt.Errorf("node %d shard %d still %s: %w",
					u.Shard.Node, shard, attrs.State, ErrInvalidTransition)
			}
		}
		delete(n.Nodes, u.Shard.Node)

	case OpSetShardState:
		node, ok := n.Nodes[u.Shard.Node]
		if !ok {
			return nil, fmt.Errorf("node %d: %w", u.Shard.Node, ErrNodeNotFound)
		}
		attrs, ok := node.Shards[u.Shard.Shard]
		if !ok {
			// NONE -> PROVISIONING materializes the shard.
			if u.State != StorageProvisioning {
				return nil, fmt.Errorf("%s: %w", u.Shard, ErrShardNotFound)
			}
			attrs = ShardAttributes{State: StorageNone}
		}
		if !canTransition(attrs.State, u.State) {
			return nil, fmt.Errorf("%s: %s -> %s: %w",
				u.Shard, attrs.State, u.State, ErrInvalidTransition)
		}
		node.Shards[u.Shard.Shard] = ShardAttributes{State: u.State, Since: u.Since}

	case OpBumpGeneration:
		node, ok := n.Nodes[u.Shard.Node]
		if !ok {
			return nil, fmt.Errorf("node %d: %w", u.Shard.Node, ErrNodeNotFound)
		}
		node.Generation++

	case OpSetAttributes:
		if u.Node == nil {
			return nil, fmt.Errorf("%w: SET_ATTRIBUTES carries no descriptor", ErrInvalidUpdate)
		}
		node, ok := n.Nodes[u.Node.ID]
		if !ok {
			return nil, fmt.Errorf("node %d: %w", u.Node.ID, ErrNodeNotFound)
		}
		// Shard states are owned by SET_SHARD_STATE; attributes only.
		node.Name = u.Node.Name
		node.Address = u.Node.Address
		node.Roles = u.Node.Roles

	default:
		return nil, fmt.Errorf("%w: op %d", ErrInvalidUpdate, u.Op)
	}

	n.Version = c.Version + 1
	n.LastChange = u.Since
	return n, nil
}

// ApplyUpdates applies a batch left-to-right. The first rejected element
// fails the whole batch; the receiver is never mutated.
func (c *NodesConfiguration) ApplyUpdates(updates []Update) (*NodesConfiguration, error) {
	current := c
	for i, u := range updates {
		next, err := current.ApplyUpdate(u)
		if err != nil {
			return nil, fmt.Errorf("update %d (%s): %w", i, u, err)
		}
		current = next
	}
	return current, nil
}
