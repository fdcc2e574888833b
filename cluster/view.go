// Package cluster derives a read-side membership view from the published
// nodes configuration for admin and operator surfaces.
package cluster

import (
	"sort"

	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/notify"
)

// MemberInfo is the external representation of one cluster node.
type MemberInfo struct {
	NodeID     uint64            `json:"node_id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Roles      []string          `json:"roles"`
	Generation uint32            `json:"generation"`
	Shards     map[uint32]string `json:"shards"`
}

// Summary aggregates membership counts.
type Summary struct {
	Version           uint64 `json:"version"`
	TotalNodes        int    `json:"total_nodes"`
	StorageNodes      int    `json:"storage_nodes"`
	SequencerNodes    int    `json:"sequencer_nodes"`
	IntermediaryCount int    `json:"intermediary_shards"`
}

// View reads the most recently published configuration from the process-wide
// slot. Safe for concurrent use.
type View struct {
	hub *notify.Hub
}

// NewView creates a view over the given hub.
func NewView(hub *notify.Hub) *View {
	return &View{hub: hub}
}

// Current returns the published configuration, or nil before first publish.
func (v *View) Current() *nc.NodesConfiguration {
	return v.hub.Get()
}

// Members lists all nodes in ascending ID order.
func (v *View) Members() []MemberInfo {
	config := v.hub.Get()
	if config == nil {
		return nil
	}

	members := make([]MemberInfo, 0, len(config.Nodes))
	for _, nodeID := range config.NodeIDs() {
		node := config.GetNode(nodeID)

		roles := make([]string, 0, 2)
		if node.Roles.Has(nc.RoleStorage) {
			roles = append(roles, "storage")
		}
		if node.Roles.Has(nc.RoleSequencer) {
			roles = append(roles, "sequencer")
		}

		shards := make(map[uint32]string, len(node.Shards))
		for idx, attrs := range node.Shards {
			shards[idx] = attrs.State.String()
		}

		members = append(members, MemberInfo{
			NodeID:     node.ID,
			Name:       node.Name,
			Address:    node.Address,
			Roles:      roles,
			Generation: node.Generation,
			Shards:     shards,
		})
	}

	sort.Slice(members, func(i, j int) bool { return members[i].NodeID < members[j].NodeID })
	return members
}

// Summarize aggregates the published configuration.
func (v *View) Summarize() Summary {
	config := v.hub.Get()
	if config == nil {
		return Summary{}
	}

	s := Summary{
		Version:    config.Version,
		TotalNodes: len(config.Nodes),
	}
	for _, node := range config.Nodes {
		if node.Roles.Has(nc.RoleStorage) {
			s.StorageNodes++
		}
		if node.Roles.Has(nc.RoleSequencer) {
			s.SequencerNodes++
		}
	}
	s.IntermediaryCount = len(config.IntermediaryShards())
	return s
}
