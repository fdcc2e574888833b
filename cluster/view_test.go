package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/nc"
	"github.com/burrowlabs/burrow/notify"
)

func publishedView(t *testing.T) (*View, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub()
	hub.Publish(&nc.NodesConfiguration{
		Version:     12,
		ClusterName: "test",
		Nodes: map[uint64]*nc.NodeDescriptor{
			2: {
				ID:      2,
				Name:    "beta",
				Address: "10.0.0.2:4440",
				Roles:   nc.RoleStorage | nc.RoleSequencer,
				Shards: map[uint32]nc.ShardAttributes{
					0: {State: nc.StorageReadWrite},
					1: {State: nc.StorageMigrating},
				},
			},
			1: {
				ID:      1,
				Name:    "alpha",
				Address: "10.0.0.1:4440",
				Roles:   nc.RoleStorage,
				Shards: map[uint32]nc.ShardAttributes{
					0: {State: nc.StorageReadOnly},
				},
			},
		},
	})
	return NewView(hub), hub
}

func TestView_EmptyBeforePublish(t *testing.T) {
	view := NewView(notify.NewHub())
	assert.Nil(t, view.Current())
	assert.Nil(t, view.Members())
	assert.Equal(t, Summary{}, view.Summarize())
}

func TestView_MembersSorted(t *testing.T) {
	view, _ := publishedView(t)

	members := view.Members()
	require.Len(t, members, 2)
	assert.EqualValues(t, 1, members[0].NodeID)
	assert.EqualValues(t, 2, members[1].NodeID)

	assert.Equal(t, []string{"storage"}, members[0].Roles)
	assert.Equal(t, []string{"storage", "sequencer"}, members[1].Roles)
	assert.Equal(t, "READ_ONLY", members[0].Shards[0])
	assert.Equal(t, "MIGRATING", members[1].Shards[1])
}

func TestView_Summarize(t *testing.T) {
	view, _ := publishedView(t)

	summary := view.Summarize()
	assert.EqualValues(t, 12, summary.Version)
	assert.Equal(t, 2, summary.TotalNodes)
	assert.Equal(t, 2, summary.StorageNodes)
	assert.Equal(t, 1, summary.SequencerNodes)
	assert.Equal(t, 1, summary.IntermediaryCount)
}
