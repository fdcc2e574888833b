package ncm

import (
	"sort"

	"github.com/burrowlabs/burrow/hlc"
	"github.com/burrowlabs/burrow/nc"
)

// trackerEntry records when a shard was first observed in its current
// intermediary state.
type trackerEntry struct {
	state nc.StorageState
	since hlc.Timestamp
}

// ShardStateTracker watches published configurations for shards sitting in
// intermediary membership states. A shard that enters such a state must
// either complete externally or be forced out by a proposer after a bounded
// time; the tracker supplies the forcing updates. Owned by the manager's
// serial executor - not safe for concurrent use.
type ShardStateTracker struct {
	entries map[nc.ShardID]trackerEntry
}

// NewShardStateTracker creates an empty tracker.
func NewShardStateTracker() *ShardStateTracker {
	return &ShardStateTracker{entries: map[nc.ShardID]trackerEntry{}}
}

// OnNewConfig rescans all shards against the given configuration. Shards
// newly observed in an intermediary state are stamped with now; shards that
// changed state are restamped; shards that left intermediary states are
// forgotten.
func (t *ShardStateTracker) OnNewConfig(config *nc.NodesConfiguration, now hlc.Timestamp) {
	intermediary := config.IntermediaryShards()

	for sid := range t.entries {
		if _, ok := intermediary[sid]; !ok {
			delete(t.entries, sid)
		}
	}

	for sid, attrs := range intermediary {
		entry, ok := t.entries[sid]
		if ok && entry.state == attrs.State {
			// Still in the same state; keep the original stamp.
			continue
		}
		t.entries[sid] = trackerEntry{state: attrs.State, since: now}
	}
}

// ExtractNCUpdate produces a batch update transitioning every shard that has
// been stuck in an intermediary state since till or earlier out of it.
// Returns nil when nothing qualifies. Deterministic given the tracker map
// and till: shards are emitted in ascending ShardID order and stamped with
// till itself.
func (t *ShardStateTracker) ExtractNCUpdate(till hlc.Timestamp) []nc.Update {
	var expired []nc.ShardID
	for sid, entry := range t.entries {
		if !hlc.After(entry.since, till) {
			expired = append(expired, sid)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Node != expired[j].Node {
			return expired[i].Node < expired[j].Node
		}
		return expired[i].Shard < expired[j].Shard
	})

	updates := make([]nc.Update, 0, len(expired))
	for _, sid := range expired {
		entry := t.entries[sid]
		updates = append(updates, nc.Update{
			Op:    nc.OpSetShardState,
			Shard: sid,
			State: entry.state.Target(),
			Since: till,
		})
	}
	return updates
}

// Len returns the number of tracked shards.
func (t *ShardStateTracker) Len() int {
	return len(t.entries)
}
