package ncm

import (
	"strings"

	"github.com/burrowlabs/burrow/nc"
)

// OperationMode is a capability bitset controlling which manager operations
// a process may perform. It is a flag set, not a variant: tooling may
// coexist with storage membership.
type OperationMode uint32

const (
	ModeClient OperationMode = 1 << iota
	ModeTooling
	ModeStorageMember
	ModeSequencer
	ModeProposer
	ModeCoordinator // reserved for future use
)

// ForClient returns the mode for a pure client process.
func ForClient() OperationMode {
	return ModeClient
}

// ForTooling returns the mode for operator tooling. Tooling is allowed to
// make emergency changes, so it starts out as a proposer.
func ForTooling() OperationMode {
	return ModeTooling | ModeProposer
}

// ForRoles returns the mode for a server process with the given node roles.
// Storage nodes and sequencers may get upgraded to proposers later, but they
// start out as observers.
func ForRoles(roles nc.RoleSet) OperationMode {
	var mode OperationMode
	if roles.Has(nc.RoleSequencer) {
		mode |= ModeSequencer
	}
	if roles.Has(nc.RoleStorage) {
		mode |= ModeStorageMember
	}
	return mode
}

// WithProposer returns the mode with the proposer flag set. The flag is
// monotonic: there is no API to clear it.
func (m OperationMode) WithProposer() OperationMode {
	return m | ModeProposer
}

func (m OperationMode) has(flags OperationMode) bool {
	return m&flags != 0
}

func (m OperationMode) IsClient() bool        { return m.has(ModeClient) }
func (m OperationMode) IsClientOnly() bool    { return m == ModeClient }
func (m OperationMode) IsTooling() bool       { return m.has(ModeTooling) }
func (m OperationMode) IsStorageMember() bool { return m.has(ModeStorageMember) }
func (m OperationMode) IsSequencer() bool     { return m.has(ModeSequencer) }
func (m OperationMode) IsProposer() bool      { return m.has(ModeProposer) }
func (m OperationMode) IsCoordinator() bool   { return m.has(ModeCoordinator) }

// IsValid checks the mode invariants: a client is never a coordinator, and
// every mode names at least one of client/tooling/storage/sequencer.
func (m OperationMode) IsValid() bool {
	if m.IsClient() && m.IsCoordinator() {
		return false
	}

	if !m.IsClient() && !m.IsTooling() && !m.IsStorageMember() && !m.IsSequencer() {
		return false
	}

	return true
}

func (m OperationMode) String() string {
	var parts []string
	for _, f := range []struct {
		flag OperationMode
		name string
	}{
		{ModeClient, "client"},
		{ModeTooling, "tooling"},
		{ModeStorageMember, "storage"},
		{ModeSequencer, "sequencer"},
		{ModeProposer, "proposer"},
		{ModeCoordinator, "coordinator"},
	} {
		if m.has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
