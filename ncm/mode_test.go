package ncm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/nc"
)

func TestOperationMode_ForClient(t *testing.T) {
	mode := ForClient()
	require.True(t, mode.IsValid())
	assert.True(t, mode.IsClient())
	assert.True(t, mode.IsClientOnly())
	assert.False(t, mode.IsProposer())
	assert.False(t, mode.IsTooling())
}

func TestOperationMode_ForTooling(t *testing.T) {
	mode := ForTooling()
	require.True(t, mode.IsValid())
	assert.True(t, mode.IsTooling())
	// Tooling implies proposer
	assert.True(t, mode.IsProposer())
	assert.False(t, mode.IsClient())
}

func TestOperationMode_ForRoles(t *testing.T) {
	mode := ForRoles(nc.RoleStorage)
	require.True(t, mode.IsValid())
	assert.True(t, mode.IsStorageMember())
	assert.False(t, mode.IsSequencer())
	// Server roles start out as observers
	assert.False(t, mode.IsProposer())

	mode = ForRoles(nc.RoleSequencer | nc.RoleStorage)
	require.True(t, mode.IsValid())
	assert.True(t, mode.IsStorageMember())
	assert.True(t, mode.IsSequencer())
}

func TestOperationMode_EmptyRolesInvalid(t *testing.T) {
	mode := ForRoles(0)
	assert.False(t, mode.IsValid())
}

func TestOperationMode_ClientCoordinatorInvalid(t *testing.T) {
	mode := ForClient() | ModeCoordinator
	assert.False(t, mode.IsValid())
}

func TestOperationMode_ProposerMonotonic(t *testing.T) {
	mode := ForRoles(nc.RoleStorage)
	require.False(t, mode.IsProposer())

	upgraded := mode.WithProposer()
	assert.True(t, upgraded.IsProposer())
	// Still carries the original capabilities
	assert.True(t, upgraded.IsStorageMember())
	assert.True(t, upgraded.IsValid())
}

func TestOperationMode_ToolingWithStorage(t *testing.T) {
	// A flag set, not a variant: tooling may coexist with storage membership.
	mode := ForTooling() | ForRoles(nc.RoleStorage)
	require.True(t, mode.IsValid())
	assert.True(t, mode.IsTooling())
	assert.True(t, mode.IsStorageMember())
	assert.True(t, mode.IsProposer())
}

func TestOperationMode_String(t *testing.T) {
	assert.Equal(t, "client", ForClient().String())
	assert.Equal(t, "tooling|proposer", ForTooling().String())
	assert.Equal(t, "none", OperationMode(0).String())
}
