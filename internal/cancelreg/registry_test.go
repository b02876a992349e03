package cancelreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCancel(t *testing.T) {
	registry := NewRegistry()

	var cancelled bool
	pid, secret, err := registry.Register(func() { cancelled = true })
	require.NoError(t, err)

	err = registry.Cancel(pid, secret)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCancelWithWrongSecretIsIgnored(t *testing.T) {
	registry := NewRegistry()

	var cancelled bool
	pid, secret, err := registry.Register(func() { cancelled = true })
	require.NoError(t, err)

	err = registry.Cancel(pid, secret+1)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelUnknownProcessIsIgnored(t *testing.T) {
	registry := NewRegistry()
	err := registry.Cancel(12345, 6789)
	require.NoError(t, err)
}

func TestUnregisterPreventsFurtherCancel(t *testing.T) {
	registry := NewRegistry()

	var cancelled bool
	pid, secret, err := registry.Register(func() { cancelled = true })
	require.NoError(t, err)

	registry.Unregister(pid)

	err = registry.Cancel(pid, secret)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRegisterAssignsDistinctProcessIDs(t *testing.T) {
	registry := NewRegistry()

	seen := make(map[int32]bool)
	for i := 0; i < 50; i++ {
		pid, _, err := registry.Register(func() {})
		require.NoError(t, err)
		assert.False(t, seen[pid], "process ID reused: %d", pid)
		seen[pid] = true
	}
}
