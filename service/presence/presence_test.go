package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOnlineOffline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	on, err := m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, on, "unknown user reads offline")

	require.NoError(t, m.SetOnline(ctx, "alice"))
	on, err = m.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, on)

	// idempotent: repeated transitions keep the final state
	require.NoError(t, m.SetOnline(ctx, "alice"))
	on, _ = m.IsOnline(ctx, "alice")
	assert.True(t, on)

	require.NoError(t, m.SetOffline(ctx, "alice"))
	require.NoError(t, m.SetOffline(ctx, "alice"))
	on, _ = m.IsOnline(ctx, "alice")
	assert.False(t, on)
}

func TestMemoryBulkIsOnline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetOnline(ctx, "alice"))
	require.NoError(t, m.SetOnline(ctx, "bob"))
	require.NoError(t, m.SetOffline(ctx, "bob"))

	got, err := m.BulkIsOnline(ctx, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alice": true, "bob": false, "carol": false}, got)
}
