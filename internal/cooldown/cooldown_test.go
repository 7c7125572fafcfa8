package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaverhq/relay/internal/lock"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	dir := t.TempDir()
	return New(dir, "demo", lock.NewManager(dir))
}

func TestCheckAndMarkFirstSendNotSuppressed(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	suppressed, err := g.CheckAndMark("dev", "standup", 60, now)
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestCheckAndMarkSuppressesWithinWindow(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := g.CheckAndMark("dev", "standup", 60, now)
	require.NoError(t, err)

	suppressed, err := g.CheckAndMark("dev", "standup", 60, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestCheckAndMarkAllowsAfterWindowElapses(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := g.CheckAndMark("dev", "standup", 60, now)
	require.NoError(t, err)

	suppressed, err := g.CheckAndMark("dev", "standup", 60, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestCheckAndMarkEmptyCooldownKeyNeverSuppresses(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		suppressed, err := g.CheckAndMark("dev", "", 60, now)
		require.NoError(t, err)
		assert.False(t, suppressed)
	}
}

func TestKeyIsDeterministicAndRecipientScoped(t *testing.T) {
	a := Key("demo", "dev", "standup")
	b := Key("demo", "dev", "standup")
	c := Key("demo", "qa", "standup")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCheckAndMarkIsScopedPerCooldownKey(t *testing.T) {
	g := newGate(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := g.CheckAndMark("dev", "standup", 60, now)
	require.NoError(t, err)

	suppressed, err := g.CheckAndMark("dev", "retro", 60, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, suppressed, "a distinct cooldown key must not be suppressed by another key's window")
}
