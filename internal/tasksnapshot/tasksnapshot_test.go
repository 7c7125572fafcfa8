package tasksnapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/pkg/model"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	return New(dir, lock.NewManager(dir))
}

func assignEnvelope(id, createdAt, taskID, assignee, subject string) model.Envelope {
	return model.Envelope{
		ID:            id,
		Type:          model.TypeTaskAssign,
		From:          "lead",
		To:            assignee,
		TaskID:        taskID,
		CreatedAt:     createdAt,
		SchemaVersion: model.SchemaVersion,
		Payload:       map[string]interface{}{"subject": subject},
	}
}

func TestApplyFirstAssignCreatesSnapshot(t *testing.T) {
	e := newEngine(t)

	applied, err := e.Apply(assignEnvelope("msg-1", "2026-08-01T00:00:00Z", "t-1", "dev", "ship it"))
	require.NoError(t, err)
	assert.True(t, applied)

	snap, ok, err := e.Load("t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev", snap.Assignee)
	assert.Equal(t, "ship it", snap.Subject)
	assert.Equal(t, 1, snap.SnapshotVersion)
}

func TestApplyOlderUpdateIsDiscardedNotError(t *testing.T) {
	e := newEngine(t)

	_, err := e.Apply(assignEnvelope("msg-2", "2026-08-01T00:00:10Z", "t-1", "dev", "ship it"))
	require.NoError(t, err)

	stale := assignEnvelope("msg-1", "2026-08-01T00:00:00Z", "t-1", "qa", "steal it")
	applied, err := e.Apply(stale)
	require.NoError(t, err)
	assert.False(t, applied)

	snap, _, err := e.Load("t-1")
	require.NoError(t, err)
	assert.Equal(t, "dev", snap.Assignee, "older message must not overwrite the newer snapshot")
}

func TestApplyTieBreaksOnMessageID(t *testing.T) {
	e := newEngine(t)

	sameTime := "2026-08-01T00:00:00Z"
	_, err := e.Apply(assignEnvelope("msg-a", sameTime, "t-1", "dev", "first"))
	require.NoError(t, err)

	applied, err := e.Apply(assignEnvelope("msg-b", sameTime, "t-1", "qa", "second"))
	require.NoError(t, err)
	assert.True(t, applied, "lexicographically greater id at the same timestamp must win")

	applied, err = e.Apply(assignEnvelope("msg-a2", sameTime, "t-1", "lead", "third"))
	require.NoError(t, err)
	assert.False(t, applied, "lexicographically smaller id than msg-b must not apply")
}

func TestApplyRejectsNonTaskType(t *testing.T) {
	e := newEngine(t)
	env := assignEnvelope("msg-1", "2026-08-01T00:00:00Z", "t-1", "dev", "x")
	env.Type = model.TypeNudge

	_, err := e.Apply(env)
	assert.Error(t, err)
}

func TestDeleteAllClearsSnapshots(t *testing.T) {
	e := newEngine(t)
	_, err := e.Apply(assignEnvelope("msg-1", "2026-08-01T00:00:00Z", "t-1", "dev", "x"))
	require.NoError(t, err)

	require.NoError(t, e.locks.WithLock(lock.TaskSnapshots, e.DeleteAll))

	_, ok, err := e.Load("t-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListTaskIDs(t *testing.T) {
	e := newEngine(t)
	_, err := e.Apply(assignEnvelope("msg-1", "2026-08-01T00:00:00Z", "t-1", "dev", "x"))
	require.NoError(t, err)
	_, err = e.Apply(assignEnvelope("msg-2", "2026-08-01T00:00:01Z", "t-2", "qa", "y"))
	require.NoError(t, err)

	ids, err := ListTaskIDs(e.teamDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, ids)
}
