package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaverhq/relay/internal/config"
	"github.com/beaverhq/relay/internal/reader"
	"github.com/beaverhq/relay/pkg/model"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dataRoot := t.TempDir()
	require.NoError(t, Init(dataRoot, "demo", []string{"lead", "dev", "qa"}))
	store, err := Open(dataRoot, "demo", zerolog.Nop(), config.Default())
	require.NoError(t, err)
	return store, dataRoot
}

func taskAssignEnvelope(from, to, taskID, subject string, now time.Time) model.Envelope {
	return model.Envelope{
		ID:            NewMessageID(),
		From:          from,
		To:            to,
		TaskID:        taskID,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		SchemaVersion: model.SchemaVersion,
		Payload:       map[string]interface{}{"subject": subject, "assignee": to},
	}
}

// TestAssignReadAckHappyPath exercises scenario (a): assign, read unread,
// ack, and confirm status reflects the ack.
func TestAssignReadAckHappyPath(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	res, err := store.TaskAssign(taskAssignEnvelope("lead", "dev", "t-1", "ship it", now), now)
	require.NoError(t, err)
	require.False(t, res.Suppressed)
	require.False(t, res.Duplicate)

	page, err := store.Read("dev", reader.Options{Unread: true})
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 1)
	messageID := page.Envelopes[0].ID

	require.NoError(t, store.Ack(messageID, "dev", "", now.Add(time.Minute)))

	page, err = store.Read("dev", reader.Options{Unread: true})
	require.NoError(t, err)
	assert.Empty(t, page.Envelopes)

	report, err := store.Status(now.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, report.UnreadTotal)
	assert.GreaterOrEqual(t, report.AckedTotal, 1)
}

// TestSendDuplicateMessageIDIsANoOp exercises scenario (b): resending with
// the same message id appends nothing new.
func TestSendDuplicateMessageIDIsANoOp(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	env := model.Envelope{
		ID:            "msg-fixed",
		Type:          model.TypeIdleNotification,
		From:          "lead",
		To:            "dev",
		CreatedAt:     now.UTC().Format(time.RFC3339),
		SchemaVersion: model.SchemaVersion,
		Payload:       map[string]interface{}{},
	}

	_, err := store.Send(env, now)
	require.NoError(t, err)

	res, err := store.Send(env, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	page, err := store.Read("dev", reader.Options{})
	require.NoError(t, err)
	assert.Len(t, page.Envelopes, 1)
}

// TestRehydrateRecoversDeletedIndexes exercises scenario (d): wiping the
// sharded message index and rehydrating reconstructs the same unread set.
func TestRehydrateRecoversDeletedIndexes(t *testing.T) {
	store, dataRoot := newTestStore(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.TaskAssign(taskAssignEnvelope("lead", "dev", "t-1", "ship it", now), now)
	require.NoError(t, err)
	_, err = store.Send(model.Envelope{
		ID:            NewMessageID(),
		Type:          model.TypeIdleNotification,
		From:          "lead",
		To:            "qa",
		CreatedAt:     now.UTC().Format(time.RFC3339),
		SchemaVersion: model.SchemaVersion,
		Payload:       map[string]interface{}{},
	}, now)
	require.NoError(t, err)

	before, err := store.Read("dev", reader.Options{})
	require.NoError(t, err)

	shardsDir := filepath.Join(dataRoot, "teams", "demo", "state", "message-index-shards")
	require.NoError(t, os.RemoveAll(shardsDir))

	summary, err := store.Rehydrate(now.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.MessagesIndexed, 2)

	after, err := store.Read("dev", reader.Options{})
	require.NoError(t, err)
	require.Len(t, after.Envelopes, len(before.Envelopes))
	assert.Equal(t, before.Envelopes[0].ID, after.Envelopes[0].ID)

	snap, ok, err := store.tasks.Load("t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev", snap.Assignee)
}

func TestInitSeedsEmptyInboxForEachMember(t *testing.T) {
	dataRoot := t.TempDir()
	require.NoError(t, Init(dataRoot, "crew", []string{"a", "b"}))

	for _, member := range []string{"a", "b"} {
		path := filepath.Join(dataRoot, "teams", "crew", "inboxes", member+".jsonl")
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
}
