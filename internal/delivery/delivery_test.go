package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaverhq/relay/internal/ackindex"
	"github.com/beaverhq/relay/internal/deadletter"
	"github.com/beaverhq/relay/internal/eventlog"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/shardindex"
	"github.com/beaverhq/relay/pkg/model"
)

func newGuard(t *testing.T) *Guard {
	t.Helper()
	dir := t.TempDir()
	locks := lock.NewManager(dir)
	eventIndex := shardindex.New(dir, shardindex.KindEvents, lock.Events, locks)
	events := eventlog.NewWriter(dir, locks, eventIndex)
	acks := ackindex.New(dir, locks)
	deadLetters := deadletter.NewWriter(dir, locks)
	return NewGuard(events, acks, deadLetters)
}

func requireAckEnvelope(id string, msgType model.MessageType, createdAt time.Time) model.Envelope {
	return model.Envelope{
		ID:            id,
		Type:          msgType,
		From:          "lead",
		To:            "dev",
		CreatedAt:     createdAt.UTC().Format(time.RFC3339),
		SchemaVersion: model.SchemaVersion,
		RequireAck:    true,
		Payload:       map[string]interface{}{},
	}
}

func logSent(t *testing.T, g *Guard, env model.Envelope, at time.Time) {
	t.Helper()
	require.NoError(t, g.events.Log(model.Event{
		ID:        "evt-" + env.ID + "-sent",
		Ts:        at.UTC().Format(time.RFC3339),
		Kind:      model.EventSent,
		SubjectID: env.ID,
		Attrs: map[string]interface{}{
			"require_ack": true,
			"envelope":    env,
		},
	}))
}

func TestResolvePolicyUrgentVsDefault(t *testing.T) {
	assert.Equal(t, urgentPolicy, ResolvePolicy(model.TypeTaskAssign))
	assert.Equal(t, urgentPolicy, ResolvePolicy(model.TypeDecisionRequired))
	assert.Equal(t, defaultPolicy, ResolvePolicy(model.TypeNudge))
}

func TestPendingReconstructsFromSentEvent(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := requireAckEnvelope("msg-1", model.TypeNudge, now)
	logSent(t, g, env, now)

	pending, err := g.Pending()
	require.NoError(t, err)
	require.Contains(t, pending, "msg-1")
	assert.Equal(t, 0, pending["msg-1"].Attempts)
}

func TestAckRemovesEntryFromPending(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := requireAckEnvelope("msg-1", model.TypeNudge, now)
	logSent(t, g, env, now)

	recorded, err := g.Ack(model.AckRecord{MessageID: "msg-1", AckedBy: "dev", AckedAt: now.Format(time.RFC3339)}, now)
	require.NoError(t, err)
	assert.True(t, recorded)

	pending, err := g.Pending()
	require.NoError(t, err)
	assert.NotContains(t, pending, "msg-1")
}

func TestAckIsIdempotent(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rec := model.AckRecord{MessageID: "msg-1", AckedBy: "dev", AckedAt: now.Format(time.RFC3339)}

	firstRecorded, err := g.Ack(rec, now)
	require.NoError(t, err)
	assert.True(t, firstRecorded)

	secondRecorded, err := g.Ack(rec, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, secondRecorded)
}

func TestTickRetriesBeforeExhaustion(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := requireAckEnvelope("msg-1", model.TypeNudge, now)
	logSent(t, g, env, now)

	var resentAttempt int
	resend := func(orig model.Envelope, attempt int) (model.Envelope, error) {
		resentAttempt = attempt
		retry := orig
		retry.ID = orig.ID + "-retry-1"
		return retry, nil
	}

	results, err := g.Tick(now.Add(defaultPolicy.BaseDelay+time.Second), resend)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Retried)
	assert.Equal(t, 1, resentAttempt)
}

func TestTickDeadLettersAfterMaxAttempts(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := requireAckEnvelope("msg-1", model.TypeNudge, now)
	logSent(t, g, env, now)

	resend := func(orig model.Envelope, attempt int) (model.Envelope, error) {
		retry := orig
		retry.ID = orig.ID + "-retry"
		return retry, nil
	}

	at := now.Add(defaultPolicy.BaseDelay + time.Second)
	delay := defaultPolicy.BaseDelay
	for i := 0; i < defaultPolicy.MaxAttempts; i++ {
		results, err := g.Tick(at, resend)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Retried)
		delay = time.Duration(float64(delay) * defaultPolicy.Factor)
		at = at.Add(delay + time.Second)
	}

	final, err := g.Tick(at, resend)
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.True(t, final[0].DeadLettered)
}

func TestTickSkipsAckedEntries(t *testing.T) {
	g := newGuard(t)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	env := requireAckEnvelope("msg-1", model.TypeNudge, now)
	logSent(t, g, env, now)
	_, err := g.Ack(model.AckRecord{MessageID: "msg-1", AckedBy: "dev", AckedAt: now.Format(time.RFC3339)}, now)
	require.NoError(t, err)

	results, err := g.Tick(now.Add(time.Hour), func(orig model.Envelope, attempt int) (model.Envelope, error) {
		t.Fatal("resend should not be called for an acked entry")
		return orig, nil
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}
