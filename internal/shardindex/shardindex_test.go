package shardindex

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beaverhq/relay/internal/lock"
)

type locator struct {
	Inbox string `json:"inbox"`
	Line  int    `json:"line"`
}

func newIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	return New(dir, KindMessages, lock.Messages, lock.NewManager(dir))
}

func TestPutThenGet(t *testing.T) {
	idx := newIndex(t)

	require.NoError(t, idx.Put("msg-1", locator{Inbox: "dev.jsonl", Line: 3}))

	var got locator
	ok, err := idx.Get("msg-1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev.jsonl", got.Inbox)
	assert.Equal(t, 3, got.Line)
}

func TestHasReportsAbsence(t *testing.T) {
	idx := newIndex(t)
	ok, err := idx.Has("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUnknownIDReturnsFalseNotError(t *testing.T) {
	idx := newIndex(t)
	var got locator
	ok, err := idx.Get("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanAllVisitsEveryPutEntry(t *testing.T) {
	idx := newIndex(t)
	ids := []string{"msg-1", "msg-2", "msg-3", "msg-4"}
	for i, id := range ids {
		require.NoError(t, idx.Put(id, locator{Inbox: "dev.jsonl", Line: i + 1}))
	}

	seen := make(map[string]bool)
	err := idx.ScanAll(func(id string, raw json.RawMessage) error {
		seen[id] = true
		return nil
	})
	require.NoError(t, err)
	for _, id := range ids {
		assert.True(t, seen[id], "expected ScanAll to visit %s", id)
	}
}

func TestRebuildEmptyClearsEntries(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, idx.Put("msg-1", locator{Inbox: "dev.jsonl", Line: 1}))

	require.NoError(t, idx.RebuildEmpty())

	ok, err := idx.Has("msg-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLegacyIndexMigratesOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	idx := New(dir, KindMessages, lock.Messages, lock.NewManager(dir))

	legacy := map[string]json.RawMessage{
		"msg-old": mustMarshal(locator{Inbox: "dev.jsonl", Line: 7}),
	}
	statePath := filepath.Join(dir, "state")
	require.NoError(t, os.MkdirAll(statePath, 0o755))
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(statePath, "message-index.json"), raw, 0o644))

	var got locator
	ok, err := idx.Get("msg-old", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, got.Line)

	require.NoError(t, idx.Put("msg-new", locator{Inbox: "qa.jsonl", Line: 1}))

	marker := filepath.Join(dir, "state", "message-index-shards", ".migrated")
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "expected migration marker after first write")

	ok, err = idx.Has("msg-old")
	require.NoError(t, err)
	assert.True(t, ok, "migrated entry should still be found via shards")
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
