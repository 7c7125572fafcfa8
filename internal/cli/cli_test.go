package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	require.NotNil(t, cmd)
	assert.Equal(t, "relay", cmd.Use)

	commands := cmd.Commands()
	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	for _, want := range []string{"init", "send", "task-assign", "task-update", "read", "ack", "status", "trace", "rehydrate", "doctor"} {
		assert.True(t, commandNames[want], "expected subcommand %q", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "relay.yaml", configFlag.DefValue)
}

func TestBuildDoctorCommandHasCheckSubcommand(t *testing.T) {
	doctor := buildDoctorCommand()
	names := make(map[string]bool)
	for _, c := range doctor.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["check"])
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"lead"}, splitCSV("lead"))
	assert.Equal(t, []string{"lead", "dev", "qa"}, splitCSV("lead,dev,qa"))
}

// run executes the full relay command tree with a fresh set of bound flag
// variables pointed at dir, the way each process invocation would, and
// returns whatever it wrote to stdout.
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	dataRoot = dir
	configPath = ""
	logJSON = false
	asJSON = false

	root := BuildCLI()
	root.SetArgs(append([]string{"--data-root", dir, "--config", ""}, args...))

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	execErr := root.Execute()

	w.Close()
	os.Stdout = old
	var captured bytes.Buffer
	_, _ = captured.ReadFrom(r)

	require.NoError(t, execErr)
	return captured.String()
}

func TestEndToEndAssignReadAck(t *testing.T) {
	dir := t.TempDir()

	run(t, dir, "init", "demo", "--members", "lead,dev,qa")
	run(t, dir, "task-assign", "demo", "--from", "lead", "--to", "dev", "--task-id", "t-1", "--subject", "ship it")

	readOut := run(t, dir, "read", "demo", "--agent", "dev", "--unread", "--json")
	var page map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(readOut), &page))
	data := page["data"].(map[string]interface{})
	envelopes := data["Envelopes"].([]interface{})
	require.Len(t, envelopes, 1)
	env := envelopes[0].(map[string]interface{})
	messageID := env["id"].(string)

	run(t, dir, "ack", "demo", "--agent", "dev", "--message-id", messageID)

	readOut = run(t, dir, "read", "demo", "--agent", "dev", "--unread", "--json")
	require.NoError(t, json.Unmarshal([]byte(readOut), &page))
	data = page["data"].(map[string]interface{})
	assert.Empty(t, data["Envelopes"])

	statusOut := run(t, dir, "status", "demo", "--json")
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(statusOut), &status))
	statusData := status["data"].(map[string]interface{})
	assert.Equal(t, float64(0), statusData["unread_total"])
	assert.GreaterOrEqual(t, statusData["acked_total"].(float64), float64(1))
}

func TestInitSeedsEmptyInboxesForEachMember(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "init", "crew", "--members", "a,b")

	for _, member := range []string{"a", "b"} {
		path := filepath.Join(dir, "teams", "crew", "inboxes", member+".jsonl")
		_, err := os.Stat(path)
		assert.NoError(t, err, "expected seeded inbox for %s", member)
	}
}

// runErr is run's counterpart for command trees expected to fail: it
// returns the error RunE propagated instead of requiring success. Exercises
// the same process-invocation shape without os.Exit killing the test
// binary now that RunE returns errors instead of calling it directly.
func runErr(t *testing.T, dir string, args ...string) error {
	t.Helper()
	dataRoot = dir
	configPath = ""
	logJSON = false
	asJSON = false

	root := BuildCLI()
	root.SetArgs(append([]string{"--data-root", dir, "--config", ""}, args...))
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	return root.Execute()
}

func TestSendWithUnsafeIdentifierFails(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "init", "demo", "--members", "lead,dev")

	err := runErr(t, dir, "send", "demo", "--from", "../lead", "--to", "dev", "--type", "nudge")
	require.Error(t, err)
}

func TestSendWithMalformedPayloadFails(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "init", "demo", "--members", "lead,dev")

	err := runErr(t, dir, "send", "demo", "--from", "lead", "--to", "dev", "--type", "nudge", "--payload", "{not json")
	require.Error(t, err)
}

func TestAckUnknownMessageIDStillSucceeds(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "init", "demo", "--members", "lead,dev")

	err := runErr(t, dir, "ack", "demo", "--agent", "dev", "--message-id", "msg-never-sent")
	require.NoError(t, err)
}

func TestStatusOnUnsafeTeamIdentifierFails(t *testing.T) {
	dir := t.TempDir()

	err := runErr(t, dir, "status", "../escape")
	require.Error(t, err)
}
