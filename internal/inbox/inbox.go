// ============================================================================
// Beaver-Relay Inbox Writer
// ============================================================================
//
// Package: internal/inbox
// Purpose: the §4.9 send pipeline — validate, gate on cooldown, dedupe,
// atomically append to inboxes/<to>.jsonl, update the message index, and
// emit a "sent" event outside the critical section.
//
// Registering require_ack envelopes with the delivery guard (step 9 of
// spec §4.9) happens through the "sent" event: for a require_ack envelope
// its attrs carry require_ack and the full envelope, and
// delivery.Guard.Pending rebuilds the pending set by replaying those
// events. This package therefore never imports internal/delivery, and
// delivery never needs to import this package to re-send a nudge — see
// internal/delivery's Tick signature.
//
// ============================================================================

package inbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/cooldown"
	"github.com/beaverhq/relay/internal/dedupe"
	"github.com/beaverhq/relay/internal/eventlog"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/jsonl"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/relayerr"
	"github.com/beaverhq/relay/internal/shardindex"
	"github.com/beaverhq/relay/pkg/model"
)

// Writer appends envelopes to per-agent inboxes.
type Writer struct {
	teamDir  string
	team     string
	locks    *lock.Manager
	index    *shardindex.Index
	gate     *dedupe.Gate
	events   *eventlog.Writer
	cooldown *cooldown.Gate
}

func NewWriter(teamDir, team string, locks *lock.Manager, index *shardindex.Index, events *eventlog.Writer, cd *cooldown.Gate) *Writer {
	return &Writer{teamDir: teamDir, team: team, locks: locks, index: index, gate: dedupe.New(index), events: events, cooldown: cd}
}

// Result reports what Send actually did: whether the envelope was
// suppressed by cooldown, dropped as a duplicate, or appended.
type Result struct {
	Suppressed bool // cooldown suppressed, no inbox append happened
	Duplicate  bool // id already present, no-op
}

// Send runs the full §4.9 pipeline. now is injected so tests are
// deterministic.
func (w *Writer) Send(env model.Envelope, now time.Time) (Result, error) {
	if err := validateEnvelope(env); err != nil {
		return Result{}, err
	}

	if env.CooldownKey != "" {
		suppressed, err := w.cooldown.CheckAndMark(env.To, env.CooldownKey, env.CooldownSeconds, now)
		if err != nil {
			return Result{}, err
		}
		if suppressed {
			_ = w.events.Log(model.Event{
				ID:        "evt-" + env.ID + "-suppressed",
				Ts:        now.UTC().Format(time.RFC3339),
				Kind:      model.EventNudgeSuppressed,
				SubjectID: env.ID,
				TraceID:   env.TraceID,
				Attrs:     map[string]interface{}{"to": env.To, "cooldown_key": env.CooldownKey},
			})
			return Result{Suppressed: true}, nil
		}
	}

	var duplicate bool
	err := w.locks.WithLock(lock.Messages, func() error {
		suppress, err := w.gate.ShouldSuppress(env.ID)
		if err != nil {
			return err
		}
		if suppress {
			duplicate = true
			return nil
		}

		path, err := identity.Join(w.teamDir, "inboxes", env.To+".jsonl")
		if err != nil {
			return err
		}
		line, err := atomicfile.AppendJSONL(path, env)
		if err != nil {
			return err
		}

		return w.index.PutLocked(env.ID, model.MessageLocator{
			Inbox:  env.To + ".jsonl",
			Line:   line,
			Digest: Digest(env),
		})
	})
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		return Result{Duplicate: true}, nil
	}

	_ = w.events.Log(model.Event{
		ID:        "evt-" + env.ID + "-sent",
		Ts:        now.UTC().Format(time.RFC3339),
		Kind:      model.EventSent,
		SubjectID: env.ID,
		TraceID:   env.TraceID,
		Attrs:     sentAttrs(env),
	})

	return Result{}, nil
}

func sentAttrs(env model.Envelope) map[string]interface{} {
	attrs := map[string]interface{}{
		"to":   env.To,
		"from": env.From,
		"type": string(env.Type),
	}
	if env.RequireAck {
		attrs["require_ack"] = true
		attrs["envelope"] = env
	}
	return attrs
}

// Digest returns the sha256 hex digest of env's canonical JSON encoding,
// stored on the message locator (SPEC_FULL.md Open Question resolution).
// Nothing reads it back: status and doctor check do not compare it
// against the inbox line.
func Digest(env model.Envelope) string {
	data, _ := json.Marshal(env)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validateEnvelope(env model.Envelope) error {
	if err := identity.ValidateAll(env.ID, env.From, env.To); err != nil {
		return err
	}
	if env.SchemaVersion != model.SchemaVersion {
		return fmt.Errorf("%w: schema_version %d unsupported", relayerr.ErrSchema, env.SchemaVersion)
	}
	if env.Payload == nil {
		return fmt.Errorf("%w: payload is required", relayerr.ErrSchema)
	}
	if _, err := env.CreatedAtTime(); err != nil {
		return fmt.Errorf("%w: created_at unparseable: %v", relayerr.ErrSchema, err)
	}
	if env.TaskID != "" {
		if err := identity.Validate(env.TaskID); err != nil {
			return err
		}
	}
	if !model.KnownMessageTypes[env.Type] {
		return fmt.Errorf("%w: %q", relayerr.ErrUnknownType, env.Type)
	}
	return nil
}

// ReadInbox streams one agent's full inbox in append order, surfacing
// malformed-line diagnostics. Used by internal/reader and the rehydrator.
func ReadInbox(teamDir, agent string) ([]model.Envelope, []jsonl.Diagnostic, error) {
	path, err := identity.Join(teamDir, "inboxes", agent+".jsonl")
	if err != nil {
		return nil, nil, err
	}
	records, diags, err := jsonl.Stream(path)
	if err != nil {
		return nil, diags, err
	}
	envs := make([]model.Envelope, 0, len(records))
	for _, r := range records {
		var env model.Envelope
		if decErr := jsonl.Decode(r, &env); decErr != nil {
			diags = append(diags, jsonl.Diagnostic{FilePath: path, LineNumber: r.Line, Reason: decErr.Error()})
			continue
		}
		envs = append(envs, env)
	}
	return envs, diags, nil
}

// ListAgents returns every agent with an inbox file, used by the
// rehydrator to enumerate inboxes/*.jsonl without guessing agent names.
func ListAgents(teamDir string) ([]string, error) {
	dir, err := identity.Join(teamDir, "inboxes")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: readdir %s: %v", relayerr.ErrIO, dir, err)
	}
	var agents []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		agents = append(agents, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return agents, nil
}
