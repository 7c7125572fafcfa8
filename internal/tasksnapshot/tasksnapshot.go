// ============================================================================
// Beaver-Relay Task Snapshot Engine
// ============================================================================
//
// Package: internal/tasksnapshot
// Purpose: monotonic merge of task_assign/task_update messages into
// tasks/<task_id>.json (spec §4.11). Ordering key is
// (created_at, message_id); an incoming key must be strictly greater than
// the snapshot's own key to apply. Legacy snapshots without version
// metadata are accepted on read and populated lazily on first apply.
//
// ============================================================================

package tasksnapshot

import (
	"fmt"
	"os"
	"strings"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/relayerr"
	"github.com/beaverhq/relay/pkg/model"
)

type Engine struct {
	teamDir string
	locks   *lock.Manager
}

func New(teamDir string, locks *lock.Manager) *Engine {
	return &Engine{teamDir: teamDir, locks: locks}
}

func (e *Engine) path(taskID string) (string, error) {
	return identity.Join(e.teamDir, "tasks", taskID+".json")
}

// orderingKeyGreater reports whether (aCreatedAt, aID) is strictly greater
// than (bCreatedAt, bID) under spec §4.11's tie-break rule: compare
// created_at lexicographically as RFC 3339 UTC strings, tie-break on the
// lexicographically greater message id.
func orderingKeyGreater(aCreatedAt, aID, bCreatedAt, bID string) bool {
	if aCreatedAt != bCreatedAt {
		return aCreatedAt > bCreatedAt
	}
	return aID > bID
}

// Load returns the current snapshot for taskID, or (zero value, false) if
// none exists yet. Readers take no lock (spec §5); atomic replace on write
// guarantees they never observe a partial file.
func (e *Engine) Load(taskID string) (model.TaskSnapshot, bool, error) {
	path, err := e.path(taskID)
	if err != nil {
		return model.TaskSnapshot{}, false, err
	}
	var snap model.TaskSnapshot
	if err := atomicfile.ReadJSON(path, &snap); err != nil {
		return model.TaskSnapshot{}, false, nil
	}
	return snap, true, nil
}

// Apply merges env (a task_assign or task_update envelope) into its task's
// snapshot under task-snapshots.lock. Returns whether the message actually
// applied (false means its ordering key was not strictly greater than the
// stored one — discarded, no error).
func (e *Engine) Apply(env model.Envelope) (applied bool, err error) {
	err = e.locks.WithLock(lock.TaskSnapshots, func() error {
		var applyErr error
		applied, applyErr = e.ApplyLocked(env)
		return applyErr
	})
	return applied, err
}

// ApplyLocked is Apply without taking task-snapshots.lock itself, for
// callers (the rehydrator) that already hold it as part of a larger
// multi-resource critical section acquired in mandated order.
func (e *Engine) ApplyLocked(env model.Envelope) (applied bool, err error) {
	if !env.Type.IsTaskType() {
		return false, fmt.Errorf("tasksnapshot: envelope type %q is not snapshot-applicable", env.Type)
	}
	if env.TaskID == "" {
		return false, fmt.Errorf("tasksnapshot: envelope %s missing task_id", env.ID)
	}

	existing, ok, loadErr := e.Load(env.TaskID)
	if loadErr != nil {
		return false, loadErr
	}

	if ok && !orderingKeyGreater(env.CreatedAt, env.ID, existing.LastMessageCreatedAt, existing.LastMessageID) {
		return false, nil
	}

	next := mergeField(existing, ok, env)
	path, pathErr := e.path(env.TaskID)
	if pathErr != nil {
		return false, pathErr
	}
	if writeErr := atomicfile.WriteJSON(path, next); writeErr != nil {
		return false, writeErr
	}
	return true, nil
}

// DeleteAll removes every persisted task snapshot, used by the rehydrator
// before replaying task messages from scratch. Caller must hold
// task-snapshots.lock.
func (e *Engine) DeleteAll() error {
	dir, err := identity.Join(e.teamDir, "tasks")
	if err != nil {
		return err
	}
	if rmErr := os.RemoveAll(dir); rmErr != nil {
		return fmt.Errorf("%w: remove %s: %v", relayerr.ErrIO, dir, rmErr)
	}
	return os.MkdirAll(dir, 0o755)
}

func mergeField(existing model.TaskSnapshot, hadExisting bool, env model.Envelope) model.TaskSnapshot {
	next := existing
	if !hadExisting {
		next = model.TaskSnapshot{TaskID: env.TaskID, Reporter: env.From}
	}
	next.SnapshotConflictPolicy = model.ConflictPolicy

	if assignee, ok := stringField(env.Payload, "assignee"); ok {
		next.Assignee = assignee
	} else if !hadExisting && env.To != "" {
		next.Assignee = env.To
	}
	if status, ok := stringField(env.Payload, "status"); ok {
		next.Status = status
	}
	if subject, ok := stringField(env.Payload, "subject"); ok {
		next.Subject = subject
	}
	if details, ok := stringField(env.Payload, "details"); ok {
		next.Details = details
	}
	if env.TraceID != "" {
		next.TraceID = env.TraceID
	}
	if note, ok := stringField(env.Payload, "note"); ok {
		if next.HistorySummary == "" {
			next.HistorySummary = note
		} else {
			next.HistorySummary = next.HistorySummary + " | " + note
		}
	}

	next.SnapshotVersion = existing.SnapshotVersion + 1
	next.LastMessageID = env.ID
	next.LastMessageCreatedAt = env.CreatedAt
	return next
}

func stringField(payload map[string]interface{}, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ListTaskIDs enumerates tasks/*.json, used by rehydrate and doctor check.
func ListTaskIDs(teamDir string) ([]string, error) {
	dir, err := identity.Join(teamDir, "tasks")
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
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}
