// ============================================================================
// Beaver-Relay Rehydrator
// ============================================================================
//
// Package: internal/rehydrate
// Purpose: deterministically rebuild every derived state (message index,
// event index, task snapshots) from the append-only inbox and event logs
// (spec §4.14). Never touches inbox/event/dead-letter log files.
//
// Shard swap: shardindex.RebuildEmpty removes and recreates the shard
// directory before replay. This is the "unlink then write" variant
// spec.md §9 calls the documented risk window: a crash between the
// rebuild and the final PutLocked calls leaves a partially rebuilt index,
// but a subsequent rehydrate is safe to retry because it starts by
// wiping again and replaying the same deterministic inputs.
//
// ============================================================================

package rehydrate

import (
	"sort"
	"time"

	"github.com/beaverhq/relay/internal/ackindex"
	"github.com/beaverhq/relay/internal/eventlog"
	"github.com/beaverhq/relay/internal/inbox"
	"github.com/beaverhq/relay/internal/jsonl"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/shardindex"
	"github.com/beaverhq/relay/internal/tasksnapshot"
	"github.com/beaverhq/relay/pkg/model"
)

// Summary reports what one rehydrate pass did, mirrored into the
// "rehydrated" event's attrs (spec §4.14 step 7).
type Summary struct {
	MessagesIndexed  int
	EventsIndexed    int
	SnapshotsApplied int
	MalformedLines   int
}

// Rehydrator wires together the components rehydrate needs to rebuild.
type Rehydrator struct {
	teamDir      string
	locks        *lock.Manager
	messageIndex *shardindex.Index
	eventIndex   *shardindex.Index
	acks         *ackindex.Index
	events       *eventlog.Writer
	tasks        *tasksnapshot.Engine
	diagnostics  *jsonl.DiagnosticsStore
}

func New(
	teamDir string,
	locks *lock.Manager,
	messageIndex, eventIndex *shardindex.Index,
	acks *ackindex.Index,
	events *eventlog.Writer,
	tasks *tasksnapshot.Engine,
	diagnostics *jsonl.DiagnosticsStore,
) *Rehydrator {
	return &Rehydrator{
		teamDir:      teamDir,
		locks:        locks,
		messageIndex: messageIndex,
		eventIndex:   eventIndex,
		acks:         acks,
		events:       events,
		tasks:        tasks,
		diagnostics:  diagnostics,
	}
}

type taskMessage struct {
	env model.Envelope
}

// Run performs one full rehydrate pass and emits a summarizing
// "rehydrated" event.
func (r *Rehydrator) Run(now time.Time) (Summary, error) {
	var summary Summary
	var allDiags []jsonl.Diagnostic

	err := r.locks.WithLocks(
		[]lock.Resource{lock.Messages, lock.Events, lock.TaskSnapshots, lock.StateRehydrate},
		func() error {
			if err := r.messageIndex.RebuildEmpty(); err != nil {
				return err
			}
			if err := r.eventIndex.RebuildEmpty(); err != nil {
				return err
			}
			if err := r.tasks.DeleteAll(); err != nil {
				return err
			}

			var taskMessages []taskMessage

			agents, err := inbox.ListAgents(r.teamDir)
			if err != nil {
				return err
			}
			for _, agent := range agents {
				envs, diags, err := inbox.ReadInbox(r.teamDir, agent)
				if err != nil {
					return err
				}
				allDiags = append(allDiags, diags...)
				for i, env := range envs {
					if err := r.messageIndex.PutLocked(env.ID, model.MessageLocator{
						Inbox:  agent + ".jsonl",
						Line:   i + 1,
						Digest: inbox.Digest(env),
					}); err != nil {
						return err
					}
					summary.MessagesIndexed++
					if env.Type.IsTaskType() {
						taskMessages = append(taskMessages, taskMessage{env: env})
					}
				}
			}

			allEvents, diags, err := r.events.ReadAll()
			if err != nil {
				return err
			}
			allDiags = append(allDiags, diags...)
			for _, ev := range allEvents {
				locator, ok, err := r.locateEvent(ev)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := r.eventIndex.PutLocked(ev.ID, locator); err != nil {
					return err
				}
				summary.EventsIndexed++
			}

			sort.SliceStable(taskMessages, func(i, j int) bool {
				a, b := taskMessages[i].env, taskMessages[j].env
				if a.CreatedAt != b.CreatedAt {
					return a.CreatedAt < b.CreatedAt
				}
				return a.ID < b.ID
			})
			for _, tm := range taskMessages {
				applied, err := r.tasks.ApplyLocked(tm.env)
				if err != nil {
					return err
				}
				if applied {
					summary.SnapshotsApplied++
				}
			}

			return nil
		},
	)
	if err != nil {
		return Summary{}, err
	}

	if len(allDiags) > 0 {
		fresh, diagErr := r.diagnostics.Record(now, allDiags)
		if diagErr != nil {
			return Summary{}, diagErr
		}
		summary.MalformedLines = len(fresh)
	}

	evErr := r.events.Log(model.Event{
		ID:   "evt-rehydrate-" + now.UTC().Format("20060102T150405.000000000"),
		Ts:   now.UTC().Format(time.RFC3339),
		Kind: model.EventRehydrated,
		Attrs: map[string]interface{}{
			"messages_indexed":  summary.MessagesIndexed,
			"events_indexed":    summary.EventsIndexed,
			"snapshots_applied": summary.SnapshotsApplied,
			"malformed_lines":   summary.MalformedLines,
		},
	})
	if evErr != nil {
		return summary, evErr
	}

	return summary, nil
}

// locateEvent recomputes the day-file/line locator for an event already
// read via events.ReadAll, since ReadAll does not carry line numbers.
// Re-reading per day is wasteful at very large scale but keeps the
// rehydrator a pure function of the logs, matching spec §9's design note.
func (r *Rehydrator) locateEvent(ev model.Event) (model.EventLocator, bool, error) {
	ts, err := time.Parse(time.RFC3339, ev.Ts)
	if err != nil {
		return model.EventLocator{}, false, nil
	}
	day := ts.UTC().Format("2006-01-02")
	dayEvents, _, err := r.events.ReadDay(day)
	if err != nil {
		return model.EventLocator{}, false, err
	}
	for i, e := range dayEvents {
		if e.ID == ev.ID {
			return model.EventLocator{DayFile: day + ".jsonl", Line: i + 1}, true, nil
		}
	}
	return model.EventLocator{}, false, nil
}
