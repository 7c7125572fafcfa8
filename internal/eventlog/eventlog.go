// ============================================================================
// Beaver-Relay Event Log Writer
// ============================================================================
//
// Package: internal/eventlog
// Purpose: dated operational-event append plus event-index update
// (spec §4.10). The UTC day is computed from event.Ts; events.lock guards
// the append-then-index critical section; duplicate event ids are
// idempotently dropped (spec §4.8).
//
// ============================================================================

package eventlog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/dedupe"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/jsonl"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/relayerr"
	"github.com/beaverhq/relay/internal/shardindex"
	"github.com/beaverhq/relay/pkg/model"
)

const dayLayout = "2006-01-02"

// Writer appends operational events to events/<YYYY-MM-DD>.jsonl and keeps
// the event index current.
type Writer struct {
	teamDir string
	locks   *lock.Manager
	index   *shardindex.Index
	gate    *dedupe.Gate
}

func NewWriter(teamDir string, locks *lock.Manager, index *shardindex.Index) *Writer {
	return &Writer{teamDir: teamDir, locks: locks, index: index, gate: dedupe.New(index)}
}

func dayFileName(ts time.Time) string {
	return ts.UTC().Format(dayLayout) + ".jsonl"
}

func (w *Writer) dayPath(ts time.Time) (string, error) {
	return identity.Join(w.teamDir, "events", dayFileName(ts))
}

// Log validates, dedupes, appends, and indexes ev. Returns nil (success)
// when ev.ID was already present — idempotent resends are not an error.
func (w *Writer) Log(ev model.Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, ev.Ts)
	if err != nil {
		return fmt.Errorf("%w: event ts %q: %v", relayerr.ErrSchema, ev.Ts, err)
	}

	return w.locks.WithLock(lock.Events, func() error {
		suppress, err := w.gate.ShouldSuppress(ev.ID)
		if err != nil {
			return err
		}
		if suppress {
			return nil
		}

		path, err := w.dayPath(ts)
		if err != nil {
			return err
		}
		line, err := atomicfile.AppendJSONL(path, ev)
		if err != nil {
			return err
		}

		return w.index.PutLocked(ev.ID, model.EventLocator{
			DayFile: dayFileName(ts),
			Line:    line,
		})
	})
}

func validate(ev model.Event) error {
	if err := identity.Validate(ev.ID); err != nil {
		return err
	}
	if ev.Kind == "" {
		return fmt.Errorf("%w: event missing kind", relayerr.ErrSchema)
	}
	if _, err := time.Parse(time.RFC3339, ev.Ts); err != nil {
		return fmt.Errorf("%w: event ts unparseable: %v", relayerr.ErrSchema, err)
	}
	return nil
}

// ReadDay streams one day file's events in append order, as stored. Malformed diagnostics are surfaced for the caller to persist via
// internal/jsonl.DiagnosticsStore.
func (w *Writer) ReadDay(day string) ([]model.Event, []jsonl.Diagnostic, error) {
	path, err := identity.Join(w.teamDir, "events", day+".jsonl")
	if err != nil {
		return nil, nil, err
	}
	records, diags, err := jsonl.Stream(path)
	if err != nil {
		return nil, diags, err
	}
	events := make([]model.Event, 0, len(records))
	for _, r := range records {
		var ev model.Event
		if decErr := jsonl.Decode(r, &ev); decErr != nil {
			diags = append(diags, jsonl.Diagnostic{FilePath: path, LineNumber: r.Line, Reason: decErr.Error()})
			continue
		}
		events = append(events, ev)
	}
	return events, diags, nil
}

// ReadAll streams every events/*.jsonl file in chronological (filename)
// order. Used by the rehydrator, the delivery guard's reconstruction, and
// `trace`.
func (w *Writer) ReadAll() ([]model.Event, []jsonl.Diagnostic, error) {
	dir, err := identity.Join(w.teamDir, "events")
	if err != nil {
		return nil, nil, err
	}
	names, err := listJSONLSorted(dir)
	if err != nil {
		return nil, nil, err
	}

	var all []model.Event
	var diags []jsonl.Diagnostic
	for _, name := range names {
		day := strings.TrimSuffix(name, ".jsonl")
		events, dd, err := w.ReadDay(day)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, events...)
		diags = append(diags, dd...)
	}
	return all, diags, nil
}

func listJSONLSorted(dir string) ([]string, error) {
	entries, err := readDirNames(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range entries {
		if strings.HasSuffix(n, ".jsonl") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: readdir %s: %v", relayerr.ErrIO, dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
