package jsonl

import (
	"os"
	"time"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/pkg/model"
)

// DiagnosticsStore persists malformed-line diagnostics at
// state/malformed.json, deduplicated by (file_path, line_hash) so that
// reading the same malformed tail repeatedly does not inflate counters
// (spec §4.4, §3).
type DiagnosticsStore struct {
	teamDir string
	locks   *lock.Manager
}

func NewDiagnosticsStore(teamDir string, locks *lock.Manager) *DiagnosticsStore {
	return &DiagnosticsStore{teamDir: teamDir, locks: locks}
}

type diagnosticsFile struct {
	Entries map[string]model.MalformedDiagnostic `json:"entries"`
}

func (s *DiagnosticsStore) path() (string, error) {
	return identity.Join(s.teamDir, "state", "malformed.json")
}

func (s *DiagnosticsStore) load() (diagnosticsFile, error) {
	path, err := s.path()
	if err != nil {
		return diagnosticsFile{}, err
	}
	var f diagnosticsFile
	if err := atomicfile.ReadJSON(path, &f); err != nil {
		if os.IsNotExist(err) {
			// fallthrough to empty below
		}
		f = diagnosticsFile{}
	}
	if f.Entries == nil {
		f.Entries = make(map[string]model.MalformedDiagnostic)
	}
	return f, nil
}

// Record merges new diagnostics into the persisted store, returning only
// the ones that were genuinely new (first time seen) so the caller can
// decide whether to emit a "malformed_skipped" event and/or a stderr
// warning (spec §6 TEAM_CHAT_WARN_MALFORMED).
func (s *DiagnosticsStore) Record(now time.Time, diags []Diagnostic) ([]model.MalformedDiagnostic, error) {
	if len(diags) == 0 {
		return nil, nil
	}

	var fresh []model.MalformedDiagnostic
	err := s.locks.WithLock(lock.MalformedJSONL, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}

		ts := now.UTC().Format(time.RFC3339)
		for _, d := range diags {
			key := d.FilePath + "|" + d.LineHash
			if existing, ok := f.Entries[key]; ok {
				existing.Count++
				existing.LastSeenAt = ts
				existing.LineNumber = d.LineNumber
				f.Entries[key] = existing
				continue
			}
			entry := model.MalformedDiagnostic{
				FilePath:    d.FilePath,
				LineNumber:  d.LineNumber,
				LineHash:    d.LineHash,
				Reason:      d.Reason,
				FirstSeenAt: ts,
				LastSeenAt:  ts,
				Count:       1,
			}
			f.Entries[key] = entry
			fresh = append(fresh, entry)
		}

		path, err := s.path()
		if err != nil {
			return err
		}
		return atomicfile.WriteJSON(path, f)
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// Count returns the total number of distinct malformed fingerprints known,
// used by doctor check.
func (s *DiagnosticsStore) Count() (int, error) {
	f, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(f.Entries), nil
}
