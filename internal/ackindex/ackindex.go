// ============================================================================
// Beaver-Relay Ack Index
// ============================================================================
//
// Package: internal/ackindex
// Purpose: single JSON file state/ack-index.json mapping message_id to its
// AckRecord (spec §4.7). Concurrent ack attempts for the same message are
// idempotent: the first writer wins, later writers observe the existing
// record and return success without rewriting.
//
// ============================================================================

package ackindex

import (
	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/pkg/model"
)

type Index struct {
	teamDir string
	locks   *lock.Manager
}

func New(teamDir string, locks *lock.Manager) *Index {
	return &Index{teamDir: teamDir, locks: locks}
}

func (idx *Index) path() (string, error) {
	return identity.Join(idx.teamDir, "state", "ack-index.json")
}

type file struct {
	Acks map[string]model.AckRecord `json:"acks"`
}

func (idx *Index) load() (file, error) {
	path, err := idx.path()
	if err != nil {
		return file{}, err
	}
	var f file
	if err := atomicfile.ReadJSON(path, &f); err != nil {
		f = file{}
	}
	if f.Acks == nil {
		f.Acks = make(map[string]model.AckRecord)
	}
	return f, nil
}

// Get returns the ack record for messageID, if any. Readers take no lock.
func (idx *Index) Get(messageID string) (model.AckRecord, bool, error) {
	f, err := idx.load()
	if err != nil {
		return model.AckRecord{}, false, err
	}
	rec, ok := f.Acks[messageID]
	return rec, ok, nil
}

// IsAcked is a convenience wrapper for the unread-filter in internal/reader.
func (idx *Index) IsAcked(messageID string) (bool, error) {
	_, ok, err := idx.Get(messageID)
	return ok, err
}

// Record stores rec under acks.lock unless messageID already has an ack,
// in which case it is a no-op returning the existing record (idempotent
// ack(m); ack(m) law from spec §8).
func (idx *Index) Record(rec model.AckRecord) (stored model.AckRecord, alreadyAcked bool, err error) {
	err = idx.locks.WithLock(lock.Acks, func() error {
		f, loadErr := idx.load()
		if loadErr != nil {
			return loadErr
		}
		if existing, ok := f.Acks[rec.MessageID]; ok {
			stored = existing
			alreadyAcked = true
			return nil
		}
		f.Acks[rec.MessageID] = rec
		stored = rec
		path, pathErr := idx.path()
		if pathErr != nil {
			return pathErr
		}
		return atomicfile.WriteJSON(path, f)
	})
	return stored, alreadyAcked, err
}

// Count returns the number of acked messages, used by doctor check/status.
func (idx *Index) Count() (int, error) {
	f, err := idx.load()
	if err != nil {
		return 0, err
	}
	return len(f.Acks), nil
}

// RebuildEmpty truncates the ack index (rehydrate never does this today —
// ack state is not derivable purely from inbox/event logs without also
// replaying "acked" events — but the hook exists so a future rehydrate
// extension can resync it from the event log without a package change).
func (idx *Index) RebuildEmpty() error {
	path, err := idx.path()
	if err != nil {
		return err
	}
	return atomicfile.WriteJSON(path, file{Acks: make(map[string]model.AckRecord)})
}
