// ============================================================================
// Beaver-Relay Sharded Index
// ============================================================================
//
// Package: internal/shardindex
// Purpose: the sharded id -> locator mapping shared by the message index
// (spec §4.5) and the event index (spec §4.6). Both are byte-for-byte the
// same structure keyed by a different id space and a different lock
// resource, so one generic implementation backs both.
//
// Shard key: lowercase_hex(first two bytes of sha256(id)), giving 65,536
// possible shard files per index. A sibling ".migrated" marker signals
// that the legacy single-file index (state/<kind>-index.json) is no
// longer authoritative; until it exists, readers consult both the legacy
// file and any shards, and the first write migrates.
//
// ============================================================================

package shardindex

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/relayerr"
)

// Kind names which index this instance backs; it only affects path naming.
type Kind string

const (
	KindMessages Kind = "message"
	KindEvents   Kind = "event"
)

// Index is a sharded id -> locator map rooted at one team directory.
type Index struct {
	teamDir  string
	kind     Kind
	resource lock.Resource
	locks    *lock.Manager
}

// New returns an Index of the given kind, writing under resource.
func New(teamDir string, kind Kind, resource lock.Resource, locks *lock.Manager) *Index {
	return &Index{teamDir: teamDir, kind: kind, resource: resource, locks: locks}
}

func (idx *Index) shardDir() (string, error) {
	return identity.Join(idx.teamDir, "state", fmt.Sprintf("%s-index-shards", idx.kind))
}

func (idx *Index) legacyPath() (string, error) {
	return identity.Join(idx.teamDir, "state", fmt.Sprintf("%s-index.json", idx.kind))
}

func (idx *Index) migratedMarker() (string, error) {
	dir, err := idx.shardDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".migrated"), nil
}

func shardKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%02x%02x", sum[0], sum[1])
}

func (idx *Index) shardPath(id string) (string, error) {
	dir, err := idx.shardDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, shardKey(id)+".json"), nil
}

type shard struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

func (idx *Index) loadShard(id string) (shard, string, error) {
	path, err := idx.shardPath(id)
	if err != nil {
		return shard{}, "", err
	}
	var s shard
	if err := atomicfile.ReadJSON(path, &s); err != nil {
		if !isNotFound(err) {
			return shard{}, path, err
		}
	}
	if s.Entries == nil {
		s.Entries = make(map[string]json.RawMessage)
	}
	return s, path, nil
}

func isNotFound(err error) bool {
	return err != nil && (os.IsNotExist(err) || errors.Is(err, relayerr.ErrNotFound))
}

func (idx *Index) isMigrated() (bool, error) {
	marker, err := idx.migratedMarker()
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(marker)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", relayerr.ErrIO, marker, statErr)
}

func (idx *Index) loadLegacy() (map[string]json.RawMessage, error) {
	path, err := idx.legacyPath()
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := atomicfile.ReadJSON(path, &m); err != nil {
		if isNotFound(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}

// migrateLocked folds every legacy entry into its shard and drops the
// ".migrated" marker. Must be called with idx.resource already held.
func (idx *Index) migrateLocked() error {
	migrated, err := idx.isMigrated()
	if err != nil || migrated {
		return err
	}

	legacy, err := idx.loadLegacy()
	if err != nil {
		return err
	}

	byShard := make(map[string]shard)
	for id, raw := range legacy {
		key := shardKey(id)
		s, ok := byShard[key]
		if !ok {
			s, _, err = idx.loadShard(id)
			if err != nil {
				return err
			}
		}
		if _, exists := s.Entries[id]; !exists {
			s.Entries[id] = raw
		}
		byShard[key] = s
	}

	dir, err := idx.shardDir()
	if err != nil {
		return err
	}
	for key, s := range byShard {
		if err := atomicfile.WriteJSON(filepath.Join(dir, key+".json"), s); err != nil {
			return err
		}
	}

	marker, err := idx.migratedMarker()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", relayerr.ErrIO, dir, err)
	}
	return os.WriteFile(marker, []byte("1"), 0o644)
}

// Has reports whether id is present, consulting the legacy file too when
// migration has not yet happened. Readers take no lock (spec §5).
func (idx *Index) Has(id string) (bool, error) {
	if err := identity.Validate(id); err != nil {
		return false, err
	}

	s, _, err := idx.loadShard(id)
	if err != nil {
		return false, err
	}
	if _, ok := s.Entries[id]; ok {
		return true, nil
	}

	migrated, err := idx.isMigrated()
	if err != nil {
		return false, err
	}
	if migrated {
		return false, nil
	}

	legacy, err := idx.loadLegacy()
	if err != nil {
		return false, err
	}
	_, ok := legacy[id]
	return ok, nil
}

// Get loads id's locator into dst. ok is false if absent.
func (idx *Index) Get(id string, dst interface{}) (ok bool, err error) {
	if err := identity.Validate(id); err != nil {
		return false, err
	}

	s, _, err := idx.loadShard(id)
	if err != nil {
		return false, err
	}
	if raw, found := s.Entries[id]; found {
		return true, json.Unmarshal(raw, dst)
	}

	migrated, err := idx.isMigrated()
	if err != nil {
		return false, err
	}
	if migrated {
		return false, nil
	}

	legacy, err := idx.loadLegacy()
	if err != nil {
		return false, err
	}
	raw, found := legacy[id]
	if !found {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

// Put writes id's locator, migrating the legacy file on first write and
// acquiring the index's lock resource for the whole operation (spec §4.5).
// Callers that already hold that resource, such as the inbox and event log
// writers inside their dedupe-gated append, use PutLocked instead.
func (idx *Index) Put(id string, locator interface{}) error {
	return idx.locks.WithLock(idx.resource, func() error {
		return idx.putLocked(id, locator)
	})
}

// PutLocked is Put without taking idx.resource itself, for callers (the
// inbox/event log writers) that already hold the resource lock as part of
// a larger append-then-index critical section.
func (idx *Index) PutLocked(id string, locator interface{}) error {
	return idx.putLocked(id, locator)
}

func (idx *Index) putLocked(id string, locator interface{}) error {
	if err := identity.Validate(id); err != nil {
		return err
	}
	if err := idx.migrateLocked(); err != nil {
		return err
	}

	s, path, err := idx.loadShard(id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(locator)
	if err != nil {
		return fmt.Errorf("%w: marshal locator for %s: %v", relayerr.ErrIO, id, err)
	}
	s.Entries[id] = raw
	return atomicfile.WriteJSON(path, s)
}

// HasLocked is Has without taking any lock, for callers that already hold
// idx.resource.
func (idx *Index) HasLocked(id string) (bool, error) {
	return idx.Has(id)
}

// ScanAll visits every (id, raw locator) pair across every shard and, if
// migration has not happened, the legacy file too. Used by rehydrate and
// doctor check; takes no lock itself (caller decides locking).
func (idx *Index) ScanAll(visit func(id string, raw json.RawMessage) error) error {
	dir, err := idx.shardDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: readdir %s: %v", relayerr.ErrIO, dir, err)
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var s shard
		if err := atomicfile.ReadJSON(filepath.Join(dir, e.Name()), &s); err != nil {
			if isNotFound(err) {
				continue
			}
			return err
		}
		for id, raw := range s.Entries {
			seen[id] = true
			if err := visit(id, raw); err != nil {
				return err
			}
		}
	}

	migrated, err := idx.isMigrated()
	if err != nil {
		return err
	}
	if migrated {
		return nil
	}
	legacy, err := idx.loadLegacy()
	if err != nil {
		return err
	}
	for id, raw := range legacy {
		if seen[id] {
			continue
		}
		if err := visit(id, raw); err != nil {
			return err
		}
	}
	return nil
}

// Resource returns the lock resource this index writes under, so a caller
// assembling a multi-resource critical section knows what to request.
func (idx *Index) Resource() lock.Resource {
	return idx.resource
}

// RebuildEmpty wipes the shard directory and legacy file and recreates the
// directory, used by the rehydrator before replaying logs into a fresh
// index. Caller must hold StateRehydrate (and, by ordering, idx.resource).
func (idx *Index) RebuildEmpty() error {
	dir, err := idx.shardDir()
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove %s: %v", relayerr.ErrIO, dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", relayerr.ErrIO, dir, err)
	}
	legacy, err := idx.legacyPath()
	if err != nil {
		return err
	}
	_ = os.Remove(legacy)
	marker, err := idx.migratedMarker()
	if err != nil {
		return err
	}
	return os.WriteFile(marker, []byte("1"), 0o644)
}
