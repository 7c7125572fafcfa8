// ============================================================================
// Beaver-Relay Nudge Cooldown
// ============================================================================
//
// Package: internal/cooldown
// Purpose: per-(team, recipient, cooldown_key) suppression with
// time-bucketed state at state/nudge-index.json (spec §4.13).
//
// ============================================================================

package cooldown

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/pkg/model"
)

type Gate struct {
	teamDir string
	team    string
	locks   *lock.Manager
}

func New(teamDir, team string, locks *lock.Manager) *Gate {
	return &Gate{teamDir: teamDir, team: team, locks: locks}
}

// Key hashes (team, recipient, cooldownKey) into the index key named in
// spec §3 ("key = hash(team, recipient, cooldown_key)").
func Key(team, recipient, cooldownKey string) string {
	sum := sha256.Sum256([]byte(team + "\x00" + recipient + "\x00" + cooldownKey))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) path() (string, error) {
	return identity.Join(g.teamDir, "state", "nudge-index.json")
}

type file struct {
	Entries map[string]model.NudgeStateEntry `json:"entries"`
}

func (g *Gate) load() (file, error) {
	path, err := g.path()
	if err != nil {
		return file{}, err
	}
	var f file
	if err := atomicfile.ReadJSON(path, &f); err != nil {
		f = file{}
	}
	if f.Entries == nil {
		f.Entries = make(map[string]model.NudgeStateEntry)
	}
	return f, nil
}

// CheckAndMark reports whether a send with this recipient/cooldownKey/
// cooldownSeconds at now should be suppressed. When not suppressed, it
// atomically updates last_sent_at = now under nudge-cooldown.lock in the
// same call, so a caller doesn't need a second round trip.
func (g *Gate) CheckAndMark(recipient, cooldownKey string, cooldownSeconds int, now time.Time) (suppressed bool, err error) {
	if cooldownKey == "" {
		return false, nil
	}

	key := Key(g.team, recipient, cooldownKey)
	err = g.locks.WithLock(lock.NudgeCooldown, func() error {
		f, err := g.load()
		if err != nil {
			return err
		}

		if entry, ok := f.Entries[key]; ok {
			last, parseErr := time.Parse(time.RFC3339, entry.LastSentAt)
			if parseErr == nil && now.Sub(last) < time.Duration(cooldownSeconds)*time.Second {
				suppressed = true
				return nil
			}
		}

		f.Entries[key] = model.NudgeStateEntry{Key: key, LastSentAt: now.UTC().Format(time.RFC3339)}
		path, pathErr := g.path()
		if pathErr != nil {
			return pathErr
		}
		return atomicfile.WriteJSON(path, f)
	})
	return suppressed, err
}
