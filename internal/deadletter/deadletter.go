// Package deadletter appends exhausted require_ack deliveries to
// dead-letter/<YYYY-MM-DD>.jsonl under the dead-letter lock (spec §4.12).
package deadletter

import (
	"time"

	"github.com/beaverhq/relay/internal/atomicfile"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/pkg/model"
)

type Writer struct {
	teamDir string
	locks   *lock.Manager
}

func NewWriter(teamDir string, locks *lock.Manager) *Writer {
	return &Writer{teamDir: teamDir, locks: locks}
}

// Append writes rec to today's (UTC) dead-letter file.
func (w *Writer) Append(rec model.DeadLetterRecord, now time.Time) error {
	return w.locks.WithLock(lock.DeadLetter, func() error {
		path, err := identity.Join(w.teamDir, "dead-letter", now.UTC().Format("2006-01-02")+".jsonl")
		if err != nil {
			return err
		}
		_, err = atomicfile.AppendJSONL(path, rec)
		return err
	})
}
