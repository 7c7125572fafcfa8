// ============================================================================
// Beaver-Relay Lock Manager
// ============================================================================
//
// Package: internal/lock
// Purpose: per-team, per-resource exclusive advisory file locks with
// guaranteed release (spec §4.2).
//
// Resource files live at teams/<team>/locks/<resource>.lock and are
// created on demand. Locking is per-process/per-file-descriptor — there
// is no cross-host guarantee, matching spec §5's concurrency model.
//
// Lock ordering:
//   The mandated global order is
//     messages -> events -> acks -> task-snapshots -> state-rehydrate ->
//     malformed-jsonl -> dead-letter -> nudge-cooldown
//   Inversion is forbidden. WithLocks sorts its argument list by rank
//   before acquiring so a caller that legitimately needs more than one
//   lock (only the rehydrator does today) can't accidentally invert it.
//
// ============================================================================

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/relayerr"
)

// lockRetryInterval is how often a timeout-bound acquisition re-polls the
// lock file while waiting.
const lockRetryInterval = 20 * time.Millisecond

// WaitObserver receives lock-wait timing. Satisfied by *metrics.Collector
// without internal/lock importing internal/metrics.
type WaitObserver interface {
	ObserveLockWait(resource string, seconds float64)
}

// Resource names one of the eight lockable resources named in spec §4.2.
type Resource string

const (
	Messages       Resource = "messages"
	Events         Resource = "events"
	Acks           Resource = "acks"
	TaskSnapshots  Resource = "task-snapshots"
	StateRehydrate Resource = "state-rehydrate"
	MalformedJSONL Resource = "malformed-jsonl"
	DeadLetter     Resource = "dead-letter"
	NudgeCooldown  Resource = "nudge-cooldown"
)

// rank is the mandated acquisition order. Lower acquires first.
var rank = map[Resource]int{
	Messages:       0,
	Events:         1,
	Acks:           2,
	TaskSnapshots:  3,
	StateRehydrate: 4,
	MalformedJSONL: 5,
	DeadLetter:     6,
	NudgeCooldown:  7,
}

// Manager derives lock file paths beneath one team directory.
type Manager struct {
	teamDir  string
	timeout  time.Duration
	observer WaitObserver
}

// NewManager returns a Manager rooted at teamDir (the already-validated
// teams/<team> directory). With no timeout set, WithLock blocks
// indefinitely, matching spec §4.2's default.
func NewManager(teamDir string) *Manager {
	return &Manager{teamDir: teamDir}
}

// SetTimeout bounds how long WithLock waits to acquire a lock before giving
// up, sourced from relay.yaml's lock.timeout_seconds. A zero or negative
// value restores the unbounded-wait default.
func (m *Manager) SetTimeout(d time.Duration) {
	m.timeout = d
}

// SetObserver wires a WaitObserver so every WithLock call reports how long
// it spent waiting to acquire its lock.
func (m *Manager) SetObserver(o WaitObserver) {
	m.observer = o
}

func (m *Manager) pathFor(r Resource) (string, error) {
	return identity.Join(m.teamDir, "locks", string(r)+".lock")
}

// WithLock acquires an exclusive advisory lock on resource r for the
// duration of fn, guaranteeing release on every exit path including a
// panic or error from fn. If a timeout is configured, acquisition gives up
// and returns ErrLockFailed once it elapses instead of blocking forever.
func (m *Manager) WithLock(r Resource, fn func() error) (err error) {
	path, err := m.pathFor(r)
	if err != nil {
		return err
	}

	fl := flock.New(path)
	waitStart := time.Now()

	if m.timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		locked, lockErr := fl.TryLockContext(ctx, lockRetryInterval)
		if lockErr == nil && !locked {
			lockErr = ctx.Err()
		}
		if lockErr != nil {
			return fmt.Errorf("%w: resource %s: %v", relayerr.ErrLockFailed, r, lockErr)
		}
	} else if lockErr := fl.Lock(); lockErr != nil {
		return fmt.Errorf("%w: resource %s: %v", relayerr.ErrLockFailed, r, lockErr)
	}

	if m.observer != nil {
		m.observer.ObserveLockWait(string(r), time.Since(waitStart).Seconds())
	}

	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("%w: resource %s unlock: %v", relayerr.ErrLockFailed, r, unlockErr)
		}
	}()

	return fn()
}

// WithLocks acquires multiple resources in mandated rank order, releasing
// in reverse order on return. Used only where a single critical section
// genuinely spans more than one resource (the rehydrator).
func (m *Manager) WithLocks(resources []Resource, fn func() error) error {
	sorted := append([]Resource(nil), resources...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && rank[sorted[j-1]] > rank[sorted[j]]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return m.withLocksOrdered(sorted, fn)
}

func (m *Manager) withLocksOrdered(resources []Resource, fn func() error) error {
	if len(resources) == 0 {
		return fn()
	}
	head, tail := resources[0], resources[1:]
	return m.WithLock(head, func() error {
		return m.withLocksOrdered(tail, fn)
	})
}
