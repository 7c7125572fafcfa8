// Package relayerr defines the error taxonomy shared by every relay
// component (spec §7). Errors are sentinels wrapped with %w at call
// sites, matching the convention in the storage and snapshot layers.
package relayerr

import "errors"

var (
	// ErrUnsafeIdentifier means a team/agent/from/to/task_id value failed
	// internal/identity validation.
	ErrUnsafeIdentifier = errors.New("relay: unsafe identifier")

	// ErrSchema means an envelope or event is missing a required field or
	// otherwise fails structural validation.
	ErrSchema = errors.New("relay: schema validation failed")

	// ErrUnknownType means an envelope's type is not in model.KnownMessageTypes.
	ErrUnknownType = errors.New("relay: unknown message type")

	// ErrLockFailed means acquiring an advisory file lock failed.
	ErrLockFailed = errors.New("relay: lock acquisition failed")

	// ErrIO wraps a filesystem failure that isn't a not-found.
	ErrIO = errors.New("relay: io failure")

	// ErrNotFound means a requested team, agent inbox, or task snapshot
	// does not exist.
	ErrNotFound = errors.New("relay: not found")

	// ErrBootstrap means a team or data root is missing required
	// directories.
	ErrBootstrap = errors.New("relay: bootstrap failure")
)

// ExitCode maps an error produced by the relay core to the process exit
// code mandated by spec §7: 2 for configuration/bootstrap/identifier/
// schema/type errors, 1 for everything else, 0 when err is nil.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUnsafeIdentifier),
		errors.Is(err, ErrSchema),
		errors.Is(err, ErrUnknownType),
		errors.Is(err, ErrBootstrap):
		return 2
	default:
		return 1
	}
}
