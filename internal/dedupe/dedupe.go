// Package dedupe implements the dedupe gate (spec §4.8): before any inbox
// or event append, consult the appropriate index; if the id is already
// present, suppress the append and let the caller observe success.
package dedupe

import "github.com/beaverhq/relay/internal/shardindex"

// Gate composes identifier validation (already enforced by shardindex) with
// a Has check against one sharded index. It exists as its own type, rather
// than calling idx.Has directly from the writers, so the "idempotent
// append" policy has one name and one place to change.
type Gate struct {
	index *shardindex.Index
}

func New(index *shardindex.Index) *Gate {
	return &Gate{index: index}
}

// ShouldSuppress reports whether id has already been recorded and the
// caller's append should therefore be skipped.
func (g *Gate) ShouldSuppress(id string) (bool, error) {
	return g.index.Has(id)
}
