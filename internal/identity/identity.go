// Package identity validates and canonicalizes the untrusted strings that
// name teams, agents, and tasks (spec §4.1). Nothing downstream is allowed
// to join a raw, unvalidated string into a filesystem path.
package identity

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/beaverhq/relay/internal/relayerr"
)

// maxLen bounds identifier length. spec.md is silent on a bound; 255 bytes
// is the filesystem path-component safety margin (see SPEC_FULL.md Open
// Question resolutions).
const maxLen = 255

var safePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate rejects any identifier containing '/', '\', the substring "..",
// equal to "." or "..", empty, over maxLen bytes, or not matching the safe
// character class.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty identifier", relayerr.ErrUnsafeIdentifier)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%w: identifier exceeds %d bytes", relayerr.ErrUnsafeIdentifier, maxLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", relayerr.ErrUnsafeIdentifier, id)
	}
	if strings.Contains(id, "/") || strings.Contains(id, `\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", relayerr.ErrUnsafeIdentifier, id)
	}
	if !safePattern.MatchString(id) {
		return fmt.Errorf("%w: %q", relayerr.ErrUnsafeIdentifier, id)
	}
	return nil
}

// ValidateAll validates every identifier, returning the first failure.
func ValidateAll(ids ...string) error {
	for _, id := range ids {
		if err := Validate(id); err != nil {
			return err
		}
	}
	return nil
}

// Join validates every segment and then joins it beneath root. It is the
// only sanctioned way to derive a path from caller-controlled input.
func Join(root string, segments ...string) (string, error) {
	if err := ValidateAll(segments...); err != nil {
		return "", err
	}
	parts := append([]string{root}, segments...)
	return filepath.Join(parts...), nil
}
