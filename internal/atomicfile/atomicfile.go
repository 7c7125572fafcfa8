// ============================================================================
// Beaver-Relay Atomic Writer
// ============================================================================
//
// Package: internal/atomicfile
// Purpose: atomic replacement for JSON state files and single-line append
// for JSONL logs (spec §4.3).
//
// WriteJSON encodes obj, writes it to a sibling temp file (prefix .tmp.,
// random suffix) in the same directory as path, and renames over path.
// Rename is atomic on POSIX filesystems, so readers never observe a
// partially written JSON file. Neither WriteJSON nor AppendJSONL forces a
// sync to stable storage — the contract is atomic visibility, best-effort
// durability (spec §4.3, §9).
//
// ============================================================================

package atomicfile

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beaverhq/relay/internal/relayerr"
)

// WriteJSON atomically replaces path with the JSON encoding of obj.
func WriteJSON(path string, obj interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", relayerr.ErrIO, dir, err)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", relayerr.ErrIO, path, err)
	}

	tmpPath, err := tempPath(dir)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: write temp %s: %v", relayerr.ErrIO, tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename %s -> %s: %v", relayerr.ErrIO, tmpPath, path, err)
	}

	return nil
}

// ReadJSON decodes path into obj. Returns relayerr.ErrNotFound (wrapped)
// if path does not exist; callers decide whether that is a first-run
// condition or a real error.
func ReadJSON(path string, obj interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", relayerr.ErrNotFound, path)
		}
		return fmt.Errorf("%w: read %s: %v", relayerr.ErrIO, path, err)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return fmt.Errorf("%w: unmarshal %s: %v", relayerr.ErrIO, path, err)
	}
	return nil
}

// AppendJSONL encodes obj as one compact JSON line and appends it, with a
// trailing '\n', to path (created if absent). Returns the 1-indexed line
// number the record landed on.
func AppendJSONL(path string, obj interface{}) (line int, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: mkdir %s: %v", relayerr.ErrIO, dir, err)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal %s: %v", relayerr.ErrIO, path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", relayerr.ErrIO, path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", relayerr.ErrIO, path, cerr)
		}
	}()

	priorLines, err := countLines(path)
	if err != nil {
		return 0, err
	}

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("%w: append %s: %v", relayerr.ErrIO, path, err)
	}

	return priorLines + 1, nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read %s: %v", relayerr.ErrIO, path, err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}
	return count, nil
}

func tempPath(dir string) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("%w: generate temp suffix: %v", relayerr.ErrIO, err)
	}
	name := ".tmp." + hex.EncodeToString(buf[:])
	return filepath.Join(dir, name), nil
}
