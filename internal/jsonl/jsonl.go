// ============================================================================
// Beaver-Relay JSONL Reader
// ============================================================================
//
// Package: internal/jsonl
// Purpose: stream-decode a JSONL log file, tolerating malformed lines
// (spec §4.4). A line that is not valid JSON, or decodes to something
// other than a JSON object, is skipped and reported as a Diagnostic; the
// reader never aborts because of one bad line.
//
// ============================================================================

package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/beaverhq/relay/internal/relayerr"
)

// Diagnostic describes one malformed line encountered during a Stream call.
// LineHash is a 64-bit FNV-1a digest of the raw line bytes, matching the
// teacher's CRC-style fingerprinting philosophy but sized for a compact map
// key (spec §3 "Malformed diagnostic entry").
type Diagnostic struct {
	FilePath   string
	LineNumber int
	LineHash   string
	Reason     string
}

// Record is one decoded JSONL line along with its 1-indexed position, so
// callers (the message/event indexes) can record a locator without
// re-scanning the file.
type Record struct {
	Line int
	Raw  json.RawMessage
}

// Stream reads path line by line, decoding each non-blank line as a JSON
// object. Malformed lines are collected into diagnostics rather than
// aborting the read. A missing file yields zero records and no error.
func Stream(path string) (records []Record, diagnostics []Diagnostic, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("%w: open %s: %v", relayerr.ErrIO, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}

		var probe json.RawMessage
		if decodeErr := json.Unmarshal(line, &probe); decodeErr != nil {
			diagnostics = append(diagnostics, Diagnostic{
				FilePath:   path,
				LineNumber: lineNo,
				LineHash:   fingerprint(line),
				Reason:     "invalid json: " + decodeErr.Error(),
			})
			continue
		}
		if !looksLikeObject(probe) {
			diagnostics = append(diagnostics, Diagnostic{
				FilePath:   path,
				LineNumber: lineNo,
				LineHash:   fingerprint(line),
				Reason:     "line is not a JSON object",
			})
			continue
		}

		records = append(records, Record{Line: lineNo, Raw: append(json.RawMessage(nil), line...)})
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return records, diagnostics, fmt.Errorf("%w: scan %s: %v", relayerr.ErrIO, path, scanErr)
	}

	return records, diagnostics, nil
}

// Decode unmarshals a Record into dst, the typed form every caller wants.
func Decode(r Record, dst interface{}) error {
	return json.Unmarshal(r.Raw, dst)
}

func looksLikeObject(raw json.RawMessage) bool {
	trimmed := bytesTrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func fingerprint(line []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(line)
	return fmt.Sprintf("%016x", h.Sum64())
}
