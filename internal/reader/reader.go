// ============================================================================
// Beaver-Relay Reader / Cursor
// ============================================================================
//
// Package: internal/reader
// Purpose: paginated inbox reads with cursor (older-than-id) and unread
// filter (spec §4.15).
//
// ============================================================================

package reader

import (
	"github.com/beaverhq/relay/internal/ackindex"
	"github.com/beaverhq/relay/internal/eventlog"
	"github.com/beaverhq/relay/internal/inbox"
	"github.com/beaverhq/relay/internal/jsonl"
	"github.com/beaverhq/relay/pkg/model"
)

// Options configures a Read call.
type Options struct {
	Unread bool
	Limit  int
	Cursor string
}

// Page is the result of one Read call.
type Page struct {
	Envelopes   []model.Envelope
	NextCursor  string
	Diagnostics []jsonl.Diagnostic
}

// Read streams inboxes/<agent>.jsonl newest-first. When Cursor is set,
// records are skipped until that message id is seen, then yielding
// resumes with strictly older records. At most Limit envelopes are
// returned; if more remain, NextCursor is the id of the last one yielded.
func Read(teamDir, agent string, acks *ackindex.Index, opts Options) (Page, error) {
	envs, diags, err := inbox.ReadInbox(teamDir, agent)
	if err != nil {
		return Page{}, err
	}

	// Newest-first means reverse append order.
	reversed := make([]model.Envelope, len(envs))
	for i, e := range envs {
		reversed[len(envs)-1-i] = e
	}

	skipping := opts.Cursor != ""
	var page Page
	page.Diagnostics = diags

	limit := opts.Limit
	if limit <= 0 {
		limit = len(reversed)
	}

	for _, env := range reversed {
		if skipping {
			if env.ID == opts.Cursor {
				skipping = false
			}
			continue
		}

		if opts.Unread {
			acked, ackErr := acks.IsAcked(env.ID)
			if ackErr != nil {
				return Page{}, ackErr
			}
			if acked {
				continue
			}
		}

		if len(page.Envelopes) >= limit {
			page.NextCursor = page.Envelopes[len(page.Envelopes)-1].ID
			break
		}
		page.Envelopes = append(page.Envelopes, env)
	}

	return page, nil
}

// TraceOptions configures a Trace call.
type TraceOptions struct {
	Limit  int
	Cursor string
}

// TracePage is the result of one Trace call.
type TracePage struct {
	Events      []model.Event
	NextCursor  string
	Diagnostics []jsonl.Diagnostic
}

// Trace mirrors Read over the event log for one trace id, oldest-first
// (chronological), matching spec §4.15.
func Trace(events *eventlog.Writer, traceID string, opts TraceOptions) (TracePage, error) {
	all, diags, err := events.ReadAll()
	if err != nil {
		return TracePage{}, err
	}

	var matching []model.Event
	for _, ev := range all {
		if ev.TraceID == traceID {
			matching = append(matching, ev)
		}
	}

	skipping := opts.Cursor != ""
	var page TracePage
	page.Diagnostics = diags

	limit := opts.Limit
	if limit <= 0 {
		limit = len(matching)
	}

	for _, ev := range matching {
		if skipping {
			if ev.ID == opts.Cursor {
				skipping = false
			}
			continue
		}
		if len(page.Events) >= limit {
			page.NextCursor = page.Events[len(page.Events)-1].ID
			break
		}
		page.Events = append(page.Events, ev)
	}

	return page, nil
}
