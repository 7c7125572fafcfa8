// ============================================================================
// Beaver-Relay Core Type Definitions
// ============================================================================
//
// Package: pkg/model
// Purpose: Core domain models shared by every internal package.
//
// Design principles:
//   1. Envelopes are immutable once appended — every mutation is
//      expressed as a new envelope or as a side-index update.
//   2. JSON is the only wire/storage format; fields are tagged
//      explicitly and optional fields use omitempty so writers never
//      emit null for an absent value.
//   3. Schema versioning lives on the envelope itself so old lines
//      keep decoding after the schema grows.
//
// ============================================================================

package model

import "time"

// SchemaVersion is the only schema version the envelope format currently
// supports. The inbox writer rejects any other version on send; inbox
// readers do not check it.
const SchemaVersion = 1

// MessageType enumerates the envelope types the relay dispatch table knows
// about. Unknown values are rejected at the boundary with ErrUnknownType.
type MessageType string

const (
	TypeIdleNotification MessageType = "idle_notification"
	TypeTaskAssign       MessageType = "task_assign"
	TypeTaskUpdate       MessageType = "task_update"
	TypeDecisionRequired MessageType = "decision_required"
	TypeNudge            MessageType = "nudge"
	TypeBroadcast        MessageType = "broadcast"
	TypeAckRequest       MessageType = "ack_request"
)

// KnownMessageTypes is the closed set consulted by schema validation.
var KnownMessageTypes = map[MessageType]bool{
	TypeIdleNotification: true,
	TypeTaskAssign:       true,
	TypeTaskUpdate:       true,
	TypeDecisionRequired: true,
	TypeNudge:            true,
	TypeBroadcast:        true,
	TypeAckRequest:       true,
}

// IsTaskType reports whether envelopes of this type are applicable to the
// task snapshot engine (spec §4.11).
func (t MessageType) IsTaskType() bool {
	return t == TypeTaskAssign || t == TypeTaskUpdate
}

// Envelope is a message record as written to an inbox. Immutable once
// appended: ack/read state live in side indexes, never on the envelope.
type Envelope struct {
	ID              string                 `json:"id"`
	Type            MessageType            `json:"type"`
	From            string                 `json:"from"`
	To              string                 `json:"to"`
	Payload         map[string]interface{} `json:"payload"`
	CreatedAt       string                 `json:"created_at"`
	SchemaVersion   int                    `json:"schema_version"`
	TaskID          string                 `json:"task_id,omitempty"`
	TraceID         string                 `json:"trace_id,omitempty"`
	Priority        int                    `json:"priority,omitempty"`
	RequireAck      bool                   `json:"require_ack,omitempty"`
	CooldownKey     string                 `json:"cooldown_key,omitempty"`
	CooldownSeconds int                    `json:"cooldown_seconds,omitempty"`
}

// CreatedAtTime parses CreatedAt as RFC 3339. The inbox writer's envelope
// validation calls it to reject an unparseable created_at before append.
func (e *Envelope) CreatedAtTime() (time.Time, error) {
	return time.Parse(time.RFC3339, e.CreatedAt)
}

// EventKind enumerates operational events recorded in the day-sharded event
// log (spec §3).
type EventKind string

const (
	EventSent             EventKind = "sent"
	EventRead             EventKind = "read"
	EventAcked            EventKind = "acked"
	EventRetryScheduled   EventKind = "retry_scheduled"
	EventDeadLettered     EventKind = "dead_lettered"
	EventRehydrated       EventKind = "rehydrated"
	EventMalformedSkipped EventKind = "malformed_skipped"
	EventNudgeSuppressed  EventKind = "nudge_suppressed"
	EventDoctorCheckRan   EventKind = "doctor_check_ran"
)

// Event is one operational log record, written to events/<YYYY-MM-DD>.jsonl.
type Event struct {
	ID        string                 `json:"id"`
	Ts        string                 `json:"ts"`
	Kind      EventKind              `json:"kind"`
	SubjectID string                 `json:"subject_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// TaskSnapshot is the current derived state of one task, rebuildable from
// task_assign/task_update messages (spec §4.11).
type TaskSnapshot struct {
	TaskID                 string `json:"task_id"`
	Status                 string `json:"status"`
	Subject                string `json:"subject"`
	Details                string `json:"details,omitempty"`
	Assignee               string `json:"assignee"`
	Reporter               string `json:"reporter"`
	TraceID                string `json:"trace_id,omitempty"`
	HistorySummary         string `json:"history_summary,omitempty"`
	SnapshotVersion        int    `json:"snapshot_version"`
	LastMessageID          string `json:"last_message_id"`
	LastMessageCreatedAt   string `json:"last_message_created_at"`
	SnapshotConflictPolicy string `json:"snapshot_conflict_policy"`
}

// ConflictPolicy is the only merge policy a snapshot ever records; kept as
// a constant so every writer stamps the same string.
const ConflictPolicy = "created_at_then_message_id_monotonic"

// AckRecord is the side-index entry recorded when a message is acked
// (spec §4.7). Exactly one AckRecord exists per acked message id.
type AckRecord struct {
	MessageID string `json:"message_id"`
	AckedBy   string `json:"acked_by"`
	AckedAt   string `json:"acked_at"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NudgeStateEntry is one row of the cooldown index (spec §4.13).
type NudgeStateEntry struct {
	Key        string `json:"key"`
	LastSentAt string `json:"last_sent_at"`
}

// MalformedDiagnostic records one distinct malformed JSONL line seen by the
// streaming reader (spec §4.4). Deduplicated by (FilePath, LineHash).
type MalformedDiagnostic struct {
	FilePath    string `json:"file_path"`
	LineNumber  int    `json:"line_number"`
	LineHash    string `json:"line_hash"`
	Reason      string `json:"reason"`
	FirstSeenAt string `json:"first_seen_at"`
	LastSeenAt  string `json:"last_seen_at"`
	Count       int    `json:"count"`
}

// DeadLetterRecord is appended to dead-letter/<YYYY-MM-DD>.jsonl once a
// require_ack envelope exhausts its retry budget (spec §4.12).
type DeadLetterRecord struct {
	OriginalEnvelope Envelope `json:"original_envelope"`
	Attempts         int      `json:"attempts"`
	LastError        string   `json:"last_error"`
	TerminatedAt     string   `json:"terminated_at"`
}

// MessageLocator is the value stored in the message index: where in the
// inbox an envelope landed, plus a digest of the envelope (spec §9 open
// question, resolved yes in SPEC_FULL.md). The digest is stored only; no
// command reads or verifies it.
type MessageLocator struct {
	Inbox   string `json:"inbox"`
	Line    int    `json:"line"`
	Digest  string `json:"digest"`
}

// EventLocator is the value stored in the event index.
type EventLocator struct {
	DayFile string `json:"day_file"`
	Line    int    `json:"line"`
}
