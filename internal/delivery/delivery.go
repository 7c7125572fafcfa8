// ============================================================================
// Beaver-Relay Delivery Guard
// ============================================================================
//
// Package: internal/delivery
// Purpose: retry schedule, ack-wait timeout, and dead-letter emission for
// require_ack sends (spec §4.12).
//
// Persistence resolves the Open Question in spec.md §9 as option (b):
// pending delivery state is reconstructed from events (sent,
// retry_scheduled, acked, dead_lettered) rather than kept in a dedicated
// state/delivery-guard.json file. This removes the need for a ninth lock
// resource beyond the eight spec.md §4.2 names.
//
// Guard never imports internal/inbox: re-sending a nudge is performed by
// the caller's resend callback passed to Tick, keeping the dependency
// graph acyclic (internal/relay wires both together).
//
// ============================================================================

package delivery

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/beaverhq/relay/internal/ackindex"
	"github.com/beaverhq/relay/internal/deadletter"
	"github.com/beaverhq/relay/internal/eventlog"
	"github.com/beaverhq/relay/pkg/model"
)

// Policy is the retry schedule for one message type (spec §4.12).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	AckTimeout  time.Duration
}

var urgentPolicy = Policy{MaxAttempts: 5, BaseDelay: 30 * time.Second, Factor: 2, AckTimeout: 10 * time.Minute}
var defaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, Factor: 2, AckTimeout: 5 * time.Minute}

// ResolvePolicy returns the policy for a require_ack message type per
// spec §4.12's defaults table.
func ResolvePolicy(t model.MessageType) Policy {
	switch t {
	case model.TypeTaskAssign, model.TypeDecisionRequired:
		return urgentPolicy
	default:
		return defaultPolicy
	}
}

// PendingEntry is one in-flight require_ack delivery.
type PendingEntry struct {
	MessageID     string
	Envelope      model.Envelope
	Attempts      int
	FirstSentAt   time.Time
	NextAttemptAt time.Time
}

// Guard drives retries and dead-lettering for one team.
type Guard struct {
	events      *eventlog.Writer
	acks        *ackindex.Index
	deadLetters *deadletter.Writer

	urgentOverride  *Policy
	defaultOverride *Policy
}

func NewGuard(events *eventlog.Writer, acks *ackindex.Index, deadLetters *deadletter.Writer) *Guard {
	return &Guard{events: events, acks: acks, deadLetters: deadLetters}
}

// WithPolicies overrides the urgent/default retry policies with values
// sourced from relay.yaml's retry.urgent / retry.default. Either argument
// may be nil, leaving the compiled-in defaults in effect for that category.
func (g *Guard) WithPolicies(urgent, def *Policy) *Guard {
	g.urgentOverride = urgent
	g.defaultOverride = def
	return g
}

// resolvePolicy is ResolvePolicy's defaults-table lookup, overridden per
// category when WithPolicies has configured one.
func (g *Guard) resolvePolicy(t model.MessageType) Policy {
	switch t {
	case model.TypeTaskAssign, model.TypeDecisionRequired:
		if g.urgentOverride != nil {
			return *g.urgentOverride
		}
		return urgentPolicy
	default:
		if g.defaultOverride != nil {
			return *g.defaultOverride
		}
		return defaultPolicy
	}
}

// Pending reconstructs the in-flight set from the event log. A message id
// that has an acked or dead_lettered event never re-enters the set, even
// when that event sorts ahead of its sent event.
func (g *Guard) Pending() (map[string]*PendingEntry, error) {
	events, _, err := g.events.ReadAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Ts != events[j].Ts {
			return events[i].Ts < events[j].Ts
		}
		return events[i].ID < events[j].ID
	})

	pending := make(map[string]*PendingEntry)
	settled := make(map[string]bool)
	for _, ev := range events {
		switch ev.Kind {
		case model.EventSent:
			if settled[ev.SubjectID] {
				continue
			}
			if requireAck, _ := ev.Attrs["require_ack"].(bool); !requireAck {
				continue
			}
			env, envErr := decodeEnvelope(ev.Attrs["envelope"])
			if envErr != nil {
				continue
			}
			sentAt, tsErr := time.Parse(time.RFC3339, ev.Ts)
			if tsErr != nil {
				continue
			}
			policy := g.resolvePolicy(env.Type)
			pending[ev.SubjectID] = &PendingEntry{
				MessageID:     ev.SubjectID,
				Envelope:      env,
				Attempts:      0,
				FirstSentAt:   sentAt,
				NextAttemptAt: sentAt.Add(policy.BaseDelay),
			}
		case model.EventRetryScheduled:
			entry, ok := pending[ev.SubjectID]
			if !ok {
				continue
			}
			entry.Attempts++
			if nextRaw, ok := ev.Attrs["next_attempt_at"].(string); ok {
				if next, err := time.Parse(time.RFC3339, nextRaw); err == nil {
					entry.NextAttemptAt = next
				}
			}
		case model.EventAcked, model.EventDeadLettered:
			settled[ev.SubjectID] = true
			delete(pending, ev.SubjectID)
		}
	}
	return pending, nil
}

func decodeEnvelope(v interface{}) (model.Envelope, error) {
	var env model.Envelope
	data, err := json.Marshal(v)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	return env, nil
}

// ResendFunc re-sends a nudge envelope derived from orig (attempt-numbered)
// and returns the envelope that was actually appended (its new message id).
type ResendFunc func(orig model.Envelope, attempt int) (model.Envelope, error)

// TickResult reports what happened to one pending entry during a Tick.
type TickResult struct {
	MessageID    string
	Retried      bool
	DeadLettered bool
}

// Tick finds entries whose next_attempt_at has elapsed and are still
// unacked, and either re-enqueues a retry or emits a dead letter
// (spec §4.12 steps 1-3).
func (g *Guard) Tick(now time.Time, resend ResendFunc) ([]TickResult, error) {
	pending, err := g.Pending()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []TickResult
	for _, id := range ids {
		entry := pending[id]
		if entry.NextAttemptAt.After(now) {
			continue
		}

		acked, err := g.acks.IsAcked(id)
		if err != nil {
			return nil, err
		}
		if acked {
			continue
		}

		policy := g.resolvePolicy(entry.Envelope.Type)
		exhausted := entry.Attempts >= policy.MaxAttempts || now.Sub(entry.FirstSentAt) > policy.AckTimeout

		if exhausted {
			if err := g.deadLetters.Append(model.DeadLetterRecord{
				OriginalEnvelope: entry.Envelope,
				Attempts:         entry.Attempts,
				LastError:        "retry budget or ack timeout exhausted",
				TerminatedAt:     now.UTC().Format(time.RFC3339),
			}, now); err != nil {
				return nil, err
			}
			if err := g.events.Log(model.Event{
				ID:        fmt.Sprintf("evt-%s-dead-%d", id, entry.Attempts),
				Ts:        now.UTC().Format(time.RFC3339),
				Kind:      model.EventDeadLettered,
				SubjectID: id,
				TraceID:   entry.Envelope.TraceID,
			}); err != nil {
				return nil, err
			}
			results = append(results, TickResult{MessageID: id, DeadLettered: true})
			continue
		}

		delay := time.Duration(float64(policy.BaseDelay) * math.Pow(policy.Factor, float64(entry.Attempts)))
		nextAt := now.Add(delay)

		newEnv, err := resend(entry.Envelope, entry.Attempts+1)
		if err != nil {
			return nil, err
		}

		if err := g.events.Log(model.Event{
			ID:        fmt.Sprintf("evt-%s-retry-%d", id, entry.Attempts+1),
			Ts:        now.UTC().Format(time.RFC3339),
			Kind:      model.EventRetryScheduled,
			SubjectID: id,
			TraceID:   entry.Envelope.TraceID,
			Attrs: map[string]interface{}{
				"next_attempt_at": nextAt.UTC().Format(time.RFC3339),
				"new_message_id":  newEnv.ID,
			},
		}); err != nil {
			return nil, err
		}
		results = append(results, TickResult{MessageID: id, Retried: true})
	}

	return results, nil
}

// Ack records an ack for messageID and, the first time it's seen, emits an
// "acked" event that removes the entry from future Pending() reconstructions.
// The returned bool reports whether this call recorded a new ack, as
// opposed to observing one already on file.
func (g *Guard) Ack(rec model.AckRecord, now time.Time) (bool, error) {
	_, alreadyAcked, err := g.acks.Record(rec)
	if err != nil {
		return false, err
	}
	if alreadyAcked {
		return false, nil
	}
	if err := g.events.Log(model.Event{
		ID:        "evt-" + rec.MessageID + "-acked",
		Ts:        now.UTC().Format(time.RFC3339),
		Kind:      model.EventAcked,
		SubjectID: rec.MessageID,
		TraceID:   rec.TraceID,
	}); err != nil {
		return false, err
	}
	return true, nil
}
