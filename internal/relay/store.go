// ============================================================================
// Beaver-Relay Store
// ============================================================================
//
// Package: internal/relay
// Purpose: the composition root. Store wires C1-C15 behind one facade with
// one method per CLI command, mirroring the teacher's
// internal/controller.Controller composing its WAL, snapshot, and worker
// pool behind a single entry point.
//
// ============================================================================

package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/beaverhq/relay/internal/ackindex"
	"github.com/beaverhq/relay/internal/config"
	"github.com/beaverhq/relay/internal/cooldown"
	"github.com/beaverhq/relay/internal/deadletter"
	"github.com/beaverhq/relay/internal/delivery"
	"github.com/beaverhq/relay/internal/eventlog"
	"github.com/beaverhq/relay/internal/identity"
	"github.com/beaverhq/relay/internal/inbox"
	"github.com/beaverhq/relay/internal/jsonl"
	"github.com/beaverhq/relay/internal/lock"
	"github.com/beaverhq/relay/internal/metrics"
	"github.com/beaverhq/relay/internal/reader"
	"github.com/beaverhq/relay/internal/rehydrate"
	"github.com/beaverhq/relay/internal/relayerr"
	"github.com/beaverhq/relay/internal/shardindex"
	"github.com/beaverhq/relay/internal/tasksnapshot"
	"github.com/beaverhq/relay/pkg/model"
)

// Store is one team's worth of wired-up components. A fresh Store is cheap
// to construct; callers create one per command invocation.
type Store struct {
	dataRoot string
	team     string
	teamDir  string
	log      zerolog.Logger

	locks       *lock.Manager
	messages    *shardindex.Index
	events      *shardindex.Index
	acks        *ackindex.Index
	cooldownG   *cooldown.Gate
	diagnostics *jsonl.DiagnosticsStore
	inboxW      *inbox.Writer
	eventW      *eventlog.Writer
	tasks       *tasksnapshot.Engine
	deadLetters *deadletter.Writer
	guard       *delivery.Guard
	rehydrator  *rehydrate.Rehydrator

	metricsCol *metrics.Collector
	metricsReg *prometheus.Registry
}

// Open constructs a Store for team rooted at dataRoot/teams/<team>. It does
// not require the team to already exist; Init creates the skeleton. cfg
// supplies the lock timeout and retry-policy overrides relay.yaml controls;
// pass config.Default() for compiled-in behavior.
func Open(dataRoot, team string, log zerolog.Logger, cfg config.Config) (*Store, error) {
	if err := identity.Validate(team); err != nil {
		return nil, err
	}
	teamDir, err := identity.Join(dataRoot, "teams", team)
	if err != nil {
		return nil, err
	}

	metricsCol, metricsReg := metrics.NewCollector()

	locks := lock.NewManager(teamDir)
	if cfg.Lock.TimeoutSeconds > 0 {
		locks.SetTimeout(time.Duration(cfg.Lock.TimeoutSeconds) * time.Second)
	}
	locks.SetObserver(metricsCol)

	messages := shardindex.New(teamDir, shardindex.KindMessages, lock.Messages, locks)
	events := shardindex.New(teamDir, shardindex.KindEvents, lock.Events, locks)
	acks := ackindex.New(teamDir, locks)
	cooldownG := cooldown.New(teamDir, team, locks)
	diagnostics := jsonl.NewDiagnosticsStore(teamDir, locks)
	eventW := eventlog.NewWriter(teamDir, locks, events)
	inboxW := inbox.NewWriter(teamDir, team, locks, messages, eventW, cooldownG)
	tasks := tasksnapshot.New(teamDir, locks)
	deadLetters := deadletter.NewWriter(teamDir, locks)
	guard := delivery.NewGuard(eventW, acks, deadLetters).
		WithPolicies(retryPolicyFrom(cfg.Retry.Urgent), retryPolicyFrom(cfg.Retry.Default))
	rehydrator := rehydrate.New(teamDir, locks, messages, events, acks, eventW, tasks, diagnostics)

	return &Store{
		dataRoot:    dataRoot,
		team:        team,
		teamDir:     teamDir,
		log:         log.With().Str("team", team).Logger(),
		locks:       locks,
		messages:    messages,
		events:      events,
		acks:        acks,
		cooldownG:   cooldownG,
		diagnostics: diagnostics,
		inboxW:      inboxW,
		eventW:      eventW,
		tasks:       tasks,
		deadLetters: deadLetters,
		guard:       guard,
		rehydrator:  rehydrator,
		metricsCol:  metricsCol,
		metricsReg:  metricsReg,
	}, nil
}

// retryPolicyFrom converts a relay.yaml retry-policy override into the
// delivery package's Policy, or nil when the override is unset.
func retryPolicyFrom(p *config.RetryPolicy) *delivery.Policy {
	if p == nil {
		return nil
	}
	return &delivery.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		Factor:      p.Factor,
		AckTimeout:  p.AckTimeout,
	}
}

// MetricsRegistry exposes the private Prometheus registry this Store's
// Collector is registered against, so `doctor check --serve-metrics`
// reports the counters this process actually recorded.
func (s *Store) MetricsRegistry() *prometheus.Registry {
	return s.metricsReg
}

// Init creates the team directory skeleton and seeds empty indexes
// (spec §6 "init" row).
func Init(dataRoot, team string, members []string) error {
	if err := identity.Validate(team); err != nil {
		return err
	}
	if err := identity.ValidateAll(members...); err != nil {
		return err
	}
	teamDir, err := identity.Join(dataRoot, "teams", team)
	if err != nil {
		return err
	}
	for _, sub := range []string{"inboxes", "events", "tasks", "state", "locks", "dead-letter"} {
		dir, err := identity.Join(teamDir, sub)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", relayerr.ErrBootstrap, dir, err)
		}
	}
	for _, m := range members {
		path, err := identity.Join(teamDir, "inboxes", m+".jsonl")
		if err != nil {
			return err
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return fmt.Errorf("%w: seed inbox %s: %v", relayerr.ErrBootstrap, path, err)
			}
		}
	}
	return nil
}

// NewMessageID mints a CLI-convenience default id (D2) when a caller omits
// --message-id. Envelopes themselves always carry this id once minted;
// nothing downstream treats it differently from a caller-supplied one.
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// NewEventID mirrors NewMessageID for internally-generated events.
func NewEventID(suffix string) string {
	return "evt-" + uuid.NewString() + "-" + suffix
}

// SendResult is returned by Send, TaskAssign, and TaskUpdate.
type SendResult struct {
	Envelope   model.Envelope
	Suppressed bool
	Duplicate  bool
}

// Send runs the §4.9 pipeline and, for require_ack envelopes that were
// actually appended (not suppressed or deduped), nothing further happens
// here — the delivery guard discovers it on the next Tick by replaying the
// "sent" event, per the Open Question (b) resolution.
func (s *Store) Send(env model.Envelope, now time.Time) (SendResult, error) {
	res, err := s.inboxW.Send(env, now)
	if err != nil {
		return SendResult{}, err
	}
	switch {
	case res.Suppressed:
		s.metricsCol.RecordSuppressed()
	case res.Duplicate:
		s.metricsCol.RecordDuplicate()
	default:
		s.metricsCol.RecordSend()
	}
	return SendResult{Envelope: env, Suppressed: res.Suppressed, Duplicate: res.Duplicate}, nil
}

// TaskAssign is sugar over Send for a task_assign envelope, also applying
// it to the task snapshot engine (spec §6 "task-assign" row).
func (s *Store) TaskAssign(env model.Envelope, now time.Time) (SendResult, error) {
	env.Type = model.TypeTaskAssign
	res, err := s.Send(env, now)
	if err != nil {
		return SendResult{}, err
	}
	if !res.Suppressed && !res.Duplicate {
		if _, err := s.tasks.Apply(env); err != nil {
			return res, err
		}
	}
	return res, nil
}

// TaskUpdate is sugar over Send for a task_update envelope, also applying
// it to the task snapshot engine.
func (s *Store) TaskUpdate(env model.Envelope, now time.Time) (SendResult, error) {
	env.Type = model.TypeTaskUpdate
	res, err := s.Send(env, now)
	if err != nil {
		return SendResult{}, err
	}
	if !res.Suppressed && !res.Duplicate {
		if _, err := s.tasks.Apply(env); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Read returns a page of agent's inbox (spec §4.15 via internal/reader).
func (s *Store) Read(agent string, opts reader.Options) (reader.Page, error) {
	if err := identity.Validate(agent); err != nil {
		return reader.Page{}, err
	}
	return reader.Read(s.teamDir, agent, s.acks, opts)
}

// Trace returns a page of events sharing traceID.
func (s *Store) Trace(traceID string, opts reader.TraceOptions) (reader.TracePage, error) {
	if err := identity.Validate(traceID); err != nil {
		return reader.TracePage{}, err
	}
	return reader.Trace(s.eventW, traceID, opts)
}

// Ack records an ack and emits the matching event, clearing the message
// from the delivery guard's reconstructed pending set (spec §4.7).
func (s *Store) Ack(messageID, ackedBy, traceID string, now time.Time) error {
	if err := identity.ValidateAll(messageID, ackedBy); err != nil {
		return err
	}
	recorded, err := s.guard.Ack(model.AckRecord{
		MessageID: messageID,
		AckedBy:   ackedBy,
		AckedAt:   now.UTC().Format(time.RFC3339),
		TraceID:   traceID,
	}, now)
	if err != nil {
		return err
	}
	if recorded {
		s.metricsCol.RecordAck()
	}
	return nil
}

// Tick drives one delivery-guard pass, resending elapsed require_ack
// envelopes as renumbered nudges through Send.
func (s *Store) Tick(now time.Time) ([]delivery.TickResult, error) {
	results, err := s.guard.Tick(now, func(orig model.Envelope, attempt int) (model.Envelope, error) {
		retry := orig
		retry.ID = fmt.Sprintf("%s-retry-%d", orig.ID, attempt)
		retry.CreatedAt = now.UTC().Format(time.RFC3339)
		if _, err := s.inboxW.Send(retry, now); err != nil {
			return model.Envelope{}, err
		}
		return retry, nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		switch {
		case r.DeadLettered:
			s.metricsCol.RecordDeadLetter()
		case r.Retried:
			s.metricsCol.RecordRetry()
		}
	}
	return results, nil
}

// Rehydrate rebuilds every derived index and snapshot from the logs
// (spec §4.14).
func (s *Store) Rehydrate(now time.Time) (rehydrate.Summary, error) {
	start := time.Now()
	summary, err := s.rehydrator.Run(now)
	s.metricsCol.ObserveRehydrate(time.Since(start).Seconds())
	return summary, err
}

// Report is the non-authoritative aggregate produced by Status/DoctorCheck.
type Report struct {
	Team            string `json:"team"`
	UnreadTotal     int    `json:"unread_total"`
	PendingTotal    int    `json:"pending_total"`
	AckedTotal      int    `json:"acked_total"`
	DeadLetterTotal int    `json:"dead_letter_total"`
	MalformedTotal  int    `json:"malformed_total"`
	IndexEntries    int    `json:"index_entries"`
	SnapshotCount   int    `json:"snapshot_count"`
	GeneratedAt     string `json:"generated_at"`
}

// Status computes the doctor report (spec §3 "Doctor report", §6 "status"
// and "doctor check" rows share this computation).
func (s *Store) Status(now time.Time) (Report, error) {
	agents, err := inbox.ListAgents(s.teamDir)
	if err != nil {
		return Report{}, err
	}

	var unread int
	for _, agent := range agents {
		envs, _, err := inbox.ReadInbox(s.teamDir, agent)
		if err != nil {
			return Report{}, err
		}
		for _, env := range envs {
			acked, err := s.acks.IsAcked(env.ID)
			if err != nil {
				return Report{}, err
			}
			if !acked {
				unread++
			}
		}
	}

	pending, err := s.guard.Pending()
	if err != nil {
		return Report{}, err
	}

	ackedTotal, err := s.acks.Count()
	if err != nil {
		return Report{}, err
	}

	malformedTotal, err := s.diagnostics.Count()
	if err != nil {
		return Report{}, err
	}

	var indexEntries int
	_ = s.messages.ScanAll(func(id string, raw json.RawMessage) error {
		indexEntries++
		return nil
	})

	taskIDs, err := tasksnapshot.ListTaskIDs(s.teamDir)
	if err != nil {
		return Report{}, err
	}

	deadLetterTotal, err := s.countDeadLetters()
	if err != nil {
		return Report{}, err
	}

	return Report{
		Team:            s.team,
		UnreadTotal:     unread,
		PendingTotal:    len(pending),
		AckedTotal:      ackedTotal,
		DeadLetterTotal: deadLetterTotal,
		MalformedTotal:  malformedTotal,
		IndexEntries:    indexEntries,
		SnapshotCount:   len(taskIDs),
		GeneratedAt:     now.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Store) countDeadLetters() (int, error) {
	dir, err := identity.Join(s.teamDir, "dead-letter")
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: readdir %s: %v", relayerr.ErrIO, dir, err)
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path, err := identity.Join(dir, e.Name())
		if err != nil {
			continue
		}
		records, _, err := jsonl.Stream(path)
		if err != nil {
			return 0, err
		}
		total += len(records)
	}
	return total, nil
}
