// ============================================================================
// Beaver-Relay CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: the `relay` cobra command tree wiring C1-C15 (via internal/relay.
// Store) to the table in spec.md §6. Adapted from the teacher's
// internal/cli.BuildCLI: one root command, PersistentFlags for config/
// data-root, and a buildXCommand() function per subcommand returning a
// *cobra.Command so each is independently testable.
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/beaverhq/relay/internal/config"
	"github.com/beaverhq/relay/internal/logging"
	"github.com/beaverhq/relay/internal/metrics"
	"github.com/beaverhq/relay/internal/reader"
	"github.com/beaverhq/relay/internal/relay"
	"github.com/beaverhq/relay/internal/relayerr"
	"github.com/beaverhq/relay/pkg/model"
)

var (
	dataRoot   string
	configPath string
	logJSON    bool
	asJSON     bool
)

// BuildCLI constructs the root `relay` command and its full subcommand
// tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Beaver-Relay: a local-first, file-backed team collaboration control plane",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", envOr("RELAY_DATA_ROOT", "."), "data root directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "relay.yaml", "config file path (optional)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", os.Getenv("RELAY_LOG_JSON") == "1", "emit JSON logs")

	rootCmd.AddCommand(buildInitCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildTaskAssignCommand())
	rootCmd.AddCommand(buildTaskUpdateCommand())
	rootCmd.AddCommand(buildReadCommand())
	rootCmd.AddCommand(buildAckCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTraceCommand())
	rootCmd.AddCommand(buildRehydrateCommand())
	rootCmd.AddCommand(buildDoctorCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfigAndLogger() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	if dataRoot != "." {
		cfg.DataRoot = dataRoot
	} else if cfg.DataRoot == "" {
		cfg.DataRoot = "."
	}
	useJSON := logJSON || cfg.Logging.JSON
	log := logging.New(logging.Config{JSON: useJSON, Level: cfg.Logging.Level})
	return cfg, log, nil
}

func openStore(team string) (*relay.Store, error) {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}
	return relay.Open(cfg.DataRoot, team, log, cfg)
}

func emit(ok bool, data interface{}, errOut error) {
	if asJSON {
		payload := map[string]interface{}{"ok": ok}
		if data != nil {
			payload["data"] = data
		}
		if errOut != nil {
			payload["error"] = errOut.Error()
		}
		enc, _ := json.Marshal(payload)
		fmt.Println(string(enc))
		return
	}
	if errOut != nil {
		fmt.Fprintln(os.Stderr, errOut)
		return
	}
	if data != nil {
		fmt.Printf("%+v\n", data)
	} else {
		fmt.Println("ok")
	}
}

// fail reports err through emit when the caller wants the JSON envelope and
// returns it unchanged for cobra to propagate. Exit-code translation is
// cmd/relay/main.go's job, once Execute returns — RunE bodies never call
// os.Exit themselves, so error paths stay exercisable from tests.
func fail(err error) error {
	if asJSON {
		emit(false, nil, err)
	}
	return err
}

func buildInitCommand() *cobra.Command {
	var members string
	cmd := &cobra.Command{
		Use:   "init <team>",
		Short: "create a team's directory skeleton and seed empty indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfigAndLogger()
			if err != nil {
				return fail(err)
			}
			memberList := splitCSV(members)
			if err := relay.Init(cfg.DataRoot, args[0], memberList); err != nil {
				return fail(err)
			}
			emit(true, nil, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&members, "members", "", "comma-separated agent names to seed inboxes for")
	return cmd
}

func buildSendCommand() *cobra.Command {
	var from, to, msgType, messageID, payload, traceID, cooldownKey string
	var requireAck bool
	var cooldownSeconds int

	cmd := &cobra.Command{
		Use:   "send <team>",
		Short: "append an envelope to an agent's inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			var payloadMap map[string]interface{}
			if payload == "" {
				payload = "{}"
			}
			if err := json.Unmarshal([]byte(payload), &payloadMap); err != nil {
				return fail(fmt.Errorf("%w: --payload must be JSON: %v", relayerr.ErrSchema, err))
			}
			if messageID == "" {
				messageID = relay.NewMessageID()
			}
			env := model.Envelope{
				ID:              messageID,
				Type:            model.MessageType(msgType),
				From:            from,
				To:              to,
				Payload:         payloadMap,
				CreatedAt:       time.Now().UTC().Format(time.RFC3339),
				SchemaVersion:   model.SchemaVersion,
				TraceID:         traceID,
				RequireAck:      requireAck,
				CooldownKey:     cooldownKey,
				CooldownSeconds: cooldownSeconds,
			}
			res, err := store.Send(env, time.Now().UTC())
			if err != nil {
				return fail(err)
			}
			emit(true, res, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender agent id")
	cmd.Flags().StringVar(&to, "to", "", "recipient agent id")
	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	cmd.Flags().StringVar(&messageID, "message-id", "", "message id (minted if omitted)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload object")
	cmd.Flags().BoolVar(&requireAck, "require-ack", false, "register with the delivery guard")
	cmd.Flags().IntVar(&cooldownSeconds, "cooldown-seconds", 0, "suppression window for cooldown-key")
	cmd.Flags().StringVar(&cooldownKey, "cooldown-key", "", "cooldown bucket key")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id correlating related messages")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("type")
	return cmd
}

func buildTaskAssignCommand() *cobra.Command {
	var from, to, taskID, subject, details, traceID string
	cmd := &cobra.Command{
		Use:   "task-assign <team>",
		Short: "send a task_assign envelope and apply it to the task snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			env := model.Envelope{
				ID:            relay.NewMessageID(),
				From:          from,
				To:            to,
				TaskID:        taskID,
				Payload:       map[string]interface{}{"subject": subject, "details": details, "assignee": to},
				CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				SchemaVersion: model.SchemaVersion,
				TraceID:       traceID,
			}
			res, err := store.TaskAssign(env, time.Now().UTC())
			if err != nil {
				return fail(err)
			}
			emit(true, res, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender agent id")
	cmd.Flags().StringVar(&to, "to", "", "assignee agent id")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id")
	cmd.Flags().StringVar(&subject, "subject", "", "task subject")
	cmd.Flags().StringVar(&details, "details", "", "task details")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("task-id")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func buildTaskUpdateCommand() *cobra.Command {
	var from, to, taskID, status, note, traceID string
	cmd := &cobra.Command{
		Use:   "task-update <team>",
		Short: "send a task_update envelope and apply it to the task snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			payload := map[string]interface{}{"status": status}
			if note != "" {
				payload["note"] = note
			}
			env := model.Envelope{
				ID:            relay.NewMessageID(),
				From:          from,
				To:            to,
				TaskID:        taskID,
				Payload:       payload,
				CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				SchemaVersion: model.SchemaVersion,
				TraceID:       traceID,
			}
			res, err := store.TaskUpdate(env, time.Now().UTC())
			if err != nil {
				return fail(err)
			}
			emit(true, res, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender agent id")
	cmd.Flags().StringVar(&to, "to", "", "recipient agent id")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id")
	cmd.Flags().StringVar(&status, "status", "", "new task status")
	cmd.Flags().StringVar(&note, "note", "", "note appended to the task history")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("task-id")
	cmd.MarkFlagRequired("status")
	return cmd
}

func buildReadCommand() *cobra.Command {
	var agent, cursor string
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "read <team>",
		Short: "read an agent's inbox, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			page, err := store.Read(agent, reader.Options{Unread: unread, Limit: limit, Cursor: cursor})
			if err != nil {
				return fail(err)
			}
			emit(true, page, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent whose inbox to read")
	cmd.Flags().BoolVar(&unread, "unread", false, "only return unacked envelopes")
	cmd.Flags().IntVar(&limit, "limit", 0, "max envelopes to return")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this message id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit structured JSON output")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func buildAckCommand() *cobra.Command {
	var agent, messageID, traceID string
	cmd := &cobra.Command{
		Use:   "ack <team>",
		Short: "record an ack for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			if err := store.Ack(messageID, agent, traceID, time.Now().UTC()); err != nil {
				return fail(err)
			}
			emit(true, nil, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "acking agent id")
	cmd.Flags().StringVar(&messageID, "message-id", "", "message id being acked")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("message-id")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <team>",
		Short: "aggregate counters for a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			report, err := store.Status(time.Now().UTC())
			if err != nil {
				return fail(err)
			}
			emit(true, report, nil)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit structured JSON output")
	return cmd
}

func buildTraceCommand() *cobra.Command {
	var traceID, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "trace <team>",
		Short: "read every event sharing a trace id, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			page, err := store.Trace(traceID, reader.TraceOptions{Limit: limit, Cursor: cursor})
			if err != nil {
				return fail(err)
			}
			emit(true, page, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id to follow")
	cmd.Flags().IntVar(&limit, "limit", 0, "max events to return")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this event id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit structured JSON output")
	cmd.MarkFlagRequired("trace-id")
	return cmd
}

func buildRehydrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rehydrate <team>",
		Short: "rebuild every derived index and snapshot from the logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			summary, err := store.Rehydrate(time.Now().UTC())
			if err != nil {
				return fail(err)
			}
			emit(true, summary, nil)
			return nil
		},
	}
	return cmd
}

func buildDoctorCommand() *cobra.Command {
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "diagnostic subcommands",
	}
	doctorCmd.AddCommand(buildDoctorCheckCommand())
	return doctorCmd
}

func buildDoctorCheckCommand() *cobra.Command {
	var serveMetrics bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "check <team>",
		Short: "consistency report for a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(args[0])
			if err != nil {
				return fail(err)
			}
			report, err := store.Status(time.Now().UTC())
			if err != nil {
				return fail(err)
			}
			emit(true, report, nil)

			if serveMetrics {
				stop := make(chan struct{})
				go func() {
					<-time.After(10 * time.Second)
					close(stop)
				}()
				if err := metrics.ServeOnce(metricsAddr, store.MetricsRegistry(), stop); err != nil {
					return fail(err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit structured JSON output")
	cmd.Flags().BoolVar(&serveMetrics, "serve-metrics", false, "serve /metrics for one scrape window, then exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to bind for --serve-metrics")
	return cmd
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
