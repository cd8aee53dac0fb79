package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shuttle/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueHistoryCommand(ctx))
	queueCmd.AddCommand(newQueueSweepCommand(ctx))
	return queueCmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var (
		owner       string
		priority    int
		payloadFile string
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Enqueue a new work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadFile)
			if err != nil {
				return err
			}
			return ctx.withStack(func(s *stack) error {
				meta := queue.Metadata{
					ID:       args[0],
					Owner:    owner,
					Priority: priority,
				}
				item, err := s.queue.Enqueue(cmd.Context(), meta, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", item.Meta.ID, item.FileName())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner recorded in the item metadata")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority recorded in the item metadata")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the item payload from a file (- for stdin)")
	return cmd
}

// readPayload loads the item body from a file, stdin, or returns empty.
func readPayload(stdin io.Reader, payloadFile string) (string, error) {
	switch payloadFile {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read payload from stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return "", fmt.Errorf("read payload file: %w", err)
		}
		return string(data), nil
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []queue.Status
			if statusFilter != "" {
				for _, value := range strings.Split(statusFilter, ",") {
					status, ok := queue.ParseStatus(value)
					if !ok {
						return fmt.Errorf("unknown status %q", value)
					}
					statuses = append(statuses, status)
				}
			}
			return ctx.withStack(func(s *stack) error {
				items, err := s.queue.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						fmt.Sprintf("%04d", item.Sequence),
						item.Meta.ID,
						string(item.Status),
						item.Meta.Owner,
						formatTimestamp(item.Meta.CreatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"SEQ", "ID", "STATUS", "OWNER", "CREATED"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter (queued,running,done,failed)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a done or failed item at the back of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStack(func(s *stack) error {
				item, err := s.queue.Requeue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s as %s\n", item.Meta.ID, item.FileName())
				return nil
			})
		},
	}
}

func newQueueHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show recorded lifecycle events, newest last",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStack(func(s *stack) error {
				if s.journal == nil {
					return errors.New("journal is disabled in the configuration")
				}
				var (
					events []journalEvent
					err    error
				)
				if len(args) == 1 {
					events, err = taskHistory(cmd, s, args[0], limit)
				} else {
					events, err = recentHistory(cmd, s, limit)
				}
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no recorded events")
					return nil
				}
				rows := make([][]string, 0, len(events))
				for _, event := range events {
					rows = append(rows, []string{
						formatTimestamp(event.when),
						event.taskID,
						event.event,
						event.detail,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"TIME", "ID", "EVENT", "DETAIL"},
					rows,
					nil,
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to show")
	return cmd
}

type journalEvent struct {
	when   time.Time
	taskID string
	event  string
	detail string
}

func taskHistory(cmd *cobra.Command, s *stack, id string, limit int) ([]journalEvent, error) {
	records, err := s.journal.History(cmd.Context(), id, limit)
	if err != nil {
		return nil, err
	}
	events := make([]journalEvent, 0, len(records))
	for _, record := range records {
		events = append(events, journalEvent{record.CreatedAt, record.TaskID, record.Event, record.Detail})
	}
	return events, nil
}

func recentHistory(cmd *cobra.Command, s *stack, limit int) ([]journalEvent, error) {
	records, err := s.journal.Recent(cmd.Context(), limit)
	if err != nil {
		return nil, err
	}
	// Recent returns newest first; present oldest first like task history.
	events := make([]journalEvent, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		events = append(events, journalEvent{record.CreatedAt, record.TaskID, record.Event, record.Detail})
	}
	return events, nil
}

func newQueueSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stuck items in the running directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStack(func(s *stack) error {
				result, err := s.queue.HealthSweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lazily completed: %d, reclaimed stale: %d\n",
					result.LazilyCompleted, result.Reclaimed)
				return nil
			})
		},
	}
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}
