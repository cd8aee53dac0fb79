package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"shuttle/internal/queue"
	"shuttle/internal/state"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show daemon, queue, and task status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStack(func(s *stack) error {
				if len(args) == 1 {
					return printTaskStatus(cmd, s, args[0])
				}
				return printOverview(cmd, s)
			})
		},
	}
}

func printOverview(cmd *cobra.Command, s *stack) error {
	out := cmd.OutOrStdout()

	pid, running := daemonPID(s.cfg.Paths.LogDir)
	if running {
		fmt.Fprintf(out, "daemon: running (pid %d)\n", pid)
	} else {
		fmt.Fprintln(out, "daemon: not running")
	}

	counts, err := s.queue.Stats(cmd.Context())
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(queue.AllStatuses()))
	for _, status := range queue.AllStatuses() {
		rows = append(rows, []string{string(status), strconv.Itoa(counts[status])})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"STATE", "ITEMS"},
		rows,
		[]columnAlignment{alignLeft, alignRight},
	))

	current, err := s.states.LoadCurrent(cmd.Context())
	if err != nil {
		return err
	}
	if current == nil {
		fmt.Fprintln(out, "no task running")
		return nil
	}
	fmt.Fprintf(out, "running: %s (%s, %.0f%%)\n", current.Task.ID, current.Step, current.Percent)
	return nil
}

func printTaskStatus(cmd *cobra.Command, s *stack, id string) error {
	out := cmd.OutOrStdout()

	record, err := s.states.Load(cmd.Context(), id)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no status recorded for %s", id)
	}

	fmt.Fprintf(out, "task:    %s\n", record.Task.ID)
	fmt.Fprintf(out, "state:   %s\n", record.State)
	if record.Step != "" {
		fmt.Fprintf(out, "step:    %s\n", record.Step)
	}
	fmt.Fprintf(out, "percent: %.0f\n", record.Percent)
	if !record.LastHeartbeat.IsZero() {
		fmt.Fprintf(out, "heartbeat: %s\n", formatTimestamp(record.LastHeartbeat))
	}
	if record.PID != 0 {
		fmt.Fprintf(out, "worker pid: %d\n", record.PID)
	}
	if len(record.Notes) > 0 {
		fmt.Fprintf(out, "notes:\n  %s\n", strings.Join(record.Notes, "\n  "))
	}
	if len(record.Errors) > 0 {
		fmt.Fprintf(out, "errors:\n  %s\n", strings.Join(record.Errors, "\n  "))
	}
	printCheckpoints(out, record)
	if lock := record.RecoveryLock; lock != nil {
		fmt.Fprintf(out, "recovery lock: held by %s since %s\n", lock.OwnerKind, formatTimestamp(lock.AcquiredAt))
	}
	return nil
}

func printCheckpoints(out interface{ Write([]byte) (int, error) }, record *state.StatusRecord) {
	if len(record.Checkpoints) == 0 {
		return
	}
	rows := make([][]string, 0, len(record.Checkpoints))
	for _, cp := range record.Checkpoints {
		rows = append(rows, []string{
			strconv.Itoa(cp.Ordinal),
			formatTimestamp(cp.Timestamp),
			cp.Reference,
			strconv.Itoa(len(cp.ArtifactRefs)),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"CHECKPOINT", "TIME", "REFERENCE", "ARTIFACTS"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
	))
}

// daemonPID reads the pid file and confirms the process is alive.
func daemonPID(logDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(logDir, "shuttle.pid"))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	err = unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return pid, true
	}
	return pid, false
}
