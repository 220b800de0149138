package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskstore/internal/heartbeat"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and manage persisted tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Only tasks in this status",
					},
					&cli.StringFlag{
						Name:  "match",
						Usage: "Only task ids matching this glob (e.g. 'task_*')",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "events",
				Usage:     "Print the task journal as JSON lines",
				ArgsUsage: "<task_id>",
				Action:    runTasksEvents,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Reason recorded in the journal",
					},
				},
				Action: runTasksCancel,
			},
			{
				Name:      "delete",
				Usage:     "Delete a task with its journal and checkpoint",
				ArgsUsage: "<task_id>",
				Action:    runTasksDelete,
			},
			{
				Name:  "recover",
				Usage: "Move RUNNING tasks left by a crash to RETRYING",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Recover even while a gateway heartbeat is live",
					},
				},
				Action: runTasksRecover,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	var ids []tasks.TaskID
	if raw := cmd.String("status"); raw != "" {
		status, err := tasks.ParseStatus(raw)
		if err != nil {
			return err
		}
		ids, err = store.TaskIDsByStatus(status)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
	} else {
		ids, err = store.TaskIDs()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
	}

	if pattern := cmd.String("match"); pattern != "" {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid --match pattern %q", pattern)
		}
		filtered := ids[:0]
		for _, id := range ids {
			if ok, _ := doublestar.Match(pattern, id.String()); ok {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	w := out(cmd)
	if len(ids) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return nil
	}

	color := colorEnabled(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tUPDATED\tSTATUS")
	for _, id := range ids {
		m, err := store.LoadMetadata(id)
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		if m == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			id,
			m.AgentName(),
			m.UpdatedAt().Format("2006-01-02 15:04:05"),
			styleStatus(m.Status(), color),
		)
	}
	return tw.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	id, err := taskIDArg(cmd, "tasks show <task_id>")
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := tasks.Resume(store, id, slog.Default())
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if state == nil {
		return fmt.Errorf("task %s not found", id)
	}
	m := state.Metadata

	w := out(cmd)
	fmt.Fprintf(w, "ID:          %s\n", m.ID())
	fmt.Fprintf(w, "Agent:       %s\n", m.AgentName())
	fmt.Fprintf(w, "Status:      %s\n", styleStatus(m.Status(), colorEnabled(w)))
	fmt.Fprintf(w, "Created:     %s\n", m.CreatedAt().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated:     %s\n", m.UpdatedAt().Format("2006-01-02 15:04:05"))
	if reason := m.FailureReason(); reason != "" {
		fmt.Fprintf(w, "Failure:     %s\n", reason)
	}
	if labels := m.Labels(); len(labels) > 0 {
		fmt.Fprintln(w, "\nLabels:")
		for _, k := range slices.Sorted(maps.Keys(labels)) {
			fmt.Fprintf(w, "  %s=%s\n", k, labels[k])
		}
	}

	if cp := state.Checkpoint; cp != nil {
		fmt.Fprintf(w, "\nCheckpoint:  %s (after %d events)\n", cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.EventCount)
	}
	fmt.Fprintf(w, "Pending:     %d events to replay\n", len(state.Pending))
	return nil
}

func runTasksEvents(_ context.Context, cmd *cli.Command) error {
	id, err := taskIDArg(cmd, "tasks events <task_id>")
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.LoadEvents(id)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	enc := json.NewEncoder(out(cmd))
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func runTasksCancel(_ context.Context, cmd *cli.Command) error {
	id, err := taskIDArg(cmd, "tasks cancel <task_id>")
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := tasks.Cancel(store, id, cmd.String("reason"))
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if m == nil {
		return fmt.Errorf("task %s not found", id)
	}

	fmt.Fprintf(out(cmd), "Task %s cancelled.\n", id)
	return nil
}

func runTasksDelete(_ context.Context, cmd *cli.Command) error {
	id, err := taskIDArg(cmd, "tasks delete <task_id>")
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	existed, err := store.Delete(id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if !existed {
		fmt.Fprintf(out(cmd), "Task %s does not exist.\n", id)
		return nil
	}
	fmt.Fprintf(out(cmd), "Task %s deleted.\n", id)
	return nil
}

func runTasksRecover(_ context.Context, cmd *cli.Command) error {
	store, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if hbPath := cfg.Store.HeartbeatPath(); hbPath != "" && !cmd.Bool("force") {
		if err := heartbeat.Guard(hbPath, heartbeatMaxAge); err != nil {
			return fmt.Errorf("%w (use --force to override)", err)
		}
	}

	n, err := tasks.RecoverTasks(store, slog.Default())
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	fmt.Fprintf(out(cmd), "%d task(s) recovered.\n", n)
	return nil
}
