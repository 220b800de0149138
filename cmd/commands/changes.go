package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/storage"
)

// NewChangesCommand returns the changes subcommand.
func NewChangesCommand() *cli.Command {
	return &cli.Command{
		Name:  "changes",
		Usage: "Print the change log recorded by the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "day",
				Usage: "UTC day to print (YYYY-MM-DD, default today)",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only print events of this type (e.g. task.cancelled)",
			},
		},
		Action: runChanges,
	}
}

func runChanges(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	day := time.Now().UTC()
	if raw := cmd.String("day"); raw != "" {
		day, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			return fmt.Errorf("invalid --day %q: %w", raw, err)
		}
	}

	changes, err := storage.ReadChanges(cfg.Gateway.ChangesDir, day, slog.Default())
	if err != nil {
		return fmt.Errorf("read changes: %w", err)
	}

	filter := events.EventType(cmd.String("type"))
	enc := json.NewEncoder(out(cmd))
	for _, e := range changes {
		if filter != "" && e.Type != filter {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
