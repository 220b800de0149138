package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskstore/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "taskstore",
		Usage: "Durable task state: metadata, journals and checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (.jsonc, .yaml)",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Root directory of the file backend",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Store backend: file, sqlite or memory",
			},
		},
		Commands: []*cli.Command{
			NewTasksCommand(),
			NewServeCommand(),
			NewChangesCommand(),
			NewWatchCommand(),
		},
	}
}
