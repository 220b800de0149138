package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/taskstore/clients/ws"
	wsprotocol "github.com/dohr-michael/taskstore/internal/gateway/ws"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream change notifications from a running gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Gateway WebSocket URL (default: ws://<gateway addr>/api/ws)",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	url := cmd.String("url")
	if url == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		url = fmt.Sprintf("ws://%s/api/ws", cfg.Gateway.Addr())
	}

	c, err := wsclient.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	w := out(cmd)
	for {
		f, err := c.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Event, f.TaskID, f.Payload)
	}
}
