package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskstore/internal/config"
	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/gateway"
	"github.com/dohr-michael/taskstore/internal/heartbeat"
	"github.com/dohr-michael/taskstore/internal/scheduler"
	"github.com/dohr-michael/taskstore/internal/storage"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// heartbeatMaxAge is how old a gateway heartbeat may get before the store is
// considered abandoned.
const heartbeatMaxAge = 4 * heartbeat.DefaultInterval

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the task inspection gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.BoolFlag{
				Name:  "recover",
				Usage: "Move RUNNING tasks to RETRYING before serving",
			},
			&cli.BoolFlag{
				Name:  "no-sweep",
				Usage: "Disable the periodic stale-task sweep",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	store, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	// One gateway per store: per-task locks are process-local.
	hbPath := cfg.Store.HeartbeatPath()
	if hbPath != "" {
		if err := heartbeat.Guard(hbPath, heartbeatMaxAge); err != nil {
			return err
		}
		hb := heartbeat.NewWriter(hbPath, heartbeat.Owner{
			Backend: cfg.Store.Backend,
			Store:   cfg.Store.Location(),
			Addr:    cfg.Gateway.Addr(),
		}, heartbeat.DefaultInterval, slog.Default())
		if err := hb.Start(); err != nil {
			return fmt.Errorf("start heartbeat: %w", err)
		}
		defer hb.Stop()
	}

	bus := events.NewBus(256)
	defer bus.Close()

	changes, err := storage.NewChangeLog(cfg.Gateway.ChangesDir, bus, slog.Default())
	if err != nil {
		return fmt.Errorf("open change log: %w", err)
	}
	defer changes.Close()

	if cmd.Bool("recover") {
		n, err := tasks.RecoverTasks(store, slog.Default())
		if err != nil {
			return err
		}
		slog.Info("startup recovery done", "recovered", n)
		if n > 0 {
			bus.Publish(events.NewEvent(events.EventTasksRecovered, events.SourceServe, "", map[string]any{"count": n}))
		}
	}

	if !cfg.Sweep.Disabled && !cmd.Bool("no-sweep") {
		expr, err := scheduler.ParseCron(cfg.Sweep.Cron)
		if err != nil {
			return err
		}
		sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{
			Store:      store,
			Bus:        bus,
			Cron:       expr,
			StaleAfter: cfg.Sweep.StaleAfterDuration(),
			Logger:     slog.Default(),
		})
		sweeper.Start()
		defer sweeper.Stop()
	}

	// SIGHUP reloads .env and config; only the log level applies live.
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		if !cmd.Bool("debug") {
			logLevel.Set(c.Log.SlogLevel())
		}
	})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := gateway.NewServer(store, bus, cfg.Gateway.Host, cfg.Gateway.Port, slog.Default())

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	for {
		select {
		case <-hup:
			if err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}
