package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"charm.land/lipgloss/v2"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/taskstore/internal/config"
	"github.com/dohr-michael/taskstore/internal/storage"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// logLevel backs the default logger so a config reload can change it.
var logLevel = new(slog.LevelVar)

// loadConfig reads --config (defaults if the file is absent) and applies the
// global flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	configPath := cmd.String("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	// CLI flags override config
	if cmd.IsSet("backend") {
		cfg.Store.Backend = cmd.String("backend")
	}
	if cmd.IsSet("dir") {
		cfg.Store.Dir = cmd.String("dir")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setupLogging(cmd, cfg)
	return cfg, nil
}

func setupLogging(cmd *cli.Command, cfg *config.Config) {
	logLevel.Set(cfg.Log.SlogLevel())
	if cmd.Bool("debug") {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openStore loads the config and opens the configured backend.
func openStore(cmd *cli.Command) (tasks.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.Store, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return store, cfg, nil
}

// taskIDArg parses the first positional argument.
func taskIDArg(cmd *cli.Command, usage string) (tasks.TaskID, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return tasks.TaskID{}, fmt.Errorf("usage: taskstore %s", usage)
	}
	return tasks.NewTaskID(raw)
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// colorEnabled reports whether w is a terminal.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var statusColors = map[tasks.TaskStatus]string{
	tasks.StatusPending:   "8",
	tasks.StatusRunning:   "4",
	tasks.StatusPaused:    "3",
	tasks.StatusRetrying:  "5",
	tasks.StatusCompleted: "2",
	tasks.StatusFailed:    "1",
	tasks.StatusCancelled: "8",
}

func styleStatus(s tasks.TaskStatus, color bool) string {
	if !color {
		return string(s)
	}
	c, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	st := lipgloss.NewStyle().Foreground(lipgloss.Color(c))
	if s.IsTerminal() {
		st = st.Bold(true)
	}
	return st.Render(string(s))
}
