// Package heartbeat marks a task store as owned by a running gateway.
//
// Per-task locks only serialize callers inside one process. A gateway
// therefore publishes a heartbeat file next to the store, and out-of-process
// tools that mutate tasks in bulk (crash recovery) check it first.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultInterval is how often a Writer refreshes its file.
const DefaultInterval = 30 * time.Second

// ErrStoreBusy is returned by Guard when another live process owns the store.
var ErrStoreBusy = errors.New("task store is owned by a running gateway")

// Status represents the liveness state of the owner.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Backend   string    `json:"backend"`
	Store     string    `json:"store"`
	Addr      string    `json:"addr,omitempty"`
}

// Owner describes the process publishing the heartbeat.
type Owner struct {
	Backend string
	Store   string
	Addr    string
}

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	path     string
	owner    Owner
	interval time.Duration
	logger   *slog.Logger
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer for path. A zero interval means
// DefaultInterval.
func NewWriter(path string, owner Owner, interval time.Duration, logger *slog.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		path:     path,
		owner:    owner,
		interval: interval,
		logger:   logger,
	}
}

// Start writes the first heartbeat synchronously, then refreshes it in a
// background goroutine until Stop.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil // already running
	}

	w.started = time.Now()
	if err := w.write(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := w.write(); err != nil {
					w.logger.Warn("heartbeat write failed", "path", w.path, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("heartbeat remove failed", "path", w.path, "error", err)
	}
}

func (w *Writer) write() error {
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
		Backend:   w.owner.Backend,
		Store:     w.owner.Store,
		Addr:      w.owner.Addr,
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}

	// Atomic write: tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename heartbeat: %w", err)
	}
	return nil
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	age := time.Since(hb.Timestamp)
	if age > maxAge {
		return StatusStale, &hb, nil
	}

	return StatusAlive, &hb, nil
}

// Guard returns ErrStoreBusy if a process other than this one holds a live
// heartbeat at path. Stale and missing heartbeats pass.
func Guard(path string, maxAge time.Duration) error {
	status, hb, err := Check(path, maxAge)
	if err != nil {
		return err
	}
	if status != StatusAlive || hb.PID == os.Getpid() {
		return nil
	}
	return fmt.Errorf("%w: pid %d since %s (%s)", ErrStoreBusy, hb.PID,
		hb.StartedAt.Format(time.RFC3339), hb.Addr)
}
