package storage

import (
	"log/slog"
	"time"

	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/storage/dirstore"
)

const changesFile = "changes.jsonl"

// dayLayout names the per-day directories of a change log.
const dayLayout = "2006-01-02"

// ChangeLog persists bus events to JSONL files, one directory per UTC day.
// It is an audit trail of operator actions, separate from task journals.
type ChangeLog struct {
	ds          *dirstore.DirStore
	logger      *slog.Logger
	unsubscribe func()
}

// NewChangeLog subscribes to all bus events and appends them under dir.
func NewChangeLog(dir string, bus *events.Bus, logger *slog.Logger) (*ChangeLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ds := dirstore.NewDirStore(dir, "changes", logger)
	if err := ds.EnsureBase(); err != nil {
		return nil, err
	}
	cl := &ChangeLog{ds: ds, logger: logger}
	cl.unsubscribe = bus.Subscribe(cl.handleEvent)
	return cl, nil
}

// Close unsubscribes the log from the event bus.
func (cl *ChangeLog) Close() {
	if cl.unsubscribe != nil {
		cl.unsubscribe()
	}
}

func (cl *ChangeLog) handleEvent(e events.Event) {
	day := e.Timestamp.UTC().Format(dayLayout)
	if err := cl.write(day, e); err != nil {
		cl.logger.Error("change log write failed", "event", e.Type, "task_id", e.TaskID, "error", err)
	}
}

func (cl *ChangeLog) write(day string, e events.Event) error {
	unlock := cl.ds.Lock(day)
	defer unlock()
	if err := cl.ds.EnsureDir(day); err != nil {
		return err
	}
	return cl.ds.AppendJSONL(day, changesFile, e)
}

// ReadChanges returns the events logged under dir on the given UTC day.
func ReadChanges(dir string, day time.Time, logger *slog.Logger) ([]events.Event, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ds := dirstore.NewDirStore(dir, "changes", logger)
	return dirstore.LoadJSONL[events.Event](ds, day.UTC().Format(dayLayout), changesFile)
}
