package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/taskstore/internal/storage/dirstore"
)

const (
	metadataFile   = "metadata.json"
	journalFile    = "journal.jsonl"
	checkpointFile = "checkpoint.json"
)

// FileStore persists each task as a directory holding metadata.json,
// journal.jsonl and checkpoint.json. Every operation on a task holds that
// task's lock for its whole duration; different tasks proceed in parallel.
type FileStore struct {
	ds     *dirstore.DirStore
	pretty bool
	logger *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithPrettyJSON selects indented metadata and checkpoint documents.
// Journal lines are always compact.
func WithPrettyJSON(pretty bool) FileStoreOption {
	return func(fs *FileStore) { fs.pretty = pretty }
}

// WithLogger sets the logger used for degraded-durability warnings.
func WithLogger(logger *slog.Logger) FileStoreOption {
	return func(fs *FileStore) { fs.logger = logger }
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string, opts ...FileStoreOption) (*FileStore, error) {
	fs := &FileStore{pretty: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(fs)
	}
	fs.ds = dirstore.NewDirStore(baseDir, "task", fs.logger)
	if err := fs.ds.EnsureBase(); err != nil {
		return nil, storeErr("open", TaskID{}, err)
	}
	return fs, nil
}

// BaseDir returns the directory the store is rooted at.
func (fs *FileStore) BaseDir() string { return fs.ds.BaseDir() }

// lock validates id as a directory name and takes its lock.
func (fs *FileStore) lock(op string, id TaskID) (func(), error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidTaskID)
	}
	if err := dirstore.ValidateName(id.String()); err != nil {
		return nil, storeErr(op, id, fmt.Errorf("%w: %v", ErrUnsafeTaskID, err))
	}
	return fs.ds.Lock(id.String()), nil
}

func (fs *FileStore) marshal(v any) ([]byte, error) {
	if fs.pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func (fs *FileStore) writeDocument(id TaskID, filename string, v any) error {
	data, err := fs.marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}
	if err := fs.ds.EnsureDir(id.String()); err != nil {
		return err
	}
	return fs.ds.WriteFileAtomic(id.String(), filename, data)
}

func (fs *FileStore) readMetadata(id TaskID) (*Metadata, error) {
	var m Metadata
	found, err := fs.ds.ReadJSON(id.String(), metadataFile, &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// SaveMetadata atomically replaces the task's metadata.json.
func (fs *FileStore) SaveMetadata(m *Metadata) error {
	if m == nil {
		return fmt.Errorf("save metadata: %w", ErrInvalidTaskID)
	}
	unlock, err := fs.lock("save metadata", m.ID())
	if err != nil {
		return err
	}
	defer unlock()

	return storeErr("save metadata", m.ID(), fs.writeDocument(m.ID(), metadataFile, m))
}

// LoadMetadata reads metadata.json fresh from disk.
func (fs *FileStore) LoadMetadata(id TaskID) (*Metadata, error) {
	unlock, err := fs.lock("load metadata", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := fs.readMetadata(id)
	if err != nil {
		return nil, storeErr("load metadata", id, err)
	}
	return m, nil
}

// AppendEvent appends one compact JSON line to journal.jsonl.
func (fs *FileStore) AppendEvent(e Event) error {
	unlock, err := fs.lock("append event", e.TaskID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := fs.ds.EnsureDir(e.TaskID.String()); err != nil {
		return storeErr("append event", e.TaskID, err)
	}
	return storeErr("append event", e.TaskID, fs.ds.AppendJSONL(e.TaskID.String(), journalFile, e))
}

// LoadEvents reads journal.jsonl in append order.
func (fs *FileStore) LoadEvents(id TaskID) ([]Event, error) {
	unlock, err := fs.lock("load events", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	events, err := dirstore.LoadJSONL[Event](fs.ds, id.String(), journalFile)
	if err != nil {
		return nil, storeErr("load events", id, err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// SaveCheckpoint atomically replaces checkpoint.json.
func (fs *FileStore) SaveCheckpoint(cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	unlock, err := fs.lock("save checkpoint", cp.TaskID)
	if err != nil {
		return err
	}
	defer unlock()

	return storeErr("save checkpoint", cp.TaskID, fs.writeDocument(cp.TaskID, checkpointFile, cp))
}

// LoadCheckpoint decodes checkpoint.json. Each call returns a new value.
func (fs *FileStore) LoadCheckpoint(id TaskID) (*Checkpoint, error) {
	unlock, err := fs.lock("load checkpoint", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var cp Checkpoint
	found, err := fs.ds.ReadJSON(id.String(), checkpointFile, &cp)
	if err != nil {
		return nil, storeErr("load checkpoint", id, err)
	}
	if !found {
		return nil, nil
	}
	if err := cp.Validate(); err != nil {
		return nil, storeErr("load checkpoint", id, err)
	}
	return &cp, nil
}

// TaskIDs lists task directories that contain metadata.json. Directories
// without it, or whose names are not valid ids, are skipped.
func (fs *FileStore) TaskIDs() ([]TaskID, error) {
	names, err := fs.ds.ListDirs()
	if err != nil {
		return nil, storeErr("list tasks", TaskID{}, err)
	}

	ids := make([]TaskID, 0, len(names))
	for _, name := range names {
		id, err := NewTaskID(name)
		if err != nil {
			continue
		}
		ok, err := fs.ds.HasFile(name, metadataFile)
		if err != nil {
			return nil, storeErr("list tasks", id, err)
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return sortIDs(ids), nil
}

// TaskIDsByStatus loads every task's metadata and filters by status. This is
// O(n) reads and intended for administrative use.
func (fs *FileStore) TaskIDsByStatus(status TaskStatus) ([]TaskID, error) {
	ids, err := fs.TaskIDs()
	if err != nil {
		return nil, err
	}
	return filterByStatus(fs, ids, status)
}

// Delete removes the task directory. The task's lock entry is kept.
func (fs *FileStore) Delete(id TaskID) (bool, error) {
	unlock, err := fs.lock("delete", id)
	if err != nil {
		return false, err
	}
	defer unlock()

	existed, err := fs.ds.RemoveDir(id.String())
	if err != nil {
		return existed, storeErr("delete", id, err)
	}
	return existed, nil
}

// CompareAndSetStatus performs the read-compare-write cycle under the task
// lock. Each call decodes a fresh Metadata, so atomicity comes from the lock
// (which SaveMetadata also takes), not from object identity.
func (fs *FileStore) CompareAndSetStatus(id TaskID, expected, next TaskStatus, failureReason string) (*Metadata, error) {
	unlock, err := fs.lock("compare and set status", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := fs.readMetadata(id)
	if err != nil {
		return nil, storeErr("compare and set status", id, err)
	}
	if m == nil || m.Status() != expected {
		return nil, nil
	}

	ok, err := m.CompareAndTransition(expected, next, failureReason)
	if err != nil || !ok {
		return nil, err
	}
	if err := fs.writeDocument(id, metadataFile, m); err != nil {
		return nil, storeErr("compare and set status", id, err)
	}
	return m, nil
}

// Close is a no-op; every operation opens and closes its own files.
func (fs *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
