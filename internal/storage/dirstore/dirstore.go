// Package dirstore provides the filesystem primitives shared by
// directory-based stores: one subdirectory per entity, per-entity locks,
// crash-safe whole-file replacement and synchronous JSONL appends.
package dirstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// ErrUnsafeName indicates an entity id that is not a single path element.
var ErrUnsafeName = errors.New("unsafe entity name")

// rename is replaced in tests to simulate filesystems without atomic rename.
var rename = os.Rename

// DirStore manages entity directories under baseDir.
type DirStore struct {
	baseDir    string
	entityName string // for error messages: "task"
	logger     *slog.Logger

	// id -> *sync.Mutex. Entries are never removed: dropping a lock while a
	// delete holds it would let a later caller get a different mutex and
	// race with that delete.
	locks sync.Map
}

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir, entityName string, logger *slog.Logger) *DirStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirStore{baseDir: baseDir, entityName: entityName, logger: logger}
}

// BaseDir returns the root directory.
func (ds *DirStore) BaseDir() string { return ds.baseDir }

// Lock acquires the exclusive lock of one entity and returns its release func.
func (ds *DirStore) Lock(id string) (unlock func()) {
	v, _ := ds.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ValidateName checks that id can be used as a directory name.
func ValidateName(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrUnsafeName, id)
	case filepath.Base(id) != id || filepath.IsAbs(id):
		return fmt.Errorf("%w: %q", ErrUnsafeName, id)
	}
	return nil
}

// Dir returns the directory path for a given entity ID.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// FilePath returns the path to a named file within an entity's directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

// EnsureBase creates baseDir if needed.
func (ds *DirStore) EnsureBase() error {
	if err := os.MkdirAll(ds.baseDir, 0o755); err != nil {
		return fmt.Errorf("create %ss dir: %w", ds.entityName, err)
	}
	return nil
}

// EnsureDir creates the entity directory (and parents) if it doesn't exist.
func (ds *DirStore) EnsureDir(id string) error {
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}
	return nil
}

// RemoveDir removes the entity directory and everything below it.
// It reports whether the directory existed.
func (ds *DirStore) RemoveDir(id string) (bool, error) {
	dir := ds.Dir(id)
	if _, err := os.Lstat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s dir: %w", ds.entityName, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("remove %s dir: %w", ds.entityName, err)
	}
	return true, nil
}

// ListDirs returns the names of all subdirectories in baseDir.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss dir: %w", ds.entityName, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// HasFile reports whether the named file exists in the entity directory.
func (ds *DirStore) HasFile(id, name string) (bool, error) {
	_, err := os.Stat(ds.FilePath(id, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", name, err)
}

// WriteFileAtomic replaces a named file with content. The bytes go to a
// synced temp file in the same directory which is then renamed over the
// target, so readers see either the old or the new content. If the
// filesystem cannot rename atomically, the target is removed first and the
// rename retried; that window is not crash safe and is logged.
func (ds *DirStore) WriteFileAtomic(id, filename string, content []byte) (err error) {
	dir := ds.Dir(id)
	path := filepath.Join(dir, filename)

	tmp, err := os.CreateTemp(dir, filename+".tmp.*")
	if err != nil {
		return fmt.Errorf("create %s tmp: %w", filename, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Join(err, fmt.Errorf("remove %s tmp: %w", filename, rmErr))
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write %s tmp: %w", filename, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod %s tmp: %w", filename, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s tmp: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s tmp: %w", filename, err)
	}

	if err := rename(tmpName, path); err != nil {
		if !atomicRenameUnsupported(err) {
			return fmt.Errorf("rename %s: %w", filename, err)
		}
		ds.logger.Warn("atomic rename unsupported, replacing non-atomically",
			"entity", ds.entityName, "id", id, "file", filename, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("replace %s: %w", filename, rmErr)
		}
		if err := rename(tmpName, path); err != nil {
			return fmt.Errorf("replace %s: %w", filename, err)
		}
	}
	committed = true

	return syncDir(dir)
}

// ReadFileContent reads the content of a named file. Returns nil, nil if the file doesn't exist.
func (ds *DirStore) ReadFileContent(id, filename string) ([]byte, error) {
	data, err := os.ReadFile(ds.FilePath(id, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return data, nil
}

// AppendLine appends line plus a newline to a named file with O_SYNC, so a
// nil return means the bytes reached stable storage. The file is never
// rewritten.
func (ds *DirStore) AppendLine(id, filename string, line []byte) error {
	path := ds.FilePath(id, filename)
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filename, err)
	}

	if created {
		return syncDir(ds.Dir(id))
	}
	return nil
}

// AppendJSONL appends a compact JSON-encoded line to the given file.
func (ds *DirStore) AppendJSONL(id, filename string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}
	return ds.AppendLine(id, filename, data)
}

// LoadJSONL reads all JSON lines from a file, deserializing each into type T.
// Blank lines are skipped. A final line without its newline that does not
// decode is a torn append from a crash and is dropped with a warning; any
// other undecodable line is an error. A missing file yields no items.
func LoadJSONL[T any](ds *DirStore, id, filename string) ([]T, error) {
	f, err := os.Open(ds.FilePath(id, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	var items []T
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("read %s: %w", filename, readErr)
		}
		terminated := readErr == nil

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var item T
			if err := json.Unmarshal(trimmed, &item); err != nil {
				if !terminated {
					ds.logger.Warn("dropping torn trailing line",
						"entity", ds.entityName, "id", id, "file", filename, "line", lineNo, "error", err)
					break
				}
				return nil, fmt.Errorf("decode %s line %d: %w", filename, lineNo, err)
			}
			items = append(items, item)
		}

		if !terminated {
			break
		}
	}

	return items, nil
}

// ReadJSON decodes a named JSON file into out. It reports false if the file
// does not exist.
func (ds *DirStore) ReadJSON(id, filename string, out any) (bool, error) {
	data, err := ds.ReadFileContent(id, filename)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", filename, err)
	}
	return true, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, errors.ErrUnsupported) && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func atomicRenameUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported) || errors.Is(err, syscall.EXDEV)
}
