package tasks_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dohr-michael/taskstore/internal/tasks"
	"github.com/dohr-michael/taskstore/internal/tasks/storetest"
)

func newFileStore(t *testing.T, dir string, opts ...tasks.FileStoreOption) *tasks.FileStore {
	t.Helper()
	fs, err := tasks.NewFileStore(dir, opts...)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestFileStoreContract(t *testing.T) {
	storetest.Run(t, storetest.Factory{
		Open:       func(t *testing.T, dir string) tasks.Store { return newFileStore(t, dir) },
		Reopenable: true,
	})
}

func TestFileStoreCompactContract(t *testing.T) {
	storetest.Run(t, storetest.Factory{
		Open: func(t *testing.T, dir string) tasks.Store {
			return newFileStore(t, dir, tasks.WithPrettyJSON(false))
		},
		Reopenable: true,
	})
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)

	m := tasks.NewMetadata(tasks.MustTaskID("t1"), "a", nil)
	if err := fs.SaveMetadata(m); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	for i := 0; i < 2; i++ {
		e, _ := tasks.NewEvent(m.ID(), "step", map[string]int{"i": i})
		if err := fs.AppendEvent(e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	cp, _ := tasks.NewCheckpoint(m, nil, 2)
	if err := fs.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "t1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if got := strings.Join(names, ","); got != "checkpoint.json,journal.jsonl,metadata.json" {
		t.Errorf("task dir contains %s", got)
	}

	journal, err := os.ReadFile(filepath.Join(dir, "t1", "journal.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(journal), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("journal has %d lines, want 2", len(lines))
	}
	for _, l := range lines {
		if !strings.HasPrefix(l, "{") || strings.Contains(l, "\n  ") {
			t.Errorf("journal line is not compact JSON: %q", l)
		}
	}

	meta, _ := os.ReadFile(filepath.Join(dir, "t1", "metadata.json"))
	if !bytes.Contains(meta, []byte("\n  \"status\"")) {
		t.Errorf("metadata.json should be pretty printed by default:\n%s", meta)
	}
}

func TestFileStoreCompactMetadata(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir, tasks.WithPrettyJSON(false))
	m := tasks.NewMetadata(tasks.MustTaskID("c"), "a", nil)
	if err := fs.SaveMetadata(m); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	meta, _ := os.ReadFile(filepath.Join(dir, "c", "metadata.json"))
	if bytes.Contains(meta, []byte("\n")) {
		t.Errorf("compact metadata.json contains newlines:\n%s", meta)
	}
}

func TestFileStoreCASMismatchDoesNotRewrite(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	m := tasks.NewMetadata(tasks.MustTaskID("t3"), "a", nil)
	if err := m.TransitionTo(tasks.StatusRunning, ""); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if err := fs.SaveMetadata(m); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}

	path := filepath.Join(dir, "t3", "metadata.json")
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	content, _ := os.ReadFile(path)

	got, err := fs.CompareAndSetStatus(m.ID(), tasks.StatusPending, tasks.StatusRunning, "")
	if err != nil || got != nil {
		t.Fatalf("CompareAndSetStatus = %v, %v; want nil, nil", got, err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !os.SameFile(before, after) {
		t.Error("metadata.json was replaced on CAS mismatch")
	}
	if now, _ := os.ReadFile(path); !bytes.Equal(now, content) {
		t.Error("metadata.json content changed on CAS mismatch")
	}
}

func TestFileStoreCASReplacesFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	m := tasks.NewMetadata(tasks.MustTaskID("ok"), "a", nil)
	if err := fs.SaveMetadata(m); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}

	got, err := fs.CompareAndSetStatus(m.ID(), tasks.StatusPending, tasks.StatusRunning, "")
	if err != nil || got == nil {
		t.Fatalf("CompareAndSetStatus = %v, %v", got, err)
	}

	// A fresh store instance sees the change: it went to disk.
	other := newFileStore(t, dir)
	reloaded, err := other.LoadMetadata(m.ID())
	if err != nil || reloaded == nil || reloaded.Status() != tasks.StatusRunning {
		t.Errorf("reloaded = %v, %v", reloaded, err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "ok"))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileStoreTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	id := tasks.MustTaskID("torn")
	e, _ := tasks.NewEvent(id, "step", nil)
	if err := fs.AppendEvent(e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	path := filepath.Join(dir, "torn", "journal.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`{"id":"evt_half","task_id":"to`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	events, err := fs.LoadEvents(id)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != e.ID {
		t.Errorf("LoadEvents = %+v, want only the complete event", events)
	}
}

func TestFileStoreCorruptJournalLine(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	id := tasks.MustTaskID("corrupt")
	if err := os.MkdirAll(filepath.Join(dir, "corrupt"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := "{\"id\":\"e1\",\"task_id\":\"corrupt\",\"type\":\"a\",\"timestamp\":\"2026-01-01T00:00:00Z\"}\n" +
		"not json\n\n" +
		"{\"id\":\"e2\",\"task_id\":\"corrupt\",\"type\":\"a\",\"timestamp\":\"2026-01-01T00:00:00Z\"}\n"
	if err := os.WriteFile(filepath.Join(dir, "corrupt", "journal.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := fs.LoadEvents(id)
	if !errors.Is(err, tasks.ErrStore) {
		t.Errorf("LoadEvents with corrupt line: err = %v, want ErrStore", err)
	}
}

func TestFileStoreSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	if err := os.MkdirAll(filepath.Join(dir, "blank"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := "\n{\"id\":\"e1\",\"task_id\":\"blank\",\"type\":\"a\",\"timestamp\":\"2026-01-01T00:00:00Z\"}\n\n   \n"
	if err := os.WriteFile(filepath.Join(dir, "blank", "journal.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	events, err := fs.LoadEvents(tasks.MustTaskID("blank"))
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("LoadEvents = %+v", events)
	}
}

func TestFileStoreCorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	if err := os.MkdirAll(filepath.Join(dir, "bad"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad", "metadata.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := fs.LoadMetadata(tasks.MustTaskID("bad"))
	var se *tasks.StoreError
	if !errors.As(err, &se) || se.Op != "load metadata" {
		t.Errorf("LoadMetadata on corrupt file: err = %v, want StoreError", err)
	}
}

func TestFileStoreUnsafeIDs(t *testing.T) {
	fs := newFileStore(t, t.TempDir())
	for _, raw := range []string{"../escape", "a/b", `a\b`, ".", ".."} {
		id := tasks.MustTaskID(raw)
		err := fs.SaveMetadata(tasks.NewMetadata(id, "a", nil))
		if !errors.Is(err, tasks.ErrUnsafeTaskID) || !errors.Is(err, tasks.ErrStore) {
			t.Errorf("SaveMetadata(%q): err = %v, want ErrUnsafeTaskID store error", raw, err)
		}
		if _, err := fs.LoadEvents(id); !errors.Is(err, tasks.ErrUnsafeTaskID) {
			t.Errorf("LoadEvents(%q): err = %v", raw, err)
		}
	}
}

func TestFileStoreIgnoresStrayEntries(t *testing.T) {
	dir := t.TempDir()
	fs := newFileStore(t, dir)
	if err := os.MkdirAll(filepath.Join(dir, "no-metadata"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.SaveMetadata(tasks.NewMetadata(tasks.MustTaskID("real"), "a", nil)); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}

	ids, err := fs.TaskIDs()
	if err != nil {
		t.Fatalf("TaskIDs: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != "real" {
		t.Errorf("TaskIDs = %v, want [real]", ids)
	}
}

func TestFileStoreDeleteRecreateRace(t *testing.T) {
	fs := newFileStore(t, t.TempDir())
	id := tasks.MustTaskID("churn")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if w%2 == 0 {
					if _, err := fs.Delete(id); err != nil {
						t.Errorf("Delete: %v", err)
					}
					continue
				}
				if err := fs.SaveMetadata(tasks.NewMetadata(id, "a", nil)); err != nil {
					t.Errorf("SaveMetadata: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	// Whatever interleaving happened, the task is either whole or absent.
	m, err := fs.LoadMetadata(id)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if m != nil && m.Status() != tasks.StatusPending {
		t.Errorf("Status = %s", m.Status())
	}
}

func TestNewFileStoreCreatesBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "tasks")
	fs := newFileStore(t, base)
	if fs.BaseDir() != base {
		t.Errorf("BaseDir = %s, want %s", fs.BaseDir(), base)
	}
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		t.Errorf("base dir not created: %v", err)
	}
}

func TestNewFileStoreFailsOnFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "taken")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := tasks.NewFileStore(filepath.Join(file, "sub")); !errors.Is(err, tasks.ErrStore) {
		t.Errorf("NewFileStore under a file: err = %v, want ErrStore", err)
	}
}
