package dirstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestListDirs(t *testing.T) {
	base := t.TempDir()
	ds := NewDirStore(base, "item", nil)

	// Create some directories and a file (should be ignored)
	for _, name := range []string{"dir_a", "dir_b", "dir_c"} {
		if err := os.MkdirAll(filepath.Join(base, name), 0o755); err != nil {
			t.Fatalf("MkdirAll %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "not_a_dir.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dirs, err := ds.ListDirs()
	if err != nil {
		t.Fatalf("ListDirs: %v", err)
	}

	sort.Strings(dirs)
	want := []string{"dir_a", "dir_b", "dir_c"}
	if len(dirs) != len(want) {
		t.Fatalf("ListDirs = %v, want %v", dirs, want)
	}
	for i, d := range dirs {
		if d != want[i] {
			t.Errorf("dirs[%d] = %q, want %q", i, d, want[i])
		}
	}
}

func TestListDirsNonExistent(t *testing.T) {
	ds := NewDirStore(filepath.Join(t.TempDir(), "nope"), "item", nil)

	dirs, err := ds.ListDirs()
	if err != nil {
		t.Fatalf("ListDirs: %v", err)
	}
	if dirs != nil {
		t.Errorf("expected nil, got %v", dirs)
	}
}

type testLine struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

func TestAppendAndLoadJSONL(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	lines := []testLine{
		{ID: 1, Text: "first"},
		{ID: 2, Text: "second"},
		{ID: 3, Text: "third"},
	}

	for _, l := range lines {
		if err := ds.AppendJSONL(id, "data.jsonl", l); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}

	if len(got) != len(lines) {
		t.Fatalf("LoadJSONL returned %d items, want %d", len(got), len(lines))
	}
	for i, item := range got {
		if item != lines[i] {
			t.Errorf("item[%d] = %+v, want %+v", i, item, lines[i])
		}
	}

	raw, _ := ds.ReadFileContent(id, "data.jsonl")
	if n := strings.Count(string(raw), "\n"); n != len(lines) {
		t.Errorf("file has %d newlines, want %d", n, len(lines))
	}
}

func TestLoadJSONLEmpty(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)

	got, err := LoadJSONL[testLine](ds, "nonexistent", "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestLoadJSONLTornTail(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	content := "{\"id\":1,\"text\":\"a\"}\n\n{\"id\":2,\"text\":\"b\"}\n{\"id\":3,\"te"
	if err := os.WriteFile(ds.FilePath(id, "data.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(got) != 2 || got[1].ID != 2 {
		t.Errorf("LoadJSONL = %+v, want the two complete lines", got)
	}
}

func TestLoadJSONLUnterminatedValidLine(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := os.WriteFile(ds.FilePath(id, "data.jsonl"), []byte(`{"id":7,"text":"x"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil || len(got) != 1 || got[0].ID != 7 {
		t.Errorf("LoadJSONL = %+v, %v", got, err)
	}
}

func TestLoadJSONLCorruptMiddle(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	content := "{\"id\":1}\n{garbage\n{\"id\":3}\n"
	if err := os.WriteFile(ds.FilePath(id, "data.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("LoadJSONL err = %v, want decode error on line 2", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	for _, content := range []string{"hello world", "replaced"} {
		if err := ds.WriteFileAtomic(id, "output.md", []byte(content)); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}
		got, err := ds.ReadFileContent(id, "output.md")
		if err != nil {
			t.Fatalf("ReadFileContent: %v", err)
		}
		if string(got) != content {
			t.Errorf("ReadFileContent = %q, want %q", got, content)
		}
	}

	info, err := os.Stat(ds.FilePath(id, "output.md"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o644 {
		t.Errorf("mode = %o, want 644", perm)
	}
	assertNoTemps(t, ds.Dir(id))
}

func TestWriteFileAtomicRenameFallback(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := ds.WriteFileAtomic(id, "doc.json", []byte("old")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	calls := 0
	rename = func(from, to string) error {
		calls++
		if calls == 1 {
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EXDEV}
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })

	if err := ds.WriteFileAtomic(id, "doc.json", []byte("new")); err != nil {
		t.Fatalf("WriteFileAtomic with fallback: %v", err)
	}
	if calls != 2 {
		t.Errorf("rename called %d times, want 2", calls)
	}
	got, _ := ds.ReadFileContent(id, "doc.json")
	if string(got) != "new" {
		t.Errorf("content = %q, want new", got)
	}
	assertNoTemps(t, ds.Dir(id))
}

func TestWriteFileAtomicCleansUpOnFailure(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := ds.WriteFileAtomic(id, "doc.json", []byte("old")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	boom := errors.New("rename exploded")
	rename = func(string, string) error { return boom }
	t.Cleanup(func() { rename = os.Rename })

	err := ds.WriteFileAtomic(id, "doc.json", []byte("new"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	got, _ := ds.ReadFileContent(id, "doc.json")
	if string(got) != "old" {
		t.Errorf("failed write changed content to %q", got)
	}
	assertNoTemps(t, ds.Dir(id))
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	if err := ds.WriteFileAtomic("absent", "doc.json", []byte("x")); err == nil {
		t.Error("WriteFileAtomic into a missing dir should fail")
	}
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestReadFileContentNotFound(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)

	got, err := ds.ReadFileContent("nonexistent", "output.md")
	if err != nil {
		t.Fatalf("ReadFileContent: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestReadJSON(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	var out testLine
	found, err := ds.ReadJSON(id, "doc.json", &out)
	if found || err != nil {
		t.Errorf("missing file: found=%v err=%v", found, err)
	}

	if err := ds.WriteFileAtomic(id, "doc.json", []byte(`{"id":5,"text":"five"}`)); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	found, err = ds.ReadJSON(id, "doc.json", &out)
	if !found || err != nil || out.ID != 5 {
		t.Errorf("ReadJSON = %v, %v, %+v", found, err, out)
	}

	if err := ds.WriteFileAtomic(id, "doc.json", []byte(`{`)); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if _, err := ds.ReadJSON(id, "doc.json", &out); err == nil {
		t.Error("ReadJSON on corrupt file should fail")
	}
}

func TestHasFile(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if ok, err := ds.HasFile(id, "a"); ok || err != nil {
		t.Errorf("HasFile before write = %v, %v", ok, err)
	}
	if err := ds.AppendLine(id, "a", []byte("x")); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if ok, err := ds.HasFile(id, "a"); !ok || err != nil {
		t.Errorf("HasFile after write = %v, %v", ok, err)
	}
}

func TestEnsureDirRemoveDir(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"

	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := ds.AppendLine(id, "log", []byte("x")); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}

	// Verify directory exists
	info, err := os.Stat(ds.Dir(id))
	if err != nil {
		t.Fatalf("Stat after EnsureDir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}

	existed, err := ds.RemoveDir(id)
	if err != nil || !existed {
		t.Fatalf("RemoveDir = %v, %v", existed, err)
	}

	// Verify directory removed
	_, err = os.Stat(ds.Dir(id))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist after RemoveDir, got: %v", err)
	}

	existed, err = ds.RemoveDir(id)
	if err != nil || existed {
		t.Errorf("second RemoveDir = %v, %v; want false, nil", existed, err)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"task_abc", true},
		{"with space", true},
		{"dots.in.name", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../up", false},
		{"a/b", false},
		{`a\b`, false},
		{"nul\x00", false},
		{"/abs", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.ok && err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrUnsafeName) {
			t.Errorf("ValidateName(%q) = %v, want ErrUnsafeName", tt.name, err)
		}
	}
}

func TestLockSerializesPerID(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := ds.Lock("same")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("%d holders of the same lock at once, want 1", maxSeen)
	}
}

func TestLockIndependentIDs(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	unlockA := ds.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := ds.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b blocked behind lock on a")
	}
}

func TestConcurrentAppendLine(t *testing.T) {
	ds := NewDirStore(t.TempDir(), "thing", nil)
	id := "entity1"
	if err := ds.EnsureDir(id); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				unlock := ds.Lock(id)
				err := ds.AppendJSONL(id, "data.jsonl", testLine{ID: w*100 + i, Text: fmt.Sprint(w)})
				unlock()
				if err != nil {
					t.Errorf("AppendJSONL: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := LoadJSONL[testLine](ds, id, "data.jsonl")
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(got) != 40 {
		t.Errorf("LoadJSONL returned %d lines, want 40", len(got))
	}
}
