package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/taskstore/internal/config"
	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/heartbeat"
	"github.com/dohr-michael/taskstore/internal/storage"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TASKSTORE_PATH", t.TempDir())

	var buf bytes.Buffer
	root := NewRootCommand()
	root.Writer = &buf
	err := root.Run(context.Background(), append([]string{"taskstore"}, args...))
	return buf.String(), err
}

func seedDir(t *testing.T, ids map[string]tasks.TaskStatus) string {
	t.Helper()
	dir := t.TempDir()
	fs, err := tasks.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for id, status := range ids {
		m := tasks.NewMetadata(tasks.MustTaskID(id), "worker", map[string]string{"env": "test"})
		if status != tasks.StatusPending {
			if err := m.TransitionTo(status, "boom"); err != nil {
				t.Fatalf("TransitionTo: %v", err)
			}
		}
		if err := fs.SaveMetadata(m); err != nil {
			t.Fatalf("SaveMetadata: %v", err)
		}
	}
	return dir
}

func TestTasksListMatchAndStatus(t *testing.T) {
	dir := seedDir(t, map[string]tasks.TaskStatus{
		"job-1":   tasks.StatusRunning,
		"job-2":   tasks.StatusPending,
		"other-1": tasks.StatusRunning,
	})

	got, err := runCLI(t, "--dir", dir, "tasks", "list", "--match", "job-*")
	if err != nil {
		t.Fatalf("tasks list: %v", err)
	}
	if !strings.Contains(got, "job-1") || !strings.Contains(got, "job-2") || strings.Contains(got, "other-1") {
		t.Errorf("unexpected output:\n%s", got)
	}

	got, err = runCLI(t, "--dir", dir, "tasks", "list", "--status", "running")
	if err != nil {
		t.Fatalf("tasks list --status: %v", err)
	}
	if !strings.Contains(got, "job-1") || !strings.Contains(got, "other-1") || strings.Contains(got, "job-2") {
		t.Errorf("unexpected output:\n%s", got)
	}
	// Not a terminal: no ANSI escapes.
	if strings.Contains(got, "\x1b[") {
		t.Errorf("output contains escape codes:\n%q", got)
	}
}

func TestTasksListEmpty(t *testing.T) {
	got, err := runCLI(t, "--dir", t.TempDir(), "tasks", "list")
	if err != nil {
		t.Fatalf("tasks list: %v", err)
	}
	if !strings.Contains(got, "No tasks found.") {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestTasksCancelAndShow(t *testing.T) {
	dir := seedDir(t, map[string]tasks.TaskStatus{"job-1": tasks.StatusRunning})

	if _, err := runCLI(t, "--dir", dir, "tasks", "cancel", "--reason", "manual", "job-1"); err != nil {
		t.Fatalf("tasks cancel: %v", err)
	}

	got, err := runCLI(t, "--dir", dir, "tasks", "show", "job-1")
	if err != nil {
		t.Fatalf("tasks show: %v", err)
	}
	for _, want := range []string{"CANCELLED", "worker", "env=test", "1 events to replay"} {
		if !strings.Contains(got, want) {
			t.Errorf("show output missing %q:\n%s", want, got)
		}
	}

	got, err = runCLI(t, "--dir", dir, "tasks", "events", "job-1")
	if err != nil {
		t.Fatalf("tasks events: %v", err)
	}
	if !strings.Contains(got, `"type":"task.cancelled"`) || !strings.Contains(got, `"reason":"manual"`) {
		t.Errorf("events output:\n%s", got)
	}

	if _, err := runCLI(t, "--dir", dir, "tasks", "cancel", "job-1"); err == nil {
		t.Error("cancelling a terminal task should fail")
	}
}

func TestTasksRecoverAndDelete(t *testing.T) {
	dir := seedDir(t, map[string]tasks.TaskStatus{
		"a": tasks.StatusRunning,
		"b": tasks.StatusPaused,
	})

	got, err := runCLI(t, "--dir", dir, "tasks", "recover")
	if err != nil {
		t.Fatalf("tasks recover: %v", err)
	}
	if !strings.Contains(got, "1 task(s) recovered.") {
		t.Errorf("recover output: %q", got)
	}

	got, err = runCLI(t, "--dir", dir, "tasks", "delete", "a")
	if err != nil || !strings.Contains(got, "Task a deleted.") {
		t.Errorf("delete = %q, %v", got, err)
	}
	got, err = runCLI(t, "--dir", dir, "tasks", "delete", "a")
	if err != nil || !strings.Contains(got, "does not exist") {
		t.Errorf("second delete = %q, %v", got, err)
	}
}

func TestTasksRecoverRefusesLiveGateway(t *testing.T) {
	dir := seedDir(t, map[string]tasks.TaskStatus{"a": tasks.StatusRunning})

	data, _ := json.Marshal(heartbeat.Heartbeat{
		PID:       os.Getpid() + 1,
		StartedAt: time.Now(),
		Timestamp: time.Now(),
		Addr:      "127.0.0.1:18421",
	})
	if err := os.WriteFile(filepath.Join(dir, ".gateway.heartbeat.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := runCLI(t, "--dir", dir, "tasks", "recover")
	if !errors.Is(err, heartbeat.ErrStoreBusy) {
		t.Fatalf("recover err = %v, want ErrStoreBusy", err)
	}

	// The heartbeat file is not a task.
	got, err := runCLI(t, "--dir", dir, "tasks", "recover", "--force")
	if err != nil {
		t.Fatalf("recover --force: %v", err)
	}
	if !strings.Contains(got, "1 task(s) recovered.") {
		t.Errorf("recover output: %q", got)
	}
}

func TestShowMissingArg(t *testing.T) {
	if _, err := runCLI(t, "--dir", t.TempDir(), "tasks", "show"); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("err = %v, want usage error", err)
	}
}

func TestStyleStatus(t *testing.T) {
	if got := styleStatus(tasks.StatusFailed, false); got != "FAILED" {
		t.Errorf("plain = %q", got)
	}
	if got := styleStatus(tasks.StatusFailed, true); !strings.Contains(got, "FAILED") {
		t.Errorf("styled = %q", got)
	}
}

func TestChangesCommand(t *testing.T) {
	root := t.TempDir()
	t.Setenv("TASKSTORE_PATH", root)

	bus := events.NewBus(8)
	cl, err := storage.NewChangeLog(config.ChangesDir(), bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	bus.Publish(events.Event{ID: "1", Type: events.EventTaskCancelled, Timestamp: day, TaskID: "a"})
	bus.Publish(events.Event{ID: "2", Type: events.EventTaskDeleted, Timestamp: day, TaskID: "a"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, _ := storage.ReadChanges(config.ChangesDir(), day, nil); len(got) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cl.Close()
	bus.Close()

	var buf bytes.Buffer
	cmd := NewRootCommand()
	cmd.Writer = &buf
	if err := cmd.Run(context.Background(), []string{"taskstore", "changes", "--day", "2026-02-03", "--type", "task.deleted"}); err != nil {
		t.Fatalf("changes: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"type":"task.deleted"`) || strings.Contains(got, "task.cancelled") {
		t.Errorf("changes output:\n%s", got)
	}

	if _, err := runCLI(t, "changes", "--day", "03/02/2026"); err == nil {
		t.Error("expected error for malformed --day")
	}
}
