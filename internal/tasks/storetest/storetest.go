// Package storetest runs the behavioural contract of tasks.Store against any
// backend.
package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dohr-michael/taskstore/internal/tasks"
)

// Factory opens a store. Durable backends must return a store reading the
// same data when called again with the same dir; Reopenable reports whether
// that holds.
type Factory struct {
	Open       func(t *testing.T, dir string) tasks.Store
	Reopenable bool
}

// Run executes the contract suite.
func Run(t *testing.T, f Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"MetadataRoundTrip", testMetadataRoundTrip},
		{"LoadUnknown", testLoadUnknown},
		{"SaveMetadataOverwrites", testSaveMetadataOverwrites},
		{"LifecycleScenario", testLifecycleScenario},
		{"JournalOrder", testJournalOrder},
		{"JournalPayloadVerbatim", testJournalPayloadVerbatim},
		{"CheckpointReplace", testCheckpointReplace},
		{"CheckpointDefensiveCopy", testCheckpointDefensiveCopy},
		{"CheckpointNilScope", testCheckpointNilScope},
		{"CheckpointInvalid", testCheckpointInvalid},
		{"DeleteCompleteness", testDeleteCompleteness},
		{"TaskIDsByStatus", testTaskIDsByStatus},
		{"TaskIDsOnlyWithMetadata", testTaskIDsOnlyWithMetadata},
		{"CompareAndSetMismatch", testCompareAndSetMismatch},
		{"CompareAndSetUnknown", testCompareAndSetUnknown},
		{"CompareAndSetFailureReason", testCompareAndSetFailureReason},
		{"CompareAndSetTerminal", testCompareAndSetTerminal},
		{"CompareAndSetRace", testCompareAndSetRace},
		{"ConcurrentAppends", testConcurrentAppends},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, f) })
	}
	if f.Reopenable {
		t.Run("ReopenPreservesState", func(t *testing.T) { testReopen(t, f) })
	}
}

func open(t *testing.T, f Factory) tasks.Store {
	t.Helper()
	s := f.Open(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSave(t *testing.T, s tasks.Store, m *tasks.Metadata) {
	t.Helper()
	if err := s.SaveMetadata(m); err != nil {
		t.Fatalf("SaveMetadata(%s): %v", m.ID(), err)
	}
}

func mustLoad(t *testing.T, s tasks.Store, id tasks.TaskID) *tasks.Metadata {
	t.Helper()
	m, err := s.LoadMetadata(id)
	if err != nil {
		t.Fatalf("LoadMetadata(%s): %v", id, err)
	}
	if m == nil {
		t.Fatalf("LoadMetadata(%s): not found", id)
	}
	return m
}

func appendN(t *testing.T, s tasks.Store, id tasks.TaskID, n int) []tasks.Event {
	t.Helper()
	var out []tasks.Event
	for i := 0; i < n; i++ {
		e, err := tasks.NewEvent(id, "step.completed", map[string]int{"step": i})
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		if err := s.AppendEvent(e); err != nil {
			t.Fatalf("AppendEvent #%d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func running(t *testing.T, s tasks.Store, id string) tasks.TaskID {
	t.Helper()
	m := tasks.NewMetadata(tasks.MustTaskID(id), "agent", nil)
	if err := m.TransitionTo(tasks.StatusRunning, ""); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	mustSave(t, s, m)
	return m.ID()
}

func testMetadataRoundTrip(t *testing.T, f Factory) {
	s := open(t, f)
	m := tasks.NewMetadata(tasks.MustTaskID("t1"), "a", map[string]string{"env": "test"})
	mustSave(t, s, m)

	got := mustLoad(t, s, m.ID())
	if got.ID() != m.ID() {
		t.Errorf("ID = %s, want %s", got.ID(), m.ID())
	}
	if got.AgentName() != "a" {
		t.Errorf("AgentName = %q, want %q", got.AgentName(), "a")
	}
	if got.Status() != tasks.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status())
	}
	if v, _ := got.Label("env"); v != "test" {
		t.Errorf("Label(env) = %q, want %q", v, "test")
	}
	if !got.CreatedAt().Equal(m.CreatedAt()) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt(), m.CreatedAt())
	}
}

func testLoadUnknown(t *testing.T, f Factory) {
	s := open(t, f)
	id := tasks.MustTaskID("missing")

	m, err := s.LoadMetadata(id)
	if err != nil || m != nil {
		t.Errorf("LoadMetadata = %v, %v; want nil, nil", m, err)
	}
	cp, err := s.LoadCheckpoint(id)
	if err != nil || cp != nil {
		t.Errorf("LoadCheckpoint = %v, %v; want nil, nil", cp, err)
	}
	events, err := s.LoadEvents(id)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("LoadEvents = %#v, want empty non-nil slice", events)
	}
	ids, err := s.TaskIDs()
	if err != nil {
		t.Fatalf("TaskIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("TaskIDs = %v, want none", ids)
	}
}

func testSaveMetadataOverwrites(t *testing.T, f Factory) {
	s := open(t, f)
	m := tasks.NewMetadata(tasks.MustTaskID("over"), "a", nil)
	mustSave(t, s, m)

	updated := m.Clone()
	if err := updated.TransitionTo(tasks.StatusPaused, ""); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	mustSave(t, s, updated)

	if got := mustLoad(t, s, m.ID()).Status(); got != tasks.StatusPaused {
		t.Errorf("Status = %s, want PAUSED", got)
	}
}

func testLifecycleScenario(t *testing.T, f Factory) {
	s := open(t, f)
	id := tasks.MustTaskID("t1")
	mustSave(t, s, tasks.NewMetadata(id, "a", map[string]string{"env": "test"}))

	if got := mustLoad(t, s, id).Status(); got != tasks.StatusPending {
		t.Fatalf("Status = %s, want PENDING", got)
	}

	if m, err := s.CompareAndSetStatus(id, tasks.StatusPending, tasks.StatusRunning, ""); err != nil || m == nil {
		t.Fatalf("CAS PENDING->RUNNING = %v, %v", m, err)
	}
	m, err := s.CompareAndSetStatus(id, tasks.StatusRunning, tasks.StatusFailed, "timeout")
	if err != nil || m == nil {
		t.Fatalf("CAS RUNNING->FAILED = %v, %v", m, err)
	}

	got := mustLoad(t, s, id)
	if got.Status() != tasks.StatusFailed {
		t.Errorf("Status = %s, want FAILED", got.Status())
	}
	if got.FailureReason() != "timeout" {
		t.Errorf("FailureReason = %q, want %q", got.FailureReason(), "timeout")
	}

	if err := got.TransitionTo(tasks.StatusRunning, ""); !errors.Is(err, tasks.ErrIllegalTransition) {
		t.Errorf("TransitionTo from FAILED: err = %v, want ErrIllegalTransition", err)
	}
	if got.Status() != tasks.StatusFailed {
		t.Errorf("Status after illegal transition = %s, want FAILED", got.Status())
	}
}

func testJournalOrder(t *testing.T, f Factory) {
	s := open(t, f)
	id := tasks.MustTaskID("journal")
	want := appendN(t, s, id, 25)

	got, err := s.LoadEvents(id)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadEvents returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("event[%d].ID = %s, want %s", i, got[i].ID, want[i].ID)
		}
	}
}

func testJournalPayloadVerbatim(t *testing.T, f Factory) {
	s := open(t, f)
	id := tasks.MustTaskID("payload")
	e, err := tasks.NewEvent(id, "tool.result", map[string]any{
		"tool":    "search",
		"unknown": map[string]any{"nested": []any{1.0, "two"}},
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := s.AppendEvent(e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	got, err := s.LoadEvents(id)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadEvents returned %d events, want 1", len(got))
	}
	var payload struct {
		Tool    string `json:"tool"`
		Unknown struct {
			Nested []any `json:"nested"`
		} `json:"unknown"`
	}
	if err := got[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Tool != "search" || len(payload.Unknown.Nested) != 2 {
		t.Errorf("payload = %+v", payload)
	}
	if got[0].Type != "tool.result" || got[0].TaskID != id {
		t.Errorf("event = %+v", got[0])
	}
}

func checkpoint(t *testing.T, m *tasks.Metadata, scope string, count int) *tasks.Checkpoint {
	t.Helper()
	cp, err := tasks.NewCheckpoint(m, &scope, count)
	if err != nil {
		t.Fatalf("NewCheckpoint: %v", err)
	}
	return cp
}

func testCheckpointReplace(t *testing.T, f Factory) {
	s := open(t, f)
	m := tasks.NewMetadata(tasks.MustTaskID("cp"), "a", nil)
	mustSave(t, s, m)

	if err := s.SaveCheckpoint(checkpoint(t, m, "scope-1", 1)); err != nil {
		t.Fatalf("SaveCheckpoint C1: %v", err)
	}
	if err := s.SaveCheckpoint(checkpoint(t, m, "scope-2", 7)); err != nil {
		t.Fatalf("SaveCheckpoint C2: %v", err)
	}

	got, err := s.LoadCheckpoint(m.ID())
	if err != nil || got == nil {
		t.Fatalf("LoadCheckpoint = %v, %v", got, err)
	}
	if got.Scope == nil || *got.Scope != "scope-2" {
		t.Errorf("Scope = %v, want scope-2", got.Scope)
	}
	if got.EventCount != 7 {
		t.Errorf("EventCount = %d, want 7", got.EventCount)
	}
}

func testCheckpointDefensiveCopy(t *testing.T, f Factory) {
	s := open(t, f)
	m := tasks.NewMetadata(tasks.MustTaskID("copy"), "a", map[string]string{"k": "v"})
	mustSave(t, s, m)
	if err := s.SaveCheckpoint(checkpoint(t, m, "scope", 0)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	first, err := s.LoadCheckpoint(m.ID())
	if err != nil || first == nil {
		t.Fatalf("LoadCheckpoint = %v, %v", first, err)
	}
	if err := first.Metadata.TransitionTo(tasks.StatusCompleted, ""); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	*first.Scope = "tampered"
	first.EventCount = 99

	second, err := s.LoadCheckpoint(m.ID())
	if err != nil || second == nil {
		t.Fatalf("LoadCheckpoint = %v, %v", second, err)
	}
	if second.Metadata.Status() != tasks.StatusPending {
		t.Errorf("stored metadata status = %s, want PENDING", second.Metadata.Status())
	}
	if *second.Scope != "scope" || second.EventCount != 0 {
		t.Errorf("stored checkpoint mutated: scope=%q count=%d", *second.Scope, second.EventCount)
	}
	if v, _ := second.Metadata.Label("k"); v != "v" {
		t.Errorf("Label(k) = %q, want v", v)
	}
}

func testCheckpointNilScope(t *testing.T, f Factory) {
	s := open(t, f)
	m := tasks.NewMetadata(tasks.MustTaskID("noscope"), "a", nil)
	cp, err := tasks.NewCheckpoint(m, nil, 3)
	if err != nil {
		t.Fatalf("NewCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := s.LoadCheckpoint(m.ID())
	if err != nil || got == nil {
		t.Fatalf("LoadCheckpoint = %v, %v", got, err)
	}
	if got.Scope != nil {
		t.Errorf("Scope = %q, want nil", *got.Scope)
	}
}

func testCheckpointInvalid(t *testing.T, f Factory) {
	s := open(t, f)
	err := s.SaveCheckpoint(&tasks.Checkpoint{TaskID: tasks.MustTaskID("bad")})
	if !errors.Is(err, tasks.ErrInvalidCheckpoint) {
		t.Errorf("SaveCheckpoint without metadata: err = %v, want ErrInvalidCheckpoint", err)
	}
}

func testDeleteCompleteness(t *testing.T, f Factory) {
	s := open(t, f)
	m := tasks.NewMetadata(tasks.MustTaskID("gone"), "a", nil)
	mustSave(t, s, m)
	appendN(t, s, m.ID(), 3)
	if err := s.SaveCheckpoint(checkpoint(t, m, "scope", 3)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	existed, err := s.Delete(m.ID())
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v; want true, nil", existed, err)
	}

	if got, err := s.LoadMetadata(m.ID()); err != nil || got != nil {
		t.Errorf("LoadMetadata after delete = %v, %v", got, err)
	}
	if got, err := s.LoadEvents(m.ID()); err != nil || len(got) != 0 {
		t.Errorf("LoadEvents after delete = %v, %v", got, err)
	}
	if got, err := s.LoadCheckpoint(m.ID()); err != nil || got != nil {
		t.Errorf("LoadCheckpoint after delete = %v, %v", got, err)
	}

	existed, err = s.Delete(m.ID())
	if err != nil || existed {
		t.Errorf("second Delete = %v, %v; want false, nil", existed, err)
	}

	// The task can be recreated after deletion.
	mustSave(t, s, tasks.NewMetadata(m.ID(), "b", nil))
	if got := mustLoad(t, s, m.ID()); got.AgentName() != "b" {
		t.Errorf("AgentName = %q, want b", got.AgentName())
	}
}

func testTaskIDsByStatus(t *testing.T, f Factory) {
	s := open(t, f)
	r1 := running(t, s, "r1")
	mustSave(t, s, tasks.NewMetadata(tasks.MustTaskID("p1"), "a", nil))
	r2 := running(t, s, "r2")

	got, err := s.TaskIDsByStatus(tasks.StatusRunning)
	if err != nil {
		t.Fatalf("TaskIDsByStatus: %v", err)
	}
	if len(got) != 2 || got[0] != r1 || got[1] != r2 {
		t.Errorf("TaskIDsByStatus(RUNNING) = %v, want [r1 r2]", got)
	}

	all, err := s.TaskIDs()
	if err != nil {
		t.Fatalf("TaskIDs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("TaskIDs = %v, want 3 ids", all)
	}
}

func testTaskIDsOnlyWithMetadata(t *testing.T, f Factory) {
	s := open(t, f)
	appendN(t, s, tasks.MustTaskID("journal-only"), 1)
	mustSave(t, s, tasks.NewMetadata(tasks.MustTaskID("real"), "a", nil))

	ids, err := s.TaskIDs()
	if err != nil {
		t.Fatalf("TaskIDs: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != "real" {
		t.Errorf("TaskIDs = %v, want [real]", ids)
	}
}

func testCompareAndSetMismatch(t *testing.T, f Factory) {
	s := open(t, f)
	id := running(t, s, "t3")
	before := mustLoad(t, s, id).UpdatedAt()

	m, err := s.CompareAndSetStatus(id, tasks.StatusPending, tasks.StatusRunning, "")
	if err != nil {
		t.Fatalf("CompareAndSetStatus: %v", err)
	}
	if m != nil {
		t.Errorf("CompareAndSetStatus on mismatch = %v, want nil", m)
	}

	got := mustLoad(t, s, id)
	if got.Status() != tasks.StatusRunning {
		t.Errorf("Status = %s, want RUNNING", got.Status())
	}
	if !got.UpdatedAt().Equal(before) {
		t.Errorf("UpdatedAt changed on mismatch: %v -> %v", before, got.UpdatedAt())
	}
}

func testCompareAndSetUnknown(t *testing.T, f Factory) {
	s := open(t, f)
	m, err := s.CompareAndSetStatus(tasks.MustTaskID("nobody"), tasks.StatusPending, tasks.StatusRunning, "")
	if err != nil || m != nil {
		t.Errorf("CompareAndSetStatus on unknown = %v, %v; want nil, nil", m, err)
	}
	ids, _ := s.TaskIDs()
	if len(ids) != 0 {
		t.Errorf("CAS on unknown task created %v", ids)
	}
}

func testCompareAndSetFailureReason(t *testing.T, f Factory) {
	s := open(t, f)
	id := running(t, s, "fails")

	m, err := s.CompareAndSetStatus(id, tasks.StatusRunning, tasks.StatusFailed, "disk full")
	if err != nil || m == nil {
		t.Fatalf("CompareAndSetStatus = %v, %v", m, err)
	}
	if m.FailureReason() != "disk full" {
		t.Errorf("returned FailureReason = %q", m.FailureReason())
	}
	if got := mustLoad(t, s, id).FailureReason(); got != "disk full" {
		t.Errorf("persisted FailureReason = %q", got)
	}
}

func testCompareAndSetTerminal(t *testing.T, f Factory) {
	s := open(t, f)
	id := running(t, s, "done")
	if m, err := s.CompareAndSetStatus(id, tasks.StatusRunning, tasks.StatusCompleted, ""); err != nil || m == nil {
		t.Fatalf("CAS RUNNING->COMPLETED = %v, %v", m, err)
	}

	m, err := s.CompareAndSetStatus(id, tasks.StatusCompleted, tasks.StatusRunning, "")
	if !errors.Is(err, tasks.ErrIllegalTransition) {
		t.Errorf("CAS out of COMPLETED: err = %v, want ErrIllegalTransition", err)
	}
	if m != nil {
		t.Errorf("CAS out of COMPLETED returned %v", m)
	}
	if got := mustLoad(t, s, id).Status(); got != tasks.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got)
	}
}

func testCompareAndSetRace(t *testing.T, f Factory) {
	s := open(t, f)

	for round := 0; round < 10; round++ {
		id := running(t, s, fmt.Sprintf("race-%d", round))
		targets := []tasks.TaskStatus{
			tasks.StatusCompleted, tasks.StatusPaused, tasks.StatusFailed, tasks.StatusRetrying,
			tasks.StatusCancelled, tasks.StatusPending, tasks.StatusCompleted, tasks.StatusPaused,
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []tasks.TaskStatus
		)
		start := make(chan struct{})
		for _, target := range targets {
			wg.Add(1)
			go func(target tasks.TaskStatus) {
				defer wg.Done()
				<-start
				m, err := s.CompareAndSetStatus(id, tasks.StatusRunning, target, "raced")
				if err != nil {
					t.Errorf("CompareAndSetStatus: %v", err)
					return
				}
				if m != nil {
					mu.Lock()
					winners = append(winners, target)
					mu.Unlock()
				}
			}(target)
		}
		close(start)
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("round %d: %d callers succeeded, want exactly 1 (%v)", round, len(winners), winners)
		}
		if got := mustLoad(t, s, id).Status(); got != winners[0] {
			t.Errorf("round %d: persisted status = %s, winner set %s", round, got, winners[0])
		}
	}
}

func testConcurrentAppends(t *testing.T, f Factory) {
	s := open(t, f)
	const writers, perWriter = 8, 20
	ids := []tasks.TaskID{tasks.MustTaskID("ca"), tasks.MustTaskID("cb")}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := ids[w%len(ids)]
			for i := 0; i < perWriter; i++ {
				e, err := tasks.NewEvent(id, "tick", map[string]int{"writer": w, "seq": i})
				if err != nil {
					t.Errorf("NewEvent: %v", err)
					return
				}
				if err := s.AppendEvent(e); err != nil {
					t.Errorf("AppendEvent: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, id := range ids {
		events, err := s.LoadEvents(id)
		if err != nil {
			t.Fatalf("LoadEvents(%s): %v", id, err)
		}
		if want := writers / len(ids) * perWriter; len(events) != want {
			t.Errorf("LoadEvents(%s) returned %d events, want %d", id, len(events), want)
		}

		// Each writer's own events keep their relative order.
		last := map[int]int{}
		seen := map[string]bool{}
		for _, e := range events {
			if seen[e.ID] {
				t.Errorf("duplicate event %s", e.ID)
			}
			seen[e.ID] = true
			var p struct{ Writer, Seq int }
			if err := e.DecodePayload(&p); err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if prev, ok := last[p.Writer]; ok && p.Seq <= prev {
				t.Errorf("writer %d: seq %d after %d", p.Writer, p.Seq, prev)
			}
			last[p.Writer] = p.Seq
		}
	}
}

func testReopen(t *testing.T, f Factory) {
	dir := t.TempDir()
	s := f.Open(t, dir)

	id := tasks.MustTaskID("t2")
	m := tasks.NewMetadata(id, "a", nil)
	mustSave(t, s, m)
	want := appendN(t, s, id, 3)
	if err := s.SaveCheckpoint(checkpoint(t, m, "scope", 2)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := f.Open(t, dir)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.LoadEvents(id)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadEvents after reopen returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("event[%d].ID = %s, want %s", i, got[i].ID, want[i].ID)
		}
	}
	if md := mustLoad(t, reopened, id); md.Status() != tasks.StatusPending {
		t.Errorf("Status after reopen = %s", md.Status())
	}
	cp, err := reopened.LoadCheckpoint(id)
	if err != nil || cp == nil || cp.EventCount != 2 {
		t.Errorf("LoadCheckpoint after reopen = %+v, %v", cp, err)
	}
}
