package tasks

import (
	"slices"
	"sync"
)

// MemoryStore implements Store with in-memory maps. It is volatile and meant
// for tests and single-process runs.
//
// Metadata is stored by pointer: every caller of LoadMetadata shares the same
// instance, so CompareAndSetStatus relies on the instance's own lock.
type MemoryStore struct {
	metadata    sync.Map // TaskID -> *Metadata
	journals    sync.Map // TaskID -> *journal
	checkpoints sync.Map // TaskID -> *Checkpoint
}

type journal struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveMetadata stores m.
func (s *MemoryStore) SaveMetadata(m *Metadata) error {
	if m == nil || m.ID().IsZero() {
		return ErrInvalidTaskID
	}
	s.metadata.Store(m.ID(), m)
	return nil
}

// LoadMetadata returns the stored instance or nil.
func (s *MemoryStore) LoadMetadata(id TaskID) (*Metadata, error) {
	v, ok := s.metadata.Load(id)
	if !ok {
		return nil, nil
	}
	return v.(*Metadata), nil
}

// AppendEvent appends e to its task's journal.
func (s *MemoryStore) AppendEvent(e Event) error {
	if e.TaskID.IsZero() {
		return ErrInvalidTaskID
	}
	v, _ := s.journals.LoadOrStore(e.TaskID, &journal{})
	j := v.(*journal)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

// LoadEvents returns a copy of the journal.
func (s *MemoryStore) LoadEvents(id TaskID) ([]Event, error) {
	v, ok := s.journals.Load(id)
	if !ok {
		return []Event{}, nil
	}
	j := v.(*journal)

	j.mu.Lock()
	defer j.mu.Unlock()
	out := slices.Clone(j.events)
	if out == nil {
		out = []Event{}
	}
	return out, nil
}

// SaveCheckpoint stores a copy of cp, replacing any previous one.
func (s *MemoryStore) SaveCheckpoint(cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.checkpoints.Store(cp.TaskID, cp.Clone())
	return nil
}

// LoadCheckpoint returns a copy of the stored checkpoint or nil.
func (s *MemoryStore) LoadCheckpoint(id TaskID) (*Checkpoint, error) {
	v, ok := s.checkpoints.Load(id)
	if !ok {
		return nil, nil
	}
	return v.(*Checkpoint).Clone(), nil
}

// TaskIDs returns the ids of all tasks with metadata.
func (s *MemoryStore) TaskIDs() ([]TaskID, error) {
	var ids []TaskID
	s.metadata.Range(func(k, _ any) bool {
		ids = append(ids, k.(TaskID))
		return true
	})
	if ids == nil {
		ids = []TaskID{}
	}
	return sortIDs(ids), nil
}

// TaskIDsByStatus returns the ids of tasks currently in status.
func (s *MemoryStore) TaskIDsByStatus(status TaskStatus) ([]TaskID, error) {
	ids, err := s.TaskIDs()
	if err != nil {
		return nil, err
	}
	return filterByStatus(s, ids, status)
}

// Delete removes everything stored for id.
func (s *MemoryStore) Delete(id TaskID) (bool, error) {
	_, existed := s.metadata.LoadAndDelete(id)
	s.journals.Delete(id)
	s.checkpoints.Delete(id)
	return existed, nil
}

// CompareAndSetStatus transitions the shared metadata instance in place.
func (s *MemoryStore) CompareAndSetStatus(id TaskID, expected, next TaskStatus, failureReason string) (*Metadata, error) {
	m, _ := s.LoadMetadata(id)
	if m == nil {
		return nil, nil
	}
	ok, err := m.CompareAndTransition(expected, next, failureReason)
	if err != nil || !ok {
		return nil, err
	}
	return m, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
