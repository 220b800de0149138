package tasks

import (
	"slices"
	"strings"
)

// Store persists the three facets of a task's durable state: metadata, the
// event journal and the latest checkpoint. Lookups of unknown tasks return
// nil (or an empty slice), never an error; errors are *StoreError values or
// local validation failures.
type Store interface {
	// SaveMetadata creates or fully replaces the metadata of m.ID().
	SaveMetadata(m *Metadata) error

	// LoadMetadata returns nil, nil if the task is unknown.
	LoadMetadata(id TaskID) (*Metadata, error)

	// AppendEvent appends e to the journal of e.TaskID. Once it returns
	// nil the event survives a process crash.
	AppendEvent(e Event) error

	// LoadEvents returns the journal in append order; empty if none.
	LoadEvents(id TaskID) ([]Event, error)

	// SaveCheckpoint replaces any prior checkpoint of the task.
	SaveCheckpoint(cp *Checkpoint) error

	// LoadCheckpoint returns a copy the caller may mutate freely, or nil.
	LoadCheckpoint(id TaskID) (*Checkpoint, error)

	// TaskIDs returns every task that has metadata, sorted.
	TaskIDs() ([]TaskID, error)

	// TaskIDsByStatus returns the tasks whose persisted status is s, sorted.
	TaskIDsByStatus(s TaskStatus) ([]TaskID, error)

	// Delete removes metadata, journal and checkpoint. It reports whether
	// the task existed.
	Delete(id TaskID) (bool, error)

	// CompareAndSetStatus atomically, with respect to the whole store,
	// moves the task from expected to next and persists it. It returns nil
	// without writing anything when the task is unknown or its status is
	// not expected.
	CompareAndSetStatus(id TaskID, expected, next TaskStatus, failureReason string) (*Metadata, error)

	// Close releases resources held by the store.
	Close() error
}

// LoadCompareSave composes LoadMetadata, CompareAndTransition and
// SaveMetadata. It is NOT atomic: two callers that each load their own copy
// can both succeed and the last save wins. Only use it in single-caller
// tools or backends that provide no better primitive; real Store
// implementations must implement CompareAndSetStatus atomically.
func LoadCompareSave(s Store, id TaskID, expected, next TaskStatus, failureReason string) (*Metadata, error) {
	m, err := s.LoadMetadata(id)
	if err != nil || m == nil {
		return nil, err
	}
	ok, err := m.CompareAndTransition(expected, next, failureReason)
	if err != nil || !ok {
		return nil, err
	}
	if err := s.SaveMetadata(m); err != nil {
		return nil, err
	}
	return m, nil
}

func sortIDs(ids []TaskID) []TaskID {
	slices.SortFunc(ids, func(a, b TaskID) int {
		return strings.Compare(a.value, b.value)
	})
	return ids
}

// filterByStatus loads each id and keeps those currently in status.
// Tasks deleted in the meantime are skipped.
func filterByStatus(s Store, ids []TaskID, status TaskStatus) ([]TaskID, error) {
	out := make([]TaskID, 0, len(ids))
	for _, id := range ids {
		m, err := s.LoadMetadata(id)
		if err != nil {
			return nil, err
		}
		if m != nil && m.Status() == status {
			out = append(out, id)
		}
	}
	return out, nil
}
