package tasks

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// now is swapped in tests that need deterministic timestamps.
var now = time.Now

// Metadata is the mutable lifecycle record of a task. Status changes go
// through TransitionTo or CompareAndTransition, which are safe for concurrent
// use on the same instance. A Metadata must not be copied; use Clone.
type Metadata struct {
	mu            sync.Mutex
	id            TaskID
	agentName     string
	status        TaskStatus
	createdAt     time.Time
	updatedAt     time.Time
	failureReason string
	labels        map[string]string
}

// NewMetadata creates PENDING metadata for a new task.
func NewMetadata(id TaskID, agentName string, labels map[string]string) *Metadata {
	ts := now()
	return &Metadata{
		id:        id,
		agentName: agentName,
		status:    StatusPending,
		createdAt: ts,
		updatedAt: ts,
		labels:    copyLabels(labels),
	}
}

// ID returns the task id.
func (m *Metadata) ID() TaskID { return m.id }

// AgentName returns the name of the agent that owns the task.
func (m *Metadata) AgentName() string { return m.agentName }

// CreatedAt returns when the task was created.
func (m *Metadata) CreatedAt() time.Time { return m.createdAt }

// Status returns the current status.
func (m *Metadata) Status() TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// UpdatedAt returns the time of the last successful transition.
func (m *Metadata) UpdatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatedAt
}

// FailureReason returns the reason recorded by the transition to FAILED, or "".
func (m *Metadata) FailureReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureReason
}

// Labels returns a copy of the task labels.
func (m *Metadata) Labels() map[string]string {
	return copyLabels(m.labels)
}

// Label returns a single label value.
func (m *Metadata) Label(key string) (string, bool) {
	v, ok := m.labels[key]
	return v, ok
}

// TransitionTo moves the task to next. It fails with ErrIllegalTransition,
// leaving every field untouched, when the current status is terminal.
func (m *Metadata) TransitionTo(next TaskStatus, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(next, failureReason)
}

// CompareAndTransition transitions to next only if the current status is
// expected. A mismatch is reported as false with a nil error.
func (m *Metadata) CompareAndTransition(expected, next TaskStatus, failureReason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != expected {
		return false, nil
	}
	if err := m.transitionLocked(next, failureReason); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Metadata) transitionLocked(next TaskStatus, failureReason string) error {
	if m.status.IsTerminal() {
		return fmt.Errorf("%w: task %s is in terminal state %s", ErrIllegalTransition, m.id, m.status)
	}
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}

	m.status = next
	if next == StatusFailed {
		m.failureReason = failureReason
	} else {
		m.failureReason = ""
	}
	m.updatedAt = now()
	return nil
}

// Clone returns an independent copy of m.
func (m *Metadata) Clone() *Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &Metadata{
		id:            m.id,
		agentName:     m.agentName,
		status:        m.status,
		createdAt:     m.createdAt,
		updatedAt:     m.updatedAt,
		failureReason: m.failureReason,
		labels:        copyLabels(m.labels),
	}
}

// metadataJSON is the persisted form of Metadata.
type metadataJSON struct {
	ID            TaskID            `json:"id"`
	AgentName     string            `json:"agent_name"`
	Status        TaskStatus        `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	j := metadataJSON{
		ID:            m.id,
		AgentName:     m.agentName,
		Status:        m.status,
		CreatedAt:     m.createdAt,
		UpdatedAt:     m.updatedAt,
		FailureReason: m.failureReason,
		Labels:        m.labels,
	}
	m.mu.Unlock()
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown fields are ignored.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var j metadataJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	if j.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidTaskID)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, j.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = j.ID
	m.agentName = j.AgentName
	m.status = j.Status
	m.createdAt = j.CreatedAt
	m.updatedAt = j.UpdatedAt
	m.failureReason = j.FailureReason
	m.labels = copyLabels(j.Labels)
	return nil
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return maps.Clone(labels)
}
