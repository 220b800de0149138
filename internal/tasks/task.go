// Package tasks provides durable task execution state: metadata, an
// append-only event journal and checkpoints, so that interrupted tasks can be
// resumed without re-running completed work.
package tasks

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TaskID is the identity of a task. The zero value is not a valid id.
type TaskID struct {
	value string
}

// NewTaskID validates v and wraps it as a TaskID.
func NewTaskID(v string) (TaskID, error) {
	if strings.TrimSpace(v) == "" {
		return TaskID{}, fmt.Errorf("%w: blank value", ErrInvalidTaskID)
	}
	return TaskID{value: v}, nil
}

// MustTaskID is like NewTaskID but panics on invalid input.
func MustTaskID(v string) TaskID {
	id, err := NewTaskID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() TaskID {
	u := uuid.New().String()
	return TaskID{value: "task_" + strings.ReplaceAll(u, "-", "")}
}

func (id TaskID) String() string { return id.value }

// IsZero reports whether id is the zero (unset) id.
func (id TaskID) IsZero() bool { return id.value == "" }

// MarshalText implements encoding.TextMarshaler.
func (id TaskID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TaskID) UnmarshalText(b []byte) error {
	parsed, err := NewTaskID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusPaused    TaskStatus = "PAUSED"
	StatusRetrying  TaskStatus = "RETRYING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
)

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []TaskStatus {
	return []TaskStatus{
		StatusPending,
		StatusRunning,
		StatusPaused,
		StatusRetrying,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus parses a status name, ignoring case and surrounding spaces.
func ParseStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}
