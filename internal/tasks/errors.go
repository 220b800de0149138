package tasks

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrStore matches every *StoreError via errors.Is.
	ErrStore = errors.New("task store failure")

	// ErrIllegalTransition indicates an attempt to leave a terminal status.
	ErrIllegalTransition = errors.New("illegal status transition")

	ErrInvalidTaskID     = errors.New("invalid task id")
	ErrInvalidStatus     = errors.New("invalid task status")
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrUnsafeTaskID indicates an id that cannot be used as a directory name.
	ErrUnsafeTaskID = errors.New("task id is not a safe path element")
)

// StoreError reports a storage malfunction (I/O, serialization, directory
// creation). Absence of data is never a StoreError.
type StoreError struct {
	Op     string
	TaskID TaskID
	Err    error
}

func (e *StoreError) Error() string {
	if e.TaskID.IsZero() {
		return fmt.Sprintf("task store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("task store: %s %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStore) true for any StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

func storeErr(op string, id TaskID, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, TaskID: id, Err: err}
}
