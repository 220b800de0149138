package tasks

import (
	"fmt"
	"time"
)

// Checkpoint is a point-in-time snapshot of a task. EventCount is the number
// of journal events already folded into Scope; resume replays what follows.
type Checkpoint struct {
	TaskID     TaskID    `json:"task_id"`
	Metadata   *Metadata `json:"metadata"`
	Scope      *string   `json:"serialized_scope"` // nil when the runtime could not serialize its context
	EventCount int       `json:"event_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewCheckpoint snapshots meta together with the serialized execution scope.
func NewCheckpoint(meta *Metadata, scope *string, eventCount int) (*Checkpoint, error) {
	if meta == nil {
		return nil, fmt.Errorf("%w: nil metadata", ErrInvalidCheckpoint)
	}
	cp := &Checkpoint{
		TaskID:     meta.ID(),
		Metadata:   meta.Clone(),
		Scope:      cloneScope(scope),
		EventCount: eventCount,
		CreatedAt:  now(),
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Validate checks the structural invariants of a checkpoint.
func (cp *Checkpoint) Validate() error {
	switch {
	case cp == nil:
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	case cp.TaskID.IsZero():
		return fmt.Errorf("%w: missing task id", ErrInvalidCheckpoint)
	case cp.Metadata == nil:
		return fmt.Errorf("%w: missing metadata", ErrInvalidCheckpoint)
	case cp.Metadata.ID() != cp.TaskID:
		return fmt.Errorf("%w: metadata belongs to %s, not %s", ErrInvalidCheckpoint, cp.Metadata.ID(), cp.TaskID)
	case cp.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing creation time", ErrInvalidCheckpoint)
	case cp.EventCount < 0:
		return fmt.Errorf("%w: negative event count %d", ErrInvalidCheckpoint, cp.EventCount)
	}
	return nil
}

// Clone returns a deep copy, including the embedded metadata.
func (cp *Checkpoint) Clone() *Checkpoint {
	c := &Checkpoint{
		TaskID:     cp.TaskID,
		Scope:      cloneScope(cp.Scope),
		EventCount: cp.EventCount,
		CreatedAt:  cp.CreatedAt,
	}
	if cp.Metadata != nil {
		c.Metadata = cp.Metadata.Clone()
	}
	return c
}

func cloneScope(scope *string) *string {
	if scope == nil {
		return nil
	}
	s := *scope
	return &s
}
