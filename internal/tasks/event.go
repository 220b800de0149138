package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names the kind of a journal entry. The store does not interpret it.
type EventType string

const (
	EventTaskRecovered   EventType = "task.recovered"
	EventTaskCancelled   EventType = "task.cancelled"
	EventCheckpointSaved EventType = "checkpoint.saved"
)

// Event is an immutable fact appended to a task's journal. Payload is kept
// verbatim so that payload schemas unknown to this package round-trip intact.
type Event struct {
	ID        string          `json:"id"`
	TaskID    TaskID          `json:"task_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event for taskID, encoding payload as JSON.
// A nil payload produces an event without one.
func NewEvent(taskID TaskID, typ EventType, payload any) (Event, error) {
	e := Event{
		ID:        "evt_" + uuid.NewString(),
		TaskID:    taskID,
		Type:      typ,
		Timestamp: now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		e.Payload = data
	}
	return e, nil
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}
