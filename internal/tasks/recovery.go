package tasks

import (
	"log/slog"
)

// RecoverTasks moves every RUNNING task to RETRYING after a crash and
// journals a task.recovered event for it. It should run on startup before
// any worker picks tasks up. Tasks whose status changed concurrently are
// left alone.
func RecoverTasks(store Store, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	running, err := store.TaskIDsByStatus(StatusRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range running {
		m, err := store.CompareAndSetStatus(id, StatusRunning, StatusRetrying, "")
		if err != nil {
			return recovered, err
		}
		if m == nil {
			logger.Debug("task changed during recovery, skipping", "task_id", id)
			continue
		}

		e, err := NewEvent(id, EventTaskRecovered, map[string]string{
			"from": string(StatusRunning),
			"to":   string(StatusRetrying),
		})
		if err != nil {
			return recovered, err
		}
		if err := store.AppendEvent(e); err != nil {
			return recovered, err
		}

		recovered++
		logger.Info("task recovered", "task_id", id, "agent", m.AgentName())
	}

	return recovered, nil
}

// ResumeState is what a runtime needs to continue a task: the latest
// checkpoint (possibly nil) and the journal events recorded after it.
type ResumeState struct {
	Metadata   *Metadata   `json:"metadata"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Pending    []Event     `json:"pending"`
}

// Resume loads the resumable state of a task. It returns nil if the task has
// no metadata.
func Resume(store Store, id TaskID, logger *slog.Logger) (*ResumeState, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := store.LoadMetadata(id)
	if err != nil || m == nil {
		return nil, err
	}
	cp, err := store.LoadCheckpoint(id)
	if err != nil {
		return nil, err
	}
	events, err := store.LoadEvents(id)
	if err != nil {
		return nil, err
	}

	state := &ResumeState{Metadata: m, Checkpoint: cp, Pending: events}
	if cp == nil {
		return state, nil
	}

	switch {
	case cp.EventCount > len(events):
		// Metadata, journal and checkpoint are written separately, so a
		// crash can leave them out of step.
		logger.Warn("checkpoint is ahead of journal, nothing to replay",
			"task_id", id, "event_count", cp.EventCount, "journal_len", len(events))
		state.Pending = []Event{}
	default:
		state.Pending = events[cp.EventCount:]
	}
	return state, nil
}

// TakeCheckpoint snapshots the task's current metadata and journal length
// together with scope, saves it and journals a checkpoint.saved event.
// It returns nil if the task has no metadata.
func TakeCheckpoint(store Store, id TaskID, scope *string) (*Checkpoint, error) {
	m, err := store.LoadMetadata(id)
	if err != nil || m == nil {
		return nil, err
	}
	events, err := store.LoadEvents(id)
	if err != nil {
		return nil, err
	}

	cp, err := NewCheckpoint(m, scope, len(events))
	if err != nil {
		return nil, err
	}
	if err := store.SaveCheckpoint(cp); err != nil {
		return nil, err
	}

	e, err := NewEvent(id, EventCheckpointSaved, map[string]int{"event_count": cp.EventCount})
	if err != nil {
		return nil, err
	}
	if err := store.AppendEvent(e); err != nil {
		return nil, err
	}
	return cp, nil
}

// Cancel moves a task to CANCELLED from whatever non-terminal status it is
// in, retrying when another caller changes the status in between. It
// returns nil if the task does not exist and ErrIllegalTransition if it is
// already terminal.
func Cancel(store Store, id TaskID, reason string) (*Metadata, error) {
	for {
		current, err := store.LoadMetadata(id)
		if err != nil || current == nil {
			return nil, err
		}
		from := current.Status()
		if from.IsTerminal() {
			// Surfaces the terminal-state error without persisting anything.
			return nil, current.Clone().TransitionTo(StatusCancelled, "")
		}

		m, err := store.CompareAndSetStatus(id, from, StatusCancelled, "")
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}

		payload := map[string]string{"from": string(from)}
		if reason != "" {
			payload["reason"] = reason
		}
		e, err := NewEvent(id, EventTaskCancelled, payload)
		if err != nil {
			return nil, err
		}
		if err := store.AppendEvent(e); err != nil {
			return nil, err
		}
		return m, nil
	}
}
