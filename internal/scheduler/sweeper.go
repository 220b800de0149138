package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/taskstore/internal/events"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// SweeperConfig holds dependencies for the sweeper.
type SweeperConfig struct {
	Store      tasks.Store
	Bus        *events.Bus // nil-safe: findings are only logged
	Cron       *CronExpr
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Sweeper periodically reports RUNNING tasks whose metadata has not been
// updated for longer than StaleAfter. It never changes task state: a live
// executor may still own a quiet task.
type Sweeper struct {
	cfg SweeperConfig
	now func() time.Time

	mu       sync.Mutex
	reported map[tasks.TaskID]time.Time // id -> UpdatedAt when reported

	done    chan struct{}
	stopped chan struct{}
}

// NewSweeper creates a sweeper. Call Start to run it on its schedule.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		now:      time.Now,
		reported: make(map[tasks.TaskID]time.Time),
	}
}

// Start runs the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.cfg.Logger.Info("sweeper started", "cron", s.cfg.Cron.String(), "stale_after", s.cfg.StaleAfter)
	go s.loop()
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.done == nil {
		return
	}
	close(s.done)
	<-s.stopped
	s.done = nil
	s.cfg.Logger.Info("sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.stopped)
	for {
		now := s.now()
		timer := time.NewTimer(s.cfg.Cron.Next(now).Sub(now))
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Sweep(); err != nil {
				s.cfg.Logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep scans RUNNING tasks once and returns those newly found stale. A task
// is reported again only after its metadata changes.
func (s *Sweeper) Sweep() ([]tasks.TaskID, error) {
	ids, err := s.cfg.Store.TaskIDsByStatus(tasks.StatusRunning)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[tasks.TaskID]struct{}, len(ids))
	var stale []tasks.TaskID
	for _, id := range ids {
		m, err := s.cfg.Store.LoadMetadata(id)
		if err != nil {
			return stale, err
		}
		if m == nil || m.Status() != tasks.StatusRunning {
			continue // changed since the index was read
		}
		updated := m.UpdatedAt()
		age := now.Sub(updated)
		if age < s.cfg.StaleAfter {
			continue
		}
		seen[id] = struct{}{}
		if prev, ok := s.reported[id]; ok && prev.Equal(updated) {
			continue
		}
		s.reported[id] = updated
		stale = append(stale, id)

		s.cfg.Logger.Warn("task looks stale", "task_id", id, "agent", m.AgentName(),
			"updated_at", updated, "age", age.Truncate(time.Second))
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(events.NewEvent(events.EventTaskStale, events.SourceSweeper, id.String(), map[string]any{
				"agent_name": m.AgentName(),
				"updated_at": updated.Format(time.RFC3339Nano),
				"age":        age.Truncate(time.Second).String(),
			}))
		}
	}

	for id := range s.reported {
		if _, ok := seen[id]; !ok {
			delete(s.reported, id)
		}
	}
	return stale, nil
}
