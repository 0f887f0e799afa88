// Package scheduler enqueues stored tasks on their cron schedules.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/cmdrelay/internal/state"
)

// Handler is called with a copy of the task each time it fires.
type Handler func(task state.Task)

// Scheduler registers every enabled, scheduled task from the store as a
// cron entry.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr parses.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// New creates a Scheduler over store.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads the store and starts the cron ticker. Tasks with a bad
// schedule are logged and skipped. It returns the number of entries.
func (s *Scheduler) Start() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Scheduler) startLocked() (int, error) {
	tasks, err := s.store.List()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}
		t := *task
		_, err := s.cron.AddFunc(t.Schedule, func() {
			slog.Info("cron firing task", "task", t.Name, "target", t.Target, "kind", t.Kind)
			s.handler(t)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "task", t.Name, "schedule", t.Schedule, "error", err)
			continue
		}
		n++
		slog.Debug("scheduled task", "task", t.Name, "schedule", t.Schedule)
	}

	s.cron.Start()
	return n, nil
}

// Reload replaces all entries with the store's current contents.
func (s *Scheduler) Reload() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.startLocked()
}

// Stop halts the ticker and waits for running handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
