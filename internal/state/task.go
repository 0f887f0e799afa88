package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Task is a named command template that is enqueued for its target on a
// cron schedule or on demand via webhook.
type Task struct {
	Name     string          `json:"name"`
	Target   string          `json:"target"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Schedule string          `json:"schedule,omitempty"`
	Enabled  bool            `json:"enabled"`
}

// Validate checks the fields required to enqueue the task.
func (t *Task) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case t.Target == "":
		return errors.New("task target is required")
	case t.Kind == "":
		return errors.New("task kind is required")
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return fmt.Errorf("task %s: payload is not valid JSON", t.Name)
	}
	return nil
}

// TaskStore is a JSON-file-backed store for scheduled commands.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

// Get finds a task by name. Returns an error if not found.
func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("task not found: %s", name)
}

// Add validates and appends a task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		if indexOf(tasks, task.Name) >= 0 {
			return nil, fmt.Errorf("task already exists: %s", task.Name)
		}
		return append(tasks, task), nil
	})
}

// Remove deletes a task by name. Returns an error if not found.
func (s *TaskStore) Remove(name string) error {
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("task not found: %s", name)
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
}

// SetEnabled toggles the enabled flag for a task. Returns an error if not found.
func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.mutate(func(tasks []*Task) ([]*Task, error) {
		i := indexOf(tasks, name)
		if i < 0 {
			return nil, fmt.Errorf("task not found: %s", name)
		}
		tasks[i].Enabled = enabled
		return tasks, nil
	})
}

// mutate runs fn over the current task list under the write lock and saves
// the result.
func (s *TaskStore) mutate(fn func([]*Task) ([]*Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	tasks, err = fn(tasks)
	if err != nil {
		return err
	}
	return s.save(tasks)
}

func indexOf(tasks []*Task, name string) int {
	for i, task := range tasks {
		if task.Name == name {
			return i
		}
	}
	return -1
}

// load reads the JSON file and returns the task list. Returns nil if the file doesn't exist.
func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
