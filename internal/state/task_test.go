package state

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func newTask(name string) *Task {
	return &Task{
		Name:     name,
		Target:   "host-a",
		Kind:     "ping",
		Schedule: "0 9 * * *",
		Enabled:  true,
	}
}

func TestTaskStore_ListEmpty(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty list, got %d tasks", len(tasks))
	}
}

func TestTaskStore_AddAndList(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	task := newTask("nightly-ping")
	task.Payload = json.RawMessage(`{"count":3}`)
	if err := store.Add(task); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Name != "nightly-ping" || got.Target != "host-a" || got.Kind != "ping" {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Schedule != "0 9 * * *" {
		t.Errorf("expected schedule 0 9 * * *, got %s", got.Schedule)
	}
	if string(got.Payload) != `{"count":3}` {
		t.Errorf("expected payload preserved, got %s", got.Payload)
	}
	if !got.Enabled {
		t.Error("expected task to be enabled")
	}
}

func TestTaskStore_AddDuplicate(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	if err := store.Add(newTask("my-task")); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(newTask("my-task")); err == nil {
		t.Fatal("expected error for duplicate task name")
	}
}

func TestTaskStore_AddInvalid(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	noTarget := newTask("no-target")
	noTarget.Target = ""
	if err := store.Add(noTarget); err == nil {
		t.Error("expected error for missing target")
	}

	badPayload := newTask("bad-payload")
	badPayload.Payload = json.RawMessage(`{not json`)
	if err := store.Add(badPayload); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestTaskStore_GetNotFound(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	if _, err := store.Get("nonexistent"); err == nil {
		t.Fatal("expected error for nonexistent task")
	}
}

func TestTaskStore_Remove(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	if err := store.Add(newTask("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(newTask("b")); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("a"); err != nil {
		t.Fatal(err)
	}

	tasks, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Name != "b" {
		t.Errorf("expected only task b after remove, got %+v", tasks)
	}
	if err := store.Remove("a"); err == nil {
		t.Error("expected error removing a task twice")
	}
}

func TestTaskStore_SetEnabled(t *testing.T) {
	store := NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))

	if err := store.Add(newTask("my-task")); err != nil {
		t.Fatal(err)
	}
	if err := store.SetEnabled("my-task", false); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get("my-task")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("expected task to be disabled")
	}
	if err := store.SetEnabled("nonexistent", true); err == nil {
		t.Fatal("expected error for SetEnabled on nonexistent task")
	}
}

func TestTaskStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	if err := NewTaskStore(path).Add(newTask("persist-task")); err != nil {
		t.Fatal(err)
	}

	tasks, err := NewTaskStore(path).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task from new store, got %d", len(tasks))
	}
	if tasks[0].Name != "persist-task" {
		t.Errorf("expected name persist-task, got %s", tasks[0].Name)
	}
}
