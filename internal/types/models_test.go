package types

import (
	"encoding/json"
	"errors"
	"io/fs"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:    false,
		StatusDispatched: false,
		StatusDone:       true,
		StatusFailed:     true,
		StatusCanceled:   true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
		if !status.Valid() {
			t.Errorf("expected %s to be valid", status)
		}
	}
	if Status("running").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestCommandJSONOmitsEmptyResult(t *testing.T) {
	cmd := Command{ID: "c1", Target: "A", Kind: "ping", Status: StatusPending}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["result"]; ok {
		t.Error("expected result to be omitted")
	}
	if _, ok := m["file"]; ok {
		t.Error("expected file to be omitted")
	}
}

func TestStoreWriteErrorUnwrap(t *testing.T) {
	err := &StoreWriteError{Path: "/x/queue.json", Err: fs.ErrPermission}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("expected StoreWriteError to unwrap to its cause")
	}
}
