package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/cmdrelay/internal/types"
)

func sampleSnapshot() types.Snapshot {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return types.Snapshot{
		"A": {
			{ID: "a1", Target: "A", Kind: "ping", Status: types.StatusDone, Result: json.RawMessage(`{"ok":true}`), CreatedAt: created, UpdatedAt: created},
			{ID: "a2", Target: "A", Kind: "echo", Payload: json.RawMessage(`{"text":"hi"}`), Status: types.StatusPending, CreatedAt: created, UpdatedAt: created},
		},
		"B": {
			{ID: "b1", Target: "B", Kind: "upload", Status: types.StatusFailed, File: &types.FileRef{Name: "log.txt", Path: "/u/B/b1/log.txt", Size: 12, Digest: "abc"}, CreatedAt: created, UpdatedAt: created},
		},
	}
}

func assertSnapshotsEqual(t *testing.T, want, got types.Snapshot) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d targets, got %d", len(want), len(got))
	}
	for target, cmds := range want {
		loaded := got[target]
		if len(loaded) != len(cmds) {
			t.Fatalf("target %s: expected %d commands, got %d", target, len(cmds), len(loaded))
		}
		for i, w := range cmds {
			g := loaded[i]
			if g.ID != w.ID || g.Kind != w.Kind || g.Status != w.Status || g.Target != w.Target {
				t.Errorf("target %s[%d]: expected %+v, got %+v", target, i, w, g)
			}
			if string(g.Result) != string(w.Result) {
				t.Errorf("target %s[%d]: result %s != %s", target, i, g.Result, w.Result)
			}
			if string(g.Payload) != string(w.Payload) {
				t.Errorf("target %s[%d]: payload %s != %s", target, i, g.Payload, w.Payload)
			}
			if !g.CreatedAt.Equal(w.CreatedAt) {
				t.Errorf("target %s[%d]: created_at %v != %v", target, i, g.CreatedAt, w.CreatedAt)
			}
			if (g.File == nil) != (w.File == nil) || (w.File != nil && *g.File != *w.File) {
				t.Errorf("target %s[%d]: file %+v != %+v", target, i, g.File, w.File)
			}
		}
	}
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	for _, format := range []string{"json", "cbor"} {
		t.Run(format, func(t *testing.T) {
			codec, err := CodecFor(format)
			if err != nil {
				t.Fatal(err)
			}
			store := NewSnapshotStore(filepath.Join(t.TempDir(), "queue."+format), codec)

			want := sampleSnapshot()
			if err := store.Save(want); err != nil {
				t.Fatal(err)
			}
			got, err := store.Load()
			if err != nil {
				t.Fatal(err)
			}
			assertSnapshotsEqual(t, want, got)
		})
	}
}

func TestSnapshotStore_LoadMissing(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "queue.json"), nil)

	snap, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %v", snap)
	}
}

func TestSnapshotStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(`{"A": [{"id": 1`), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewSnapshotStore(path, nil)

	_, err := store.Load()
	if !errors.Is(err, types.ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore, got %v", err)
	}

	moved, err := store.Quarantine()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("expected quarantined file at %s: %v", moved, err)
	}
	snap, err := store.Load()
	if err != nil || len(snap) != 0 {
		t.Errorf("expected empty snapshot after quarantine, got %v, %v", snap, err)
	}
}

func TestSnapshotStore_LoadRejectsInvalidCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(`{"A":[{"id":"x","status":"exploded"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewSnapshotStore(path, nil).Load()
	if !errors.Is(err, types.ErrCorruptStore) {
		t.Fatalf("expected ErrCorruptStore, got %v", err)
	}
}

func TestSnapshotStore_SaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewSnapshotStore(filepath.Join(blocker, "queue.json"), nil)

	err := store.Save(sampleSnapshot())
	var writeErr *types.StoreWriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected StoreWriteError, got %v", err)
	}
}

func TestSnapshotStore_AtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := NewSnapshotStore(path, nil)
	if err := store.Save(sampleSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not exist after successful save")
	}
}

func TestCodecForUnknown(t *testing.T) {
	if _, err := CodecFor("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
