package state

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/cmdrelay/internal/types"
)

// SnapshotStore keeps the whole command-queue snapshot in one file,
// rewritten on every save.
type SnapshotStore struct {
	path  string
	codec Codec
	mu    sync.Mutex
}

// NewSnapshotStore creates a file-backed store at path using codec.
func NewSnapshotStore(path string, codec Codec) *SnapshotStore {
	if codec == nil {
		codec = jsonCodec{}
	}
	return &SnapshotStore{path: path, codec: codec}
}

// Path returns the file path used by this store.
func (s *SnapshotStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields an empty snapshot; an
// unparseable one yields an error wrapping types.ErrCorruptStore.
func (s *SnapshotStore) Load() (types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Snapshot{}, nil
		}
		return nil, fmt.Errorf("read queue store: %w", err)
	}

	var snap types.Snapshot
	if err := s.codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrCorruptStore, s.path, err)
	}
	if snap == nil {
		snap = types.Snapshot{}
	}
	for target, cmds := range snap {
		for i, cmd := range cmds {
			if cmd == nil || cmd.ID == "" || !cmd.Status.Valid() {
				return nil, fmt.Errorf("%w: %s: invalid command %d for target %q", types.ErrCorruptStore, s.path, i, target)
			}
		}
	}
	return snap, nil
}

// Save marshals snap and writes it atomically (temp file + rename).
// I/O failures are returned as *types.StoreWriteError.
func (s *SnapshotStore) Save(snap types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.codec.Marshal(snap)
	if err != nil {
		return &types.StoreWriteError{Path: s.path, Err: fmt.Errorf("marshal snapshot: %w", err)}
	}

	if err := writeAtomic(s.path, data); err != nil {
		return &types.StoreWriteError{Path: s.path, Err: err}
	}
	return nil
}

// Quarantine moves an unreadable record aside so the relay can start
// empty. It returns the new location of the old file.
func (s *SnapshotStore) Quarantine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("quarantine queue store: %w", err)
	}
	return dest, nil
}
