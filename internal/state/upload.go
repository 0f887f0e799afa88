package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/user/cmdrelay/internal/types"
)

const partSuffix = ".part"

// UploadStore keeps files reported by targets outside the queue snapshot.
// Chunks are stored at uploads/<target>/<commandID>/<index>.part and
// reassembled by listing that directory.
type UploadStore struct {
	root string
}

// NewUploadStore creates an UploadStore rooted at the given directory.
func NewUploadStore(root string) *UploadStore {
	return &UploadStore{root: root}
}

func (u *UploadStore) commandDir(target string, id types.CommandID) (string, error) {
	if err := checkSegment(target); err != nil {
		return "", fmt.Errorf("target: %w", err)
	}
	if err := checkSegment(string(id)); err != nil {
		return "", fmt.Errorf("command id: %w", err)
	}
	return filepath.Join(u.root, "uploads", target, string(id)), nil
}

// checkSegment rejects names that would escape their parent directory.
func checkSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("invalid path segment %q", s)
	}
	return nil
}

// PutChunk stores chunk index (0-based) of an upload for a command.
func (u *UploadStore) PutChunk(target string, id types.CommandID, index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("invalid chunk index %d", index)
	}
	dir, err := u.commandDir(target, id)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, strconv.Itoa(index)+partSuffix), data); err != nil {
		return fmt.Errorf("store chunk %d: %w", index, err)
	}
	return nil
}

// Write stores a single-shot upload.
func (u *UploadStore) Write(target string, id types.CommandID, name string, data []byte) (*types.FileRef, error) {
	dir, err := u.commandDir(target, id)
	if err != nil {
		return nil, err
	}
	if err := checkSegment(name); err != nil {
		return nil, fmt.Errorf("file name: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, data); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	sum := blake3.Sum256(data)
	return &types.FileRef{
		Name:   name,
		Path:   path,
		Size:   int64(len(data)),
		Digest: hex.EncodeToString(sum[:]),
	}, nil
}

// Assemble concatenates chunks 0..total-1 into the named file, removes the
// parts and returns a reference to the result. It fails if any chunk is
// missing.
func (u *UploadStore) Assemble(target string, id types.CommandID, name string, total int) (*types.FileRef, error) {
	dir, err := u.commandDir(target, id)
	if err != nil {
		return nil, err
	}
	if err := checkSegment(name); err != nil {
		return nil, fmt.Errorf("file name: %w", err)
	}
	if total <= 0 {
		return nil, fmt.Errorf("invalid chunk count %d", total)
	}

	parts, err := listParts(dir)
	if err != nil {
		return nil, err
	}
	if len(parts) < total {
		return nil, fmt.Errorf("upload incomplete: have %d of %d chunks", len(parts), total)
	}
	for i := 0; i < total; i++ {
		if parts[i] != i {
			return nil, fmt.Errorf("upload incomplete: chunk %d missing", i)
		}
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}

	hasher := blake3.New()
	w := io.MultiWriter(out, hasher)
	var size int64
	for i := 0; i < total; i++ {
		n, err := copyPart(w, filepath.Join(dir, strconv.Itoa(i)+partSuffix))
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return nil, fmt.Errorf("append chunk %d: %w", i, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename upload: %w", err)
	}

	for i := 0; i < total; i++ {
		os.Remove(filepath.Join(dir, strconv.Itoa(i)+partSuffix))
	}

	return &types.FileRef{
		Name:   name,
		Path:   path,
		Size:   size,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Discard removes everything stored for a command. Missing data is not an
// error.
func (u *UploadStore) Discard(target string, id types.CommandID) error {
	dir, err := u.commandDir(target, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard upload: %w", err)
	}
	return nil
}

// listParts returns the sorted chunk indices present in dir.
func listParts(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	var parts []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, partSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, partSuffix))
		if err != nil || n < 0 {
			continue
		}
		parts = append(parts, n)
	}
	sort.Ints(parts)
	return parts, nil
}

func copyPart(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
