package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bmatcuk/doublestar/v4"
)

const fileExt = ".json"

// File stores every snapshot as a JSON document in a directory.
type File struct {
	dir string
}

// NewFile creates a File store rooted at dir, creating the directory if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// Save writes the snapshot atomically: readers never observe a partially written file.
func (f *File) Save(ctx context.Context, key string, snap upload.Snapshot) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot stored under key.
func (f *File) Load(ctx context.Context, key string) (upload.Snapshot, error) {
	path, err := f.path(key)
	if err != nil {
		return upload.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return upload.Snapshot{}, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return upload.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return upload.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap upload.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return upload.Snapshot{}, fmt.Errorf("unmarshal snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Delete removes the snapshot stored under key. Deleting a missing snapshot is not an error.
func (f *File) Delete(ctx context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns the keys of the stored snapshots matching a doublestar pattern, e.g. "*"
// or "build-*".
func (f *File) List(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(f.dir), pattern+fileExt)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	keys := make([]string, 0, len(matches))
	for _, match := range matches {
		if strings.Contains(match, "/") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(match, fileExt))
	}
	return keys, nil
}

func (f *File) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid snapshot key: %s", key)
	}
	return filepath.Join(f.dir, key+fileExt), nil
}
