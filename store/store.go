// Package store persists upload snapshots so an interrupted upload can continue in
// another process.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when no snapshot is stored under the key.
var ErrNotFound = errors.New("snapshot not found")

// Store saves and loads upload snapshots by key.
type Store interface {
	Save(ctx context.Context, key string, snap upload.Snapshot) error
	Load(ctx context.Context, key string) (upload.Snapshot, error)
	Delete(ctx context.Context, key string) error
}

// NewKey returns a random snapshot key.
func NewKey() string {
	return uuid.NewString()
}

// KeyFor derives a stable snapshot key from the payload metadata, so a restarted process
// finds the snapshot of the same payload without remembering a random key.
func KeyFor(info payload.Info) string {
	name := info.Name + "\x00" + strconv.FormatInt(info.Size, 10)
	if !info.LastModified.IsZero() {
		name += "\x00" + strconv.FormatInt(info.LastModified.UnixNano(), 10)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("snapshot key must not be empty")
	}
	return nil
}
