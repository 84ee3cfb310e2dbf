// Package payload provides the byte sources and descriptive metadata the upload
// orchestrator slices into chunks.
package payload

import (
	"fmt"
	"time"
)

// Info is the descriptive metadata of a payload. It is captured once when an
// uploader is constructed and never changes afterwards.
type Info struct {
	Name         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// Source produces byte ranges of a payload.
// Implementations must be safe for concurrent ReadRange calls.
type Source interface {
	// Size returns the total payload size in bytes.
	Size() int64

	// ReadRange returns the bytes of the half-open interval [start, end).
	ReadRange(start, end int64) ([]byte, error)
}

func checkRange(start, end, size int64) error {
	if start < 0 || end < start || end > size {
		return fmt.Errorf("range [%d, %d) out of bounds [0, %d)", start, end, size)
	}
	return nil
}
