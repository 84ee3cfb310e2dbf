package upload

import (
	"runtime"

	"github.com/bitrise-io/go-chunkupload/connectivity"
	"github.com/bitrise-io/go-chunkupload/upload/digest"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	minChunkSize = 8 * 1024 * 1024
	maxChunkSize = 100 * 1024 * 1024
)

// Config holds configuration for an Uploader.
type Config struct {
	// ChunkSize is the size of every chunk except possibly the last one.
	// Default: OptimalChunkSize(payload size, DefaultConcurrency())
	ChunkSize int64

	// Concurrency is the maximum number of chunk uploads in flight.
	// Default: 0, unbounded
	Concurrency int

	// DigestConcurrency is the maximum number of digest computations running at once.
	// Default: runtime.NumCPU()
	DigestConcurrency int

	// Hasher creates the incremental hashers used for chunk and payload digests.
	// Default: digest.SHA256
	Hasher digest.Factory

	// PrefetchDigests starts computing every digest in the background right after
	// construction, reporting EventDigestProgress as chunks finish.
	PrefetchDigests bool

	// Environment reports connectivity changes. If nil, the uploader assumes it is online.
	Environment connectivity.Environment

	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:       0,
		DigestConcurrency: runtime.NumCPU(),
		Hasher:            digest.SHA256,
	}
}

// DefaultConcurrency is the parallelism assumed when sizing chunks.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// OptimalChunkSize picks a chunk size that spreads totalSize over concurrency uploads.
func OptimalChunkSize(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	cs := totalSize / int64(concurrency)

	// Very large chunks hurt parallelism
	if cs >= maxChunkSize {
		cs = cs / 2
	}

	if cs < minChunkSize {
		cs = minChunkSize
	}

	if cs > maxChunkSize {
		cs = maxChunkSize
	}

	return cs
}

func (c Config) withDefaults(size int64) Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = OptimalChunkSize(size, DefaultConcurrency())
	}
	if c.DigestConcurrency < 1 {
		c.DigestConcurrency = runtime.NumCPU()
	}
	if c.Hasher == nil {
		c.Hasher = digest.SHA256
	}
	if c.Environment == nil {
		c.Environment = connectivity.AlwaysOnline()
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	return c
}
