package digest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// WholePayload is the Error.Index of a failed whole-payload digest.
const WholePayload = -1

// Error reports a failed digest computation.
type Error struct {
	Index int
	Err   error
}

func (e *Error) Error() string {
	if e.Index == WholePayload {
		return fmt.Sprintf("digest payload: %s", e.Err)
	}
	return fmt.Sprintf("digest chunk %d: %s", e.Index+1, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by computations interrupted by Close.
var ErrClosed = errors.New("digest engine closed")

// ChunkReader returns the raw bytes of the chunk at index.
type ChunkReader func(index int) ([]byte, error)

// Options configures an Engine.
type Options struct {
	// Concurrency caps the number of digest computations running at once.
	// Default: runtime.NumCPU()
	Concurrency int

	// OnProgress is called after every chunk digest that finishes successfully with the
	// number of chunk digests known so far.
	OnProgress func(computed, total int)
}

// Engine lazily computes and memoizes chunk digests and the whole-payload digest.
type Engine struct {
	factory    Factory
	read       ChunkReader
	sem        *semaphore.Weighted
	onProgress func(computed, total int)

	ctx    context.Context
	cancel context.CancelFunc

	chunks []*future
	whole  *future

	mu       sync.Mutex
	computed int

	prefetchOnce sync.Once
}

// NewEngine creates an engine for total chunks whose bytes are served by read.
func NewEngine(total int, read ChunkReader, factory Factory, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make([]*future, total)
	for i := range chunks {
		chunks[i] = newFuture()
	}

	return &Engine{
		factory:    factory,
		read:       read,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		onProgress: opts.OnProgress,
		ctx:        ctx,
		cancel:     cancel,
		chunks:     chunks,
		whole:      newFuture(),
	}
}

// Seed records an already known chunk digest, e.g. one restored from a snapshot.
func (e *Engine) Seed(index int, value string) {
	if value == "" || index < 0 || index >= len(e.chunks) {
		return
	}
	if e.chunks[index].seed(value) {
		e.mu.Lock()
		e.computed++
		e.mu.Unlock()
	}
}

// SeedWhole records an already known whole-payload digest.
func (e *Engine) SeedWhole(value string) {
	if value == "" {
		return
	}
	e.whole.seed(value)
}

// Chunk returns the digest of the chunk at index, computing it on first access.
func (e *Engine) Chunk(ctx context.Context, index int) (string, error) {
	if index < 0 || index >= len(e.chunks) {
		return "", &Error{Index: index, Err: fmt.Errorf("chunk index out of range [0, %d)", len(e.chunks))}
	}

	f := e.chunks[index]
	f.start(func() (string, error) {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return "", &Error{Index: index, Err: ErrClosed}
		}
		defer e.sem.Release(1)
		return e.hashChunk(index)
	})

	return f.wait(ctx)
}

// Whole returns the digest of the whole payload. Chunk bytes are fed in index order
// through one hasher, one chunk at a time.
func (e *Engine) Whole(ctx context.Context) (string, error) {
	e.whole.start(e.hashWhole)
	return e.whole.wait(ctx)
}

// Peek returns the chunk digest if it has already been computed.
func (e *Engine) Peek(index int) (string, bool) {
	if index < 0 || index >= len(e.chunks) {
		return "", false
	}
	return e.chunks[index].peek()
}

// PeekWhole returns the whole-payload digest if it has already been computed.
func (e *Engine) PeekWhole() (string, bool) {
	return e.whole.peek()
}

// Prefetch starts computing every chunk digest in index order, followed by the whole
// payload digest, without blocking the caller.
func (e *Engine) Prefetch() {
	e.prefetchOnce.Do(func() {
		go e.prefetch()
	})
}

func (e *Engine) prefetch() {
	for i, f := range e.chunks {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		index := i
		started := f.start(func() (string, error) {
			defer e.sem.Release(1)
			return e.hashChunk(index)
		})
		if !started {
			e.sem.Release(1)
		}
	}
	e.whole.start(e.hashWhole)
}

// Close stops pending computations. Memoized values stay readable.
func (e *Engine) Close() {
	e.cancel()
}

func (e *Engine) hashChunk(index int) (string, error) {
	data, err := e.read(index)
	if err != nil {
		return "", &Error{Index: index, Err: fmt.Errorf("read: %w", err)}
	}

	sum, err := Sum(e.factory, data)
	if err != nil {
		return "", &Error{Index: index, Err: err}
	}

	e.mu.Lock()
	e.computed++
	computed := e.computed
	e.mu.Unlock()

	if e.onProgress != nil {
		e.onProgress(computed, len(e.chunks))
	}

	return sum, nil
}

func (e *Engine) hashWhole() (string, error) {
	h, err := newHasher(e.factory)
	if err != nil {
		return "", &Error{Index: WholePayload, Err: err}
	}

	for i := range e.chunks {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return "", &Error{Index: WholePayload, Err: ErrClosed}
		}
		data, err := e.read(i)
		if err == nil {
			err = h.Update(data)
		}
		e.sem.Release(1)
		if err != nil {
			return "", &Error{Index: WholePayload, Err: fmt.Errorf("chunk %d: %w", i+1, err)}
		}
	}

	sum, err := h.Digest()
	if err != nil {
		return "", &Error{Index: WholePayload, Err: err}
	}
	return sum, nil
}
