package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Status is the upload state of a single chunk.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
)

// Chunk is a contiguous byte range of the payload uploaded as an independent unit.
// The uploader owns its state; transports and callers only read it.
type Chunk struct {
	index int
	rng   Range
	owner *Uploader

	mu       sync.RWMutex
	status   Status
	response interface{}
}

// Index is the 0-based position of the chunk in upload order.
func (c *Chunk) Index() int {
	return c.index
}

// Range is the byte interval of the payload covered by the chunk.
func (c *Chunk) Range() Range {
	return c.rng
}

// Size is the number of bytes in the chunk.
func (c *Chunk) Size() int64 {
	return c.rng.Len()
}

// Status returns the current upload state of the chunk.
func (c *Chunk) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Response returns what the transport returned for the chunk, if it succeeded.
// Responses restored from a snapshot are json.RawMessage values.
func (c *Chunk) Response() interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.response
}

// Data reads the chunk bytes from the payload source.
func (c *Chunk) Data(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.owner.source.ReadRange(c.rng.Start, c.rng.End)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", c.index+1, err)
	}
	return data, nil
}

// Digest returns the content digest of the chunk, computing it on first access.
func (c *Chunk) Digest(ctx context.Context) (string, error) {
	return c.owner.digests.Chunk(ctx, c.index)
}

// admit moves an idle chunk to pending. It reports false if the chunk was not idle.
func (c *Chunk) admit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusIdle {
		return false
	}
	c.status = StatusPending
	return true
}

func (c *Chunk) succeed(response interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusSuccess
	c.response = response
}

// reset returns a pending chunk to idle. Successful chunks never regress.
func (c *Chunk) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPending {
		c.status = StatusIdle
	}
}

// skip marks an idle chunk as already uploaded.
func (c *Chunk) skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusIdle {
		c.status = StatusSuccess
	}
}

func (c *Chunk) state() ChunkState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state := ChunkState{
		Index:  c.index,
		Range:  c.rng,
		Status: c.status,
	}
	if state.Status == StatusPending {
		state.Status = StatusIdle
	}
	if c.status == StatusSuccess && c.response != nil {
		state.Response = encodeResponse(c.response)
	}
	return state
}

func encodeResponse(response interface{}) json.RawMessage {
	if raw, ok := response.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(response)
	if err != nil {
		return nil
	}
	return b
}
