package upload

import (
	"encoding/json"
	"time"

	"github.com/bitrise-io/go-chunkupload/payload"
)

// Snapshot is the serializable state of an upload. It can be persisted and handed to
// FromSnapshot to continue the upload in another process.
type Snapshot struct {
	Name         string       `json:"name"`
	Size         int64        `json:"size"`
	LastModified *time.Time   `json:"lastModified,omitempty"`
	ContentType  string       `json:"contentType,omitempty"`
	ChunkSize    int64        `json:"chunkSize"`
	Digest       string       `json:"digest,omitempty"`
	Chunks       []ChunkState `json:"chunks"`
}

// ChunkState is the serializable state of a single chunk.
type ChunkState struct {
	Index    int             `json:"index"`
	Range    Range           `json:"range"`
	Status   Status          `json:"status"`
	Digest   string          `json:"digest,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Store captures the current state of the upload. Chunks in flight are recorded as idle.
// Only digests that have already been computed are included.
func (u *Uploader) Store() Snapshot {
	snap := Snapshot{
		Name:        u.info.Name,
		Size:        u.info.Size,
		ContentType: u.info.ContentType,
		ChunkSize:   u.cfg.ChunkSize,
		Chunks:      make([]ChunkState, len(u.chunks)),
	}
	if !u.info.LastModified.IsZero() {
		lastModified := u.info.LastModified
		snap.LastModified = &lastModified
	}
	if sum, ok := u.digests.PeekWhole(); ok {
		snap.Digest = sum
	}

	for i, c := range u.chunks {
		state := c.state()
		if sum, ok := u.digests.Peek(i); ok {
			state.Digest = sum
		}
		snap.Chunks[i] = state
	}

	return snap
}

// FromSnapshot rebuilds an idle Uploader from a snapshot. The chunk layout is taken
// verbatim from the snapshot; chunks that had succeeded keep their response and are not
// uploaded again. Recorded digests are reused without recomputation.
func FromSnapshot(snap Snapshot, source payload.Source, requester Requester, cfg Config) (*Uploader, error) {
	if requester == nil {
		return nil, configErrorf("requester", "must not be nil")
	}
	if size := source.Size(); size != snap.Size {
		return nil, configErrorf("payload size", "snapshot records %d bytes, source has %d", snap.Size, size)
	}

	ranges := make([]Range, len(snap.Chunks))
	for i, state := range snap.Chunks {
		if state.Index != i {
			return nil, configErrorf("chunks", "chunk at position %d has index %d", i, state.Index)
		}
		switch state.Status {
		case StatusIdle, StatusPending, StatusSuccess:
		default:
			return nil, configErrorf("chunks", "chunk %d has unknown status %q", i, state.Status)
		}
		ranges[i] = state.Range
	}
	if err := validateLayout(ranges, snap.Size); err != nil {
		return nil, err
	}

	cfg.ChunkSize = snap.ChunkSize
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = ranges[0].Len()
	}
	cfg = cfg.withDefaults(snap.Size)

	info := payload.Info{
		Name:        snap.Name,
		Size:        snap.Size,
		ContentType: snap.ContentType,
	}
	if snap.LastModified != nil {
		info.LastModified = *snap.LastModified
	}

	u := newUploader(source, info, requester, cfg, ranges)
	for i, state := range snap.Chunks {
		if state.Status == StatusSuccess {
			c := u.chunks[i]
			c.status = StatusSuccess
			if len(state.Response) > 0 {
				c.response = append(json.RawMessage(nil), state.Response...)
			}
		}
		u.digests.Seed(i, state.Digest)
	}
	u.digests.SeedWhole(snap.Digest)

	u.logger.Debugf("Restored %s with %d/%d chunk(s) uploaded", info.Name, u.Loaded(), u.Total())

	if cfg.PrefetchDigests {
		u.PrefetchDigests()
	}
	return u, nil
}
