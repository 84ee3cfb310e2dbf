package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload/digest"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/samber/lo"
)

// Uploader level states. Chunks only use StatusIdle, StatusPending and StatusSuccess.
const (
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

// Requester uploads a single chunk. It must honor ctx cancellation and return an error
// wrapping ErrOffline when the network is unreachable. The returned value is kept as the
// chunk response.
type Requester func(ctx context.Context, c *Chunk, info payload.Info) (interface{}, error)

// Uploader orchestrates the chunked upload of one payload.
type Uploader struct {
	source    payload.Source
	info      payload.Info
	requester Requester
	cfg       Config
	logger    log.Logger
	chunks    []*Chunk
	digests   *digest.Engine
	events    *dispatcher
	stats     *Stats

	mu          sync.Mutex
	status      Status
	err         error
	online      bool
	unreachable bool
	aborting    bool
	closed      bool
	cancel      context.CancelCauseFunc
	roundDone   chan struct{}
	changed     chan struct{}
	unsubscribe func()
}

// New plans the chunks of source and creates an idle Uploader.
// If info.Size is zero it is taken from the source.
func New(source payload.Source, info payload.Info, requester Requester, cfg Config) (*Uploader, error) {
	if requester == nil {
		return nil, configErrorf("requester", "must not be nil")
	}

	size := source.Size()
	if info.Size == 0 {
		info.Size = size
	}
	if info.Size != size {
		return nil, configErrorf("payload size", "info reports %d bytes, source has %d", info.Size, size)
	}

	cfg = cfg.withDefaults(size)
	ranges, err := Plan(size, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	u := newUploader(source, info, requester, cfg, ranges)
	u.logger.Debugf("Planned %d chunk(s) of %s for %s (%s)",
		len(ranges), units.HumanSize(float64(cfg.ChunkSize)), info.Name, units.HumanSize(float64(size)))

	if cfg.PrefetchDigests {
		u.PrefetchDigests()
	}
	return u, nil
}

func newUploader(source payload.Source, info payload.Info, requester Requester, cfg Config, ranges []Range) *Uploader {
	u := &Uploader{
		source:    source,
		info:      info,
		requester: requester,
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    newDispatcher(),
		stats:     NewStats(),
		status:    StatusIdle,
		changed:   make(chan struct{}),
	}

	u.chunks = make([]*Chunk, len(ranges))
	for i, r := range ranges {
		u.chunks[i] = &Chunk{index: i, rng: r, owner: u, status: StatusIdle}
	}

	u.digests = digest.NewEngine(len(ranges), u.readChunk, cfg.Hasher, digest.Options{
		Concurrency: cfg.DigestConcurrency,
		OnProgress: func(computed, total int) {
			u.events.emit(Event{Type: EventDigestProgress, Loaded: computed, Total: total})
		},
	})

	u.online = cfg.Environment.Online()
	u.unsubscribe = cfg.Environment.Subscribe(u.SetOnline)

	return u
}

// Start uploads every chunk that has not succeeded yet and blocks until the round ends.
// Chunks listed in skip are marked as already uploaded first.
//
// Start is valid while idle, and while in error to retry the remaining chunks. Otherwise it
// is a no-op. If the uploader is offline it pauses without calling the requester, and the
// upload continues once connectivity returns. A round stopped by Pause or by going offline
// returns (nil, nil). Events emitted while another goroutine delivers events are delivered
// by that goroutine, so Start can return before its success and end events reach the
// listeners.
func (u *Uploader) Start(ctx context.Context, skip ...int) ([]interface{}, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrClosed
	}
	if u.status != StatusIdle && u.status != StatusError {
		u.mu.Unlock()
		return nil, nil
	}

	for _, index := range skip {
		if index >= 0 && index < len(u.chunks) {
			u.chunks[index].skip()
		}
	}
	u.err = nil

	if !u.online {
		u.setStatus(StatusPaused)
		u.mu.Unlock()

		u.logger.Warnf("Offline, upload of %s paused", u.info.Name)
		u.emit(EventPause, nil)
		return nil, nil
	}

	roundCtx, prev, done := u.beginRound(ctx)
	u.mu.Unlock()

	u.logger.Infof("Uploading %s (%s) in %d chunk(s)", u.info.Name, units.HumanSize(float64(u.info.Size)), len(u.chunks))
	u.emit(EventStart, nil)

	return u.run(roundCtx, prev, done)
}

// Pause stops admitting chunks of the active round. Chunks already in flight are only
// interrupted if the requester honors context cancellation. It reports false unless the
// upload was in progress.
func (u *Uploader) Pause() bool {
	u.mu.Lock()
	if u.status != StatusPending || u.aborting {
		u.mu.Unlock()
		return false
	}
	u.setStatus(StatusPaused)
	cancel := u.cancel
	u.mu.Unlock()

	cancel(ErrPaused)
	u.logger.Infof("Upload of %s paused (%d/%d)", u.info.Name, u.Loaded(), u.Total())
	u.emit(EventPause, nil)
	return true
}

// Resume continues a paused upload and blocks until the new round ends. It waits for the
// chunks of the paused round to settle before admitting new ones. Resume is a no-op
// unless the uploader is paused, and fails with ErrOffline while the environment reports
// offline. A round paused because the requester reported ErrOffline is retried as long as
// the environment reports online.
func (u *Uploader) Resume(ctx context.Context) ([]interface{}, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrClosed
	}
	if u.status != StatusPaused {
		u.mu.Unlock()
		return nil, nil
	}
	if !u.online {
		u.mu.Unlock()
		return nil, ErrOffline
	}

	u.err = nil
	roundCtx, prev, done := u.beginRound(ctx)
	u.mu.Unlock()

	u.logger.Infof("Resuming upload of %s (%d/%d)", u.info.Name, u.Loaded(), u.Total())
	u.emit(EventResume, nil)

	return u.run(roundCtx, prev, done)
}

// Abort cancels the active round with ErrAborted and stops following connectivity
// changes. The uploader ends in the error state once the round settles. It reports false
// unless the upload was in progress. Pause has no effect on an aborted round.
func (u *Uploader) Abort() bool {
	u.mu.Lock()
	if u.status != StatusPending {
		u.mu.Unlock()
		return false
	}
	if u.aborting {
		u.mu.Unlock()
		return false
	}
	u.aborting = true
	cancel := u.cancel
	unsubscribe := u.unsubscribe
	u.unsubscribe = nil
	u.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	u.logger.Warnf("Aborting upload of %s", u.info.Name)
	cancel(ErrAborted)
	return true
}

// SetOnline records a connectivity change. Going offline pauses an upload in progress,
// coming back online resumes a paused upload in the background. An online report also
// retries a round the requester paused as unreachable.
func (u *Uploader) SetOnline(online bool) {
	u.mu.Lock()
	if u.online == online && !(online && u.unreachable) {
		u.mu.Unlock()
		return
	}
	u.online = online
	status := u.status
	u.mu.Unlock()

	switch {
	case !online && status == StatusPending:
		u.logger.Warnf("Connection lost")
		u.Pause()
	case online && status == StatusPaused:
		u.logger.Infof("Connection restored")
		go func() {
			if _, err := u.Resume(context.Background()); err != nil {
				u.logger.Warnf("Resume upload of %s: %s", u.info.Name, err)
			}
		}()
	}
}

// Wait blocks until the upload succeeds or fails and returns the failure.
func (u *Uploader) Wait(ctx context.Context) error {
	for {
		u.mu.Lock()
		status, err, changed := u.status, u.err, u.changed
		u.mu.Unlock()

		switch status {
		case StatusSuccess:
			return nil
		case StatusError:
			return err
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops following connectivity changes, cancels the active round and stops digest
// computations. Memoized digests stay readable.
func (u *Uploader) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	cancel := u.cancel
	unsubscribe := u.unsubscribe
	u.unsubscribe = nil
	u.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel(ErrClosed)
	}
	u.digests.Close()
}

// Status returns the state of the upload.
func (u *Uploader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Err returns the failure of the last round, if the uploader is in the error state.
func (u *Uploader) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Online reports the last known connectivity. It is false while the environment reports
// offline and after the requester reported ErrOffline, until the next round starts.
func (u *Uploader) Online() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.online && !u.unreachable
}

// Info returns a copy of the payload metadata.
func (u *Uploader) Info() payload.Info {
	return u.info
}

// Chunks returns the chunks in index order.
func (u *Uploader) Chunks() []*Chunk {
	return append([]*Chunk(nil), u.chunks...)
}

// Total returns the number of chunks.
func (u *Uploader) Total() int {
	return len(u.chunks)
}

// Loaded returns the number of chunks uploaded successfully.
func (u *Uploader) Loaded() int {
	return lo.CountBy(u.chunks, func(c *Chunk) bool {
		return c.Status() == StatusSuccess
	})
}

// Responses returns the chunk responses in index order. Chunks that have not succeeded
// yet have a nil response.
func (u *Uploader) Responses() []interface{} {
	return lo.Map(u.chunks, func(c *Chunk, _ int) interface{} {
		return c.Response()
	})
}

// Digest returns the digest of the whole payload, computing it on first access.
func (u *Uploader) Digest(ctx context.Context) (string, error) {
	return u.digests.Whole(ctx)
}

// PrefetchDigests starts computing every chunk digest and the payload digest in the
// background. Progress is reported with EventDigestProgress.
func (u *Uploader) PrefetchDigests() {
	u.digests.Prefetch()
}

// Stats returns the timing of the chunks uploaded by this uploader.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// On sets the single named handler of an event type. A nil fn clears it.
func (u *Uploader) On(t EventType, fn Listener) {
	u.events.setSlot(t, fn)
}

// AddListener registers an additional handler of an event type.
func (u *Uploader) AddListener(t EventType, fn Listener) ListenerID {
	return u.events.add(t, fn)
}

// RemoveListener unregisters a handler added with AddListener.
func (u *Uploader) RemoveListener(t EventType, id ListenerID) bool {
	return u.events.remove(t, id)
}

// beginRound must be called with u.mu held.
func (u *Uploader) beginRound(parent context.Context) (context.Context, chan struct{}, chan struct{}) {
	ctx, cancel := context.WithCancelCause(parent)
	prev := u.roundDone
	done := make(chan struct{})

	u.cancel = cancel
	u.roundDone = done
	u.unreachable = false
	u.aborting = false
	u.setStatus(StatusPending)

	return ctx, prev, done
}

func (u *Uploader) run(ctx context.Context, prev, done chan struct{}) ([]interface{}, error) {
	defer close(done)

	if prev != nil {
		<-prev
	}

	if u.Loaded() > 0 {
		u.emit(EventProgress, nil)
	}

	err := schedule(ctx, u.chunks, u.cfg.Concurrency, u.send, func(*Chunk) {
		u.emit(EventProgress, nil)
	})

	return u.finish(done, err)
}

func (u *Uploader) finish(done chan struct{}, err error) ([]interface{}, error) {
	u.mu.Lock()
	if u.roundDone != done {
		u.mu.Unlock()
		return nil, nil
	}
	// A pause that lands after the last chunk succeeded does not hold the upload back.
	completed := err == nil && u.status == StatusPaused && u.Loaded() == u.Total()
	if u.status != StatusPending && !completed {
		// The pause event has already been emitted.
		u.mu.Unlock()
		return nil, nil
	}
	u.cancel(nil)

	if u.aborting {
		u.aborting = false
		if !errors.Is(err, ErrAborted) {
			err = ErrAborted
		}
	}

	switch {
	case err == nil:
		u.setStatus(StatusSuccess)
		u.mu.Unlock()

		u.logger.Donef("Uploaded %s in %d chunk(s)", u.info.Name, len(u.chunks))
		u.emit(EventSuccess, nil)
		u.emit(EventEnd, nil)
		return u.Responses(), nil
	case errors.Is(err, ErrOffline):
		u.unreachable = true
		u.setStatus(StatusPaused)
		u.mu.Unlock()

		u.logger.Warnf("Upload of %s paused: %s", u.info.Name, err)
		u.emit(EventPause, nil)
		return nil, nil
	default:
		u.err = err
		u.setStatus(StatusError)
		u.mu.Unlock()

		u.logger.Errorf("Upload of %s failed: %s", u.info.Name, err)
		u.emit(EventError, err)
		u.emit(EventEnd, nil)
		return nil, err
	}
}

func (u *Uploader) send(ctx context.Context, c *Chunk) (interface{}, error) {
	u.logger.Debugf("Uploading chunk %d/%d (%s) [finished=%d] [avg=%v]",
		c.index+1, len(u.chunks), units.HumanSize(float64(c.Size())),
		u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

	start := time.Now()
	response, err := u.requester(ctx, c, u.info)
	if err != nil {
		if ctx.Err() != nil {
			u.logger.Debugf("Chunk %d interrupted: %s", c.index+1, context.Cause(ctx))
		} else {
			u.logger.Warnf("Chunk %d failed: %s", c.index+1, err)
		}
		return nil, err
	}

	took := time.Since(start)
	u.stats.Record(took, c.Size())
	u.logger.Debugf("Chunk %d uploaded in %v", c.index+1, took.Round(time.Millisecond))

	return response, nil
}

func (u *Uploader) readChunk(index int) ([]byte, error) {
	r := u.chunks[index].rng
	data, err := u.source.ReadRange(r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	return data, nil
}

func (u *Uploader) emit(t EventType, err error) {
	u.events.emitWith(func() Event {
		return Event{Type: t, Loaded: u.Loaded(), Total: u.Total(), Err: err}
	})
}

// setStatus must be called with u.mu held.
func (u *Uploader) setStatus(s Status) {
	u.status = s
	close(u.changed)
	u.changed = make(chan struct{})
}
