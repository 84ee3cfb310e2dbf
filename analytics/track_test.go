package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/analytics/mocks"
	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueued struct {
	name       string
	properties analytics.Properties
}

type recordingTracker struct {
	mu     sync.Mutex
	events []enqueued
}

func (r *recordingTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := analytics.Properties{}
	for _, p := range properties {
		for k, v := range p {
			merged[k] = v
		}
	}
	r.events = append(r.events, enqueued{name: eventName, properties: merged})
}

func (r *recordingTracker) Wait() {}

func (r *recordingTracker) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		names = append(names, e.name)
	}
	return names
}

func (r *recordingTracker) last() enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newUploader(t *testing.T, requester upload.Requester) *upload.Uploader {
	u, err := upload.New(payload.NewBytes([]byte("0123456789abcdefghij")), payload.Info{Name: "blob"}, requester, upload.Config{ChunkSize: 5, Concurrency: 1})
	require.NoError(t, err)
	t.Cleanup(u.Close)
	return u
}

func TestUploadTracker_Success(t *testing.T) {
	recorder := &recordingTracker{}
	tracker := NewUploadTracker(recorder, log.NewLogger())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time {
		clock = clock.Add(2 * time.Second)
		return clock
	}

	u := newUploader(t, func(ctx context.Context, c *upload.Chunk, info payload.Info) (interface{}, error) {
		return c.Index(), nil
	})
	tracker.Attach(u)

	_, err := u.Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.names()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventUploadStarted, EventUploadFinished}, recorder.names())

	finished := recorder.last().properties
	assert.Equal(t, "blob", finished["upload_name"])
	assert.Equal(t, int64(20), finished["upload_size_bytes"])
	assert.Equal(t, 4, finished["chunk_count"])
	assert.Equal(t, 4, finished["uploaded_chunks"])
	assert.Equal(t, 0, finished["resumed_chunks"])
	assert.Equal(t, int64(20), finished["transferred_bytes"])
	assert.Equal(t, float64(2), finished["upload_time_s"])
}

func TestUploadTracker_FailureAndDetach(t *testing.T) {
	recorder := &recordingTracker{}
	tracker := NewUploadTracker(recorder, log.NewLogger())

	u := newUploader(t, func(ctx context.Context, c *upload.Chunk, info payload.Info) (interface{}, error) {
		if c.Index() == 1 {
			return nil, errors.New("forbidden")
		}
		return c.Index(), nil
	})
	detach := tracker.Attach(u)

	_, err := u.Start(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.names()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventUploadStarted, EventUploadFailed}, recorder.names())
	failed := recorder.last().properties
	assert.Contains(t, failed["error"], "forbidden")
	assert.Equal(t, 1, failed["uploaded_chunks"])

	detach()
	_, err = u.Start(context.Background())
	require.Error(t, err)
	assert.Len(t, recorder.names(), 2)
}

func TestUploadTracker_PauseAndResume(t *testing.T) {
	recorder := &recordingTracker{}
	tracker := NewUploadTracker(recorder, log.NewLogger())

	release := make(chan struct{})
	u := newUploader(t, func(ctx context.Context, c *upload.Chunk, info payload.Info) (interface{}, error) {
		select {
		case <-release:
			return c.Index(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	tracker.Attach(u)

	started := make(chan struct{})
	u.On(upload.EventStart, func(upload.Event) { close(started) })

	done := make(chan error, 1)
	go func() {
		_, err := u.Start(context.Background())
		done <- err
	}()
	<-started
	require.True(t, u.Pause())
	require.NoError(t, <-done)

	close(release)
	_, err := u.Resume(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.names()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{EventUploadStarted, EventUploadPaused, EventUploadResumed, EventUploadFinished}, recorder.names())
}

func TestUploadTracker_Wait(t *testing.T) {
	tracker := mocks.NewTracker(t)
	tracker.On("Wait").Return().Once()

	NewUploadTracker(tracker, log.NewLogger()).Wait()
}
