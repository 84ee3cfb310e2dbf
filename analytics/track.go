// Package analytics reports the lifecycle of uploads to the Bitrise analytics service.
package analytics

import (
	"time"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	EventUploadStarted  = "chunk_upload_started"
	EventUploadPaused   = "chunk_upload_paused"
	EventUploadResumed  = "chunk_upload_resumed"
	EventUploadFailed   = "chunk_upload_failed"
	EventUploadFinished = "chunk_upload_finished"
)

// UploadTracker enqueues an analytics event for every lifecycle change of the uploaders it is attached to.
type UploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
	now     func() time.Time
}

func NewUploadTracker(tracker analytics.Tracker, logger log.Logger) *UploadTracker {
	return &UploadTracker{
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
	}
}

// NewDefaultUploadTracker sends the events with the build properties found in the environment.
func NewDefaultUploadTracker(envRepo env.Repository, logger log.Logger) *UploadTracker {
	p := analytics.Properties{
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	return NewUploadTracker(analytics.NewDefaultTracker(logger, p), logger)
}

// Attach starts tracking u. The returned function stops it.
func (t *UploadTracker) Attach(u *upload.Uploader) (detach func()) {
	info := u.Info()
	var startTime time.Time
	var resumedChunks int

	base := func(e upload.Event) analytics.Properties {
		return analytics.Properties{
			"upload_name":       info.Name,
			"upload_size_bytes": info.Size,
			"chunk_count":       e.Total,
			"uploaded_chunks":   e.Loaded,
		}
	}

	ids := map[upload.EventType]upload.ListenerID{
		upload.EventStart: u.AddListener(upload.EventStart, func(e upload.Event) {
			startTime = t.now()
			resumedChunks = e.Loaded
			t.tracker.Enqueue(EventUploadStarted, base(e))
		}),
		upload.EventPause: u.AddListener(upload.EventPause, func(e upload.Event) {
			p := base(e)
			p["online"] = u.Online()
			t.tracker.Enqueue(EventUploadPaused, p)
		}),
		upload.EventResume: u.AddListener(upload.EventResume, func(e upload.Event) {
			t.tracker.Enqueue(EventUploadResumed, base(e))
		}),
		upload.EventError: u.AddListener(upload.EventError, func(e upload.Event) {
			p := base(e)
			if e.Err != nil {
				p["error"] = e.Err.Error()
			}
			t.tracker.Enqueue(EventUploadFailed, p)
		}),
		upload.EventSuccess: u.AddListener(upload.EventSuccess, func(e upload.Event) {
			stats := u.Stats()
			p := base(e)
			p["resumed_chunks"] = resumedChunks
			p["transferred_bytes"] = stats.Bytes()
			p["avg_chunk_upload_time_ms"] = stats.Average().Milliseconds()
			if !startTime.IsZero() {
				p["upload_time_s"] = t.now().Sub(startTime).Truncate(time.Second).Seconds()
			}
			t.tracker.Enqueue(EventUploadFinished, p)
		}),
	}

	return func() {
		for eventType, id := range ids {
			u.RemoveListener(eventType, id)
		}
	}
}

// Wait blocks until every enqueued event is sent.
func (t *UploadTracker) Wait() {
	t.logger.Debugf("Waiting for analytics events to be sent")
	t.tracker.Wait()
}
