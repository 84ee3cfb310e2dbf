package store

import (
	"context"

	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Autosave keeps the snapshot of u under key up to date: it is saved after every chunk,
// pause and failure, and deleted once the upload succeeds. The returned function stops
// tracking the uploader.
func Autosave(u *upload.Uploader, s Store, key string, logger log.Logger) (detach func()) {
	save := func(upload.Event) {
		if err := s.Save(context.Background(), key, u.Store()); err != nil {
			logger.Warnf("Failed to save upload snapshot %s: %s", key, err)
		}
	}
	remove := func(upload.Event) {
		if err := s.Delete(context.Background(), key); err != nil {
			logger.Warnf("Failed to delete upload snapshot %s: %s", key, err)
			return
		}
		logger.Debugf("Upload snapshot %s deleted", key)
	}

	ids := map[upload.EventType]upload.ListenerID{
		upload.EventProgress: u.AddListener(upload.EventProgress, save),
		upload.EventPause:    u.AddListener(upload.EventPause, save),
		upload.EventError:    u.AddListener(upload.EventError, save),
		upload.EventSuccess:  u.AddListener(upload.EventSuccess, remove),
	}

	return func() {
		for t, id := range ids {
			u.RemoveListener(t, id)
		}
	}
}
