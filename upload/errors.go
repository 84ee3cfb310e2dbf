package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-chunkupload/upload/digest"
)

var (
	// ErrOffline is reported when an upload is attempted, or is in progress, while the
	// connectivity environment is offline. Transports may wrap it to request a pause
	// instead of a failure.
	ErrOffline = errors.New("offline")

	// ErrPaused is the cancellation cause of a round stopped by Pause.
	ErrPaused = errors.New("upload paused")

	// ErrAborted is the cancellation cause of a round stopped by Abort.
	ErrAborted = errors.New("upload aborted")

	// ErrClosed is returned by operations on a closed uploader.
	ErrClosed = errors.New("uploader closed")
)

// ConfigurationError describes an invalid chunk size, payload size or snapshot layout.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError wraps a requester rejection for a single chunk.
type TransportError struct {
	Index int
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upload chunk %d: %s", e.Index+1, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DigestError is returned by the digest accessors when the hasher fails.
type DigestError = digest.Error

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
