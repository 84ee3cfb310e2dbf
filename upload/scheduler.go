package upload

import (
	"context"
	"sync"
)

type sendFunc func(ctx context.Context, c *Chunk) (interface{}, error)

// schedule uploads every idle chunk, admitting them in index order with at most limit
// sends in flight. A limit <= 0 means no limit.
//
// After the first failure no further chunk is admitted. schedule waits for the chunks
// already in flight and returns that failure as a *TransportError. If ctx is cancelled
// before every chunk succeeded, the cancellation cause is returned instead.
func schedule(ctx context.Context, chunks []*Chunk, limit int, send sendFunc, done func(*Chunk)) error {
	if limit <= 0 || limit > len(chunks) {
		limit = len(chunks)
	}
	if limit == 0 {
		return nil
	}

	sem := make(chan struct{}, limit)
	failed := make(chan struct{})

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		firstErr error
	)

admission:
	for _, c := range chunks {
		if c.Status() != StatusIdle {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-failed:
			break admission
		case <-ctx.Done():
			break admission
		}

		// A slot and a stop signal may be ready at the same time.
		select {
		case <-failed:
			<-sem
			break admission
		case <-ctx.Done():
			<-sem
			break admission
		default:
		}

		if !c.admit() {
			<-sem
			continue
		}

		wg.Add(1)
		go func(c *Chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			response, err := send(ctx, c)
			if err != nil {
				c.reset()
				failOnce.Do(func() {
					firstErr = &TransportError{Index: c.index, Err: err}
					close(failed)
				})
				return
			}

			c.succeed(response)
			done(c)
		}(c)
	}

	wg.Wait()

	if allSucceeded(chunks) {
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return firstErr
}

func allSucceeded(chunks []*Chunk) bool {
	for _, c := range chunks {
		if c.Status() != StatusSuccess {
			return false
		}
	}
	return true
}
