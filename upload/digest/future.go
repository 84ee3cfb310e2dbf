package digest

import (
	"context"
	"sync"
)

// future is a single-assignment value. The first start wins; every reader observes the
// same result without recomputation.
type future struct {
	once  sync.Once
	done  chan struct{}
	value string
	err   error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// start launches compute in its own goroutine unless the future was already started.
// It reports whether compute was launched.
func (f *future) start(compute func() (string, error)) bool {
	started := false
	f.once.Do(func() {
		started = true
		go func() {
			value, err := compute()
			f.value, f.err = value, err
			close(f.done)
		}()
	})
	return started
}

// seed resolves the future with a known value. It reports whether the value was taken.
func (f *future) seed(value string) bool {
	seeded := false
	f.once.Do(func() {
		seeded = true
		f.value = value
		close(f.done)
	})
	return seeded
}

func (f *future) wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// peek returns the value if the future resolved successfully.
func (f *future) peek() (string, bool) {
	select {
	case <-f.done:
		return f.value, f.err == nil
	default:
		return "", false
	}
}
