// Package connectivity provides the online/offline signal an uploader reacts to.
package connectivity

import (
	"sync"
)

// Environment is a source of online/offline notifications.
type Environment interface {
	// Online reports the current connectivity.
	Online() bool

	// Subscribe registers fn for connectivity changes and returns a function that
	// removes the subscription.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool                { return true }
func (alwaysOnline) Subscribe(func(bool)) func() { return func() {} }

// AlwaysOnline is used when the host cannot report connectivity.
func AlwaysOnline() Environment {
	return alwaysOnline{}
}

// Switch is a settable Environment. Subscribers are notified on every change.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewSwitch creates a Switch with the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online reports the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state and notifies subscribers if it differs from the current one.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for state changes.
func (s *Switch) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Switch) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
