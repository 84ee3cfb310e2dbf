package upload

import (
	"sync"
)

// EventType names an uploader lifecycle event.
type EventType string

const (
	EventStart          EventType = "start"
	EventProgress       EventType = "progress"
	EventDigestProgress EventType = "digestprogress"
	EventPause          EventType = "pause"
	EventResume         EventType = "resume"
	EventError          EventType = "error"
	EventSuccess        EventType = "success"
	EventEnd            EventType = "end"
)

// Event carries the progress snapshot at emission time.
// For EventDigestProgress, Loaded counts computed chunk digests.
type Event struct {
	Type   EventType
	Loaded int
	Total  int
	Err    error
}

// Listener handles an event. Listeners are never called concurrently and may call back
// into the uploader. Events are delivered in emission order, but not necessarily by the
// goroutine that emitted them: an event emitted during another delivery is queued and
// delivered after it.
type Listener func(Event)

// ListenerID identifies a listener added with AddListener.
type ListenerID int

type registration struct {
	id ListenerID
	fn Listener
}

// dispatcher delivers events in emission order through a single path shared by the
// named slots and the listener registry. An emit that happens while another goroutine
// is delivering is queued and delivered by that goroutine.
type dispatcher struct {
	mu        sync.Mutex
	slots     map[EventType]Listener
	listeners map[EventType][]registration
	nextID    ListenerID
	queue     []Event
	draining  bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		slots:     make(map[EventType]Listener),
		listeners: make(map[EventType][]registration),
	}
}

func (d *dispatcher) setSlot(t EventType, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fn == nil {
		delete(d.slots, t)
		return
	}
	d.slots[t] = fn
}

func (d *dispatcher) add(t EventType, fn Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[t] = append(d.listeners[t], registration{id: d.nextID, fn: fn})
	return d.nextID
}

func (d *dispatcher) remove(t EventType, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.listeners[t]
	for i, reg := range regs {
		if reg.id == id {
			d.listeners[t] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *dispatcher) emit(e Event) {
	d.emitWith(func() Event { return e })
}

// emitWith builds the event while holding the queue lock, so events carrying a
// progress snapshot are queued in the order their snapshots were taken.
func (d *dispatcher) emitWith(build func() Event) {
	d.mu.Lock()
	d.queue = append(d.queue, build())
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true

	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]

		var fns []Listener
		if slot, ok := d.slots[next.Type]; ok {
			fns = append(fns, slot)
		}
		for _, reg := range d.listeners[next.Type] {
			fns = append(fns, reg.fn)
		}

		d.mu.Unlock()
		for _, fn := range fns {
			fn(next)
		}
		d.mu.Lock()
	}

	d.draining = false
	d.mu.Unlock()
}
