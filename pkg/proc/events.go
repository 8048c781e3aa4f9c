package proc

import (
	"context"
	"sync"
	"time"

	"github.com/go-delve/inferior/pkg/logflags"
)

// EventType is a bitmask of event kinds, listeners subscribe to a subset.
type EventType uint32

const (
	// EventStateChanged is broadcast by a process on every state
	// transition.
	EventStateChanged EventType = 1 << iota
	// EventSignalNotify is broadcast by a process when it receives a
	// signal whose disposition is notify without stop.
	EventSignalNotify
	// EventBreakpointChanged is broadcast by a target when one of its
	// breakpoints changes.
	EventBreakpointChanged

	EventAll = EventStateChanged | EventSignalNotify | EventBreakpointChanged
)

// Event is an immutable snapshot delivered to listeners.
type Event struct {
	Type EventType
	// Broadcaster is the name of the broadcaster that delivered the event.
	Broadcaster string
	Process     *ProcessEventData
	Breakpoint  *BreakpointEventData
}

// ThreadStopInfo is the stop information of one thread at the time of the
// event.
type ThreadStopInfo struct {
	ID   int
	Stop StopInfo
	PC   uint64
}

// ProcessEventData is the payload of process events.
type ProcessEventData struct {
	Pid   int
	State ProcessState
	// Interrupted is true when the stop was requested by SendAsyncInterrupt.
	Interrupted bool
	// ExitStatus is valid when State is StateExited.
	ExitStatus int
	// Signal is the signal number of an EventSignalNotify.
	Signal  int
	Threads []ThreadStopInfo
}

// BreakpointEventKind is the kind of a breakpoint event.
type BreakpointEventKind uint8

const (
	BreakpointAdded BreakpointEventKind = iota
	BreakpointRemoved
	BreakpointEnabled
	BreakpointDisabled
	BreakpointLocationsResolved
	BreakpointConditionChanged
)

func (k BreakpointEventKind) String() string {
	switch k {
	case BreakpointAdded:
		return "added"
	case BreakpointRemoved:
		return "removed"
	case BreakpointEnabled:
		return "enabled"
	case BreakpointDisabled:
		return "disabled"
	case BreakpointLocationsResolved:
		return "locations resolved"
	case BreakpointConditionChanged:
		return "condition changed"
	}
	return "unknown"
}

// BreakpointEventData is the payload of breakpoint events.
type BreakpointEventData struct {
	Kind         BreakpointEventKind
	ID           int
	NumLocations int
}

// StateFromEvent returns the process state carried by ev, or StateInvalid.
func StateFromEvent(ev Event) ProcessState {
	if ev.Process == nil {
		return StateInvalid
	}
	return ev.Process.State
}

// Broadcaster delivers events to the listeners subscribed to it.
type Broadcaster struct {
	name string

	mu        sync.Mutex
	listeners []subscription
}

type subscription struct {
	l    *Listener
	mask EventType
}

// NewBroadcaster returns a broadcaster called name.
func NewBroadcaster(name string) *Broadcaster {
	return &Broadcaster{name: name}
}

// Name returns the name of the broadcaster.
func (b *Broadcaster) Name() string { return b.name }

// AddListener subscribes l to the events in mask. Subscribing the same
// listener twice replaces its mask.
func (b *Broadcaster) AddListener(l *Listener, mask EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.listeners {
		if b.listeners[i].l == l {
			b.listeners[i].mask = mask
			return
		}
	}
	b.listeners = append(b.listeners, subscription{l, mask})
}

// RemoveListener unsubscribes l.
func (b *Broadcaster) RemoveListener(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.listeners {
		if b.listeners[i].l == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Broadcaster) broadcast(ev Event) {
	ev.Broadcaster = b.name
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.listeners {
		if sub.mask&ev.Type != 0 {
			sub.l.push(ev)
		}
	}
	if logflags.Events() {
		logflags.EventsLogger().Debugf("%s: broadcast %s to %d listeners", b.name, describeEvent(ev), len(b.listeners))
	}
}

func describeEvent(ev Event) string {
	switch {
	case ev.Process != nil && ev.Type == EventSignalNotify:
		return "signal notify"
	case ev.Process != nil:
		return "state " + ev.Process.State.String()
	case ev.Breakpoint != nil:
		return "breakpoint " + ev.Breakpoint.Kind.String()
	}
	return "event"
}

// Listener is a queue of events. Each listener receives its own copy of
// every event it is subscribed to, in the order they were broadcast.
type Listener struct {
	name string

	mu     sync.Mutex
	queue  []Event
	closed bool
	// notify has a buffer of one, a send means the queue may have changed.
	notify chan struct{}
}

// NewListener returns a new listener called name.
func NewListener(name string) *Listener {
	return &Listener{name: name, notify: make(chan struct{}, 1)}
}

// Name returns the name of the listener.
func (l *Listener) Name() string { return l.name }

func (l *Listener) push(ev Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.wake()
	l.mu.Unlock()
}

// wake must be called with l.mu held.
func (l *Listener) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Listener) pop() (Event, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 {
		ev := l.queue[0]
		l.queue[0] = Event{}
		l.queue = l.queue[1:]
		if len(l.queue) > 0 {
			l.wake()
		}
		return ev, true, false
	}
	return Event{}, false, l.closed
}

// WaitForEvent returns the oldest queued event, waiting up to timeout for
// one to arrive. The second return value is false if the timeout expired
// or the listener was closed.
func (l *Listener) WaitForEvent(timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		ev, ok, closed := l.pop()
		if ok {
			return ev, true
		}
		if closed {
			return Event{}, false
		}
		select {
		case <-l.notify:
		case <-timer.C:
			ev, ok, _ := l.pop()
			return ev, ok
		}
	}
}

// WaitForEventContext is like WaitForEvent but waits until ctx is done.
func (l *Listener) WaitForEventContext(ctx context.Context) (Event, error) {
	for {
		ev, ok, closed := l.pop()
		if ok {
			return ev, nil
		}
		if closed {
			return Event{}, context.Canceled
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// PeekEvent returns the oldest queued event without removing it.
func (l *Listener) PeekEvent() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Event{}, false
	}
	return l.queue[0], true
}

// Close discards queued events and wakes up all waiters. Events broadcast
// after Close are dropped.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	// a closed channel wakes every waiter, not just one
	close(l.notify)
}
