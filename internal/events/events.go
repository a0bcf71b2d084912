// Package events carries node lifecycle notifications to subscribers.
//
// Every subscriber sees events in publish order. Delivery never blocks the
// publisher; each subscription queues events until its consumer reads them.
package events

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindReady             Kind = "ready"
	KindPeerJoined        Kind = "peer-joined"
	KindPeerLeft          Kind = "peer-left"
	KindPeerSynchronized  Kind = "peer-synchronized"
	KindFilesSynchronized Kind = "files-synchronized"
	KindTasksStarted      Kind = "tasks-started"
)

// Event is implemented by every payload type below.
type Event interface {
	Kind() Kind
}

// Ready is emitted once the node's listener is bound.
type Ready struct {
	NodeID  string
	Address string
}

// PeerJoined is emitted the first time a peer key attaches.
type PeerJoined struct {
	PeerID  string
	Address string
	Name    string
}

type PeerLeft struct {
	PeerID  string
	Address string
}

// PeerSynchronized is emitted on the sending side when a peer acknowledged
// the full archive.
type PeerSynchronized struct {
	PeerID string
	File   string
}

// FilesSynchronized is emitted on the receiving side after the archive was
// verified and extracted. File is the receiver's own archive path.
type FilesSynchronized struct {
	File    string
	Version string
}

// TasksStarted follows an Init that spawned at least one instance.
type TasksStarted struct {
	Count int
}

func (Ready) Kind() Kind             { return KindReady }
func (PeerJoined) Kind() Kind        { return KindPeerJoined }
func (PeerLeft) Kind() Kind          { return KindPeerLeft }
func (PeerSynchronized) Kind() Kind  { return KindPeerSynchronized }
func (FilesSynchronized) Kind() Kind { return KindFilesSynchronized }
func (TasksStarted) Kind() Kind      { return KindTasksStarted }

// Envelope wraps an event with its publish time.
type Envelope struct {
	Event Event
	At    time.Time
}

type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish hands ev to every current subscriber.
func (b *Bus) Publish(ev Event) {
	env := Envelope{Event: ev, At: time.Now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.enqueue(env)
	}
}

// Subscribe registers a subscription that receives every event published
// after this call.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:    b,
		out:    make(chan Envelope),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()
	return s
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.halt()
	}
}

type Subscription struct {
	bus    *Bus
	out    chan Envelope
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Envelope
}

// C is closed when the subscription or its bus is closed.
func (s *Subscription) C() <-chan Envelope {
	return s.out
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.halt()
}

func (s *Subscription) halt() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Subscription) enqueue(env Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *Envelope
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue[0] = Envelope{}
			s.queue = s.queue[1:]
			next = &env
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}
		select {
		case s.out <- *next:
		case <-s.stop:
			return
		}
	}
}

// WaitFor reads from sub until match returns true or ctx ends.
func WaitFor(ctx context.Context, sub *Subscription, match func(Event) bool) (Event, error) {
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return nil, context.Canceled
			}
			if match(env.Event) {
				return env.Event, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
