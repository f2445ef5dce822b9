package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by groupcast components.
const (
	// TypeScheduleStatus carries a ScheduleStatus after every persisted transition.
	TypeScheduleStatus = "schedule.status"
	// TypeDispatchFinished carries a DispatchFinished after every broadcast attempt.
	TypeDispatchFinished = "dispatch.finished"
	// TypeChannelState carries a ChannelState whenever the session state changes.
	TypeChannelState = "channel.state"
	// TypeConfigReloaded is published by the app after a config change was applied.
	TypeConfigReloaded = "config.reloaded"
)

type ScheduleStatus struct {
	ID     string
	Status string
}

type DispatchFinished struct {
	Sent     int
	Failed   int
	AuthLost bool
	Took     time.Duration
}

type ChannelState struct {
	State         string
	Authenticated bool
}

// Event is a small in-memory signal.
//
// Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything. Handy default when a component is built without a bus.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
	drop atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.offer(ch, e)
	}
}

// offer tolerates a subscriber closing its channel concurrently.
func (b *memBus) offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.drop.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
