package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe fan-out with prefix filtering.
// Delivery is non-blocking: a subscriber that cannot keep up loses
// events rather than stalling producers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. Sets evt.At if the producer left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(string(evt.Kind), s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Subscriber buffer full; drop.
		}
	}
}

// Subscribe registers a channel for events whose Kind starts with
// prefix. The returned func removes the subscription; the channel is
// not closed, so draining after unsubscribe is safe.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeFunc runs fn on its own goroutine for every matching event
// until the returned stop func is called. Used by the host UI, which
// has no event loop of its own to select on.
func (b *Bus) SubscribeFunc(prefix string, buf int, fn func(Event)) (stop func()) {
	ch, unsub := b.Subscribe(prefix, buf)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				fn(evt)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}
