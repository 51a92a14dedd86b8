// Package eventbus fans change events out to subscribers. Both substrate
// stores use one Bus to implement the Subscribe operation: background tasks
// (filesystem watcher, push listener) emit into the bus, every subscriber
// gets its own bounded channel.
package eventbus

import (
	"context"
	"sync"

	"github.com/npillmayer/glyphstore"
)

// Channel capacity per subscriber. Subscribers lagging further than this
// block the emitter until they catch up or their context ends.
const subscriberBuffer = 64

// A subscriber's channel is closed by its teardown goroutine while emitters
// may still hold the subscriber in a snapshot, so sends and the close are
// serialized through mu. Holding mu across the send is fine: the select can
// only park until ctx or the bus ends, and teardown runs after one of those.
type subscriber struct {
	mu     sync.Mutex
	ch     chan glyphstore.ChangeEvent
	ctx    context.Context
	closed bool
}

func (sub *subscriber) send(ev glyphstore.ChangeEvent, busDone <-chan struct{}) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
	case <-sub.ctx.Done():
	case <-busDone:
	}
}

func (sub *subscriber) shutdown() {
	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
}

// Bus is a many-to-many change event broadcaster. The zero value is not
// usable; create instances with New.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscriber),
		done: make(chan struct{}),
	}
}

// Subscribe returns a channel of events emitted after this call. The channel
// is closed when ctx ends or the bus closes, whichever happens first.
func (b *Bus) Subscribe(ctx context.Context) <-chan glyphstore.ChangeEvent {
	sub := &subscriber{ch: make(chan glyphstore.ChangeEvent, subscriberBuffer), ctx: ctx}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.shutdown()
	}()
	return sub.ch
}

// Emit delivers an event to every current subscriber. Delivery blocks only
// under select with the subscriber's context and the bus lifetime, so
// cancellation always wins over a slow consumer.
func (b *Bus) Emit(ev glyphstore.ChangeEvent) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.send(ev, b.done)
	}
}

// Close shuts the bus down and closes all subscriber channels. Emitters
// still running return without delivery once done is closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}
