// Package event provides the notification bus that stages and devices
// publish state changes on. Delivery is synchronous and in subscription
// order, so a subscriber observes mutations in the order they occurred
// locally. Subscriber lifetime is independent of the emitter.
package event

import (
	"sync"

	"github.com/me/gorig/pkg/model"
)

// Handler receives published events. It runs on the publisher's goroutine
// and must not block.
type Handler func(model.Event)

// Subscription identifies one subscriber for Unsubscribe.
type Subscription int

// Bus is an ordered publish/subscribe fan-out.
// The zero value is not usable; call NewBus.
type Bus struct {
	mu   sync.Mutex
	next Subscription
	subs []entry
}

type entry struct {
	id Subscription
	h  Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h and returns its subscription id.
func (b *Bus) Subscribe(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, entry{id: b.next, h: h})
	return b.next
}

// Unsubscribe removes the subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.subs {
		if e.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber, in subscription order.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subs))
	for i, e := range b.subs {
		handlers[i] = e.h
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
