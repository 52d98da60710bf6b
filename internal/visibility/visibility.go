// Package visibility tells subscribers that the client is running in the
// foreground again after a pause, so time-derived state can be recomputed.
package visibility

import "sync"

// Source is anything that can report "visible again".
type Source interface {
	OnVisible(cb func()) (unsubscribe func())
}

// Broadcaster fans a visibility-regained event out to its subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]func()
	nextID int
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func())}
}

// OnVisible subscribes cb and returns its unsubscribe.
func (b *Broadcaster) OnVisible(cb func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Notify calls every subscriber on the caller's goroutine.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	cbs := make([]func(), 0, len(b.subs))
	for _, cb := range b.subs {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}
