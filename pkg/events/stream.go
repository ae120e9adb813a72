package events

import (
	"sync"

	"github.com/google/uuid"
)

// Frame is one raw message from the push connection.
type Frame struct {
	Binary bool
	Data   []byte
}

// Stream is a shared, externally owned push connection. Subscribe returns a
// function that removes only this subscription.
type Stream interface {
	Subscribe(handler func(Frame)) (unsubscribe func())
}

// Fanout delivers published frames to every current subscriber.
type Fanout struct {
	mu   sync.RWMutex
	subs map[string]func(Frame)
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[string]func(Frame))}
}

func (f *Fanout) Subscribe(handler func(Frame)) func() {
	if handler == nil {
		return func() {}
	}
	id := uuid.NewString()
	f.mu.Lock()
	f.subs[id] = handler
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish calls each subscriber in turn outside the registry lock.
func (f *Fanout) Publish(frame Frame) {
	f.mu.RLock()
	handlers := make([]func(Frame), 0, len(f.subs))
	for _, h := range f.subs {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()
	for _, h := range handlers {
		h(frame)
	}
}

// Len returns the number of live subscriptions.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
