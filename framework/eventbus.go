package framework

import "sync"

// Handler receives the payload of one publish.
type Handler func(payload string)

// EventBus is a named publish/subscribe channel set. Handlers run on the
// goroutine that publishes. Publishes on a single channel are serialized, so
// every handler observes them in publish order; a handler must not publish on
// the channel it is subscribed to.
type EventBus struct {
	mu       sync.RWMutex
	channels map[string]*busChannel
}

type busChannel struct {
	deliver  sync.Mutex
	mu       sync.RWMutex
	handlers []Handler
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{channels: make(map[string]*busChannel)}
}

// Subscribe registers h for every later publish on name.
func (b *EventBus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	ch := b.channel(name)
	ch.mu.Lock()
	ch.handlers = append(ch.handlers, h)
	ch.mu.Unlock()
}

// Publish delivers payload to every handler subscribed to name.
func (b *EventBus) Publish(name, payload string) {
	b.mu.RLock()
	ch, ok := b.channels[name]
	b.mu.RUnlock()
	if !ok {
		return
	}
	ch.deliver.Lock()
	defer ch.deliver.Unlock()
	ch.mu.RLock()
	handlers := make([]Handler, len(ch.handlers))
	copy(handlers, ch.handlers)
	ch.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// Subscribers reports how many handlers are registered on name.
func (b *EventBus) Subscribers(name string) int {
	b.mu.RLock()
	ch, ok := b.channels[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.handlers)
}

func (b *EventBus) channel(name string) *busChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &busChannel{}
		b.channels[name] = ch
	}
	return ch
}
