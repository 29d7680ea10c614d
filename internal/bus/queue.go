package bus

import (
	"context"
	"sync"
)

// Handler consumes one event.
type Handler func(ctx context.Context, evt Event)

// MessageBus routes adapter events to subscribers on a single dispatch
// goroutine, so events of one channel reach handlers in emission order.
type MessageBus struct {
	Events chan Event

	mu          sync.RWMutex
	subscribers map[EventType][]Handler
}

// NewMessageBus creates a bus with a buffered event channel.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MessageBus{
		Events:      make(chan Event, buffer),
		subscribers: make(map[EventType][]Handler),
	}
}

// Publish enqueues an event. It blocks while the buffer is full unless ctx
// is done first; the returned error is ctx.Err() in that case.
func (b *MessageBus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.Events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for one event type.
func (b *MessageBus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// Dispatch runs the dispatch loop. Blocks until ctx is cancelled.
func (b *MessageBus) Dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.Events:
			b.deliver(ctx, evt)
		}
	}
}

// Drain delivers whatever is buffered without waiting for more.
func (b *MessageBus) Drain(ctx context.Context) {
	for {
		select {
		case evt := <-b.Events:
			b.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (b *MessageBus) deliver(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Type]
	b.mu.RUnlock()
	for _, h := range subs {
		h(ctx, evt)
	}
}

// Size returns the number of buffered events.
func (b *MessageBus) Size() int {
	return len(b.Events)
}
