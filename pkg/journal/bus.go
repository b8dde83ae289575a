package journal

import (
	"context"
	"sync"
)

// Bus wraps a Store with in-process fan-out. Every appended entry is offered
// to all subscribers.
type Bus struct {
	Store
	mu   sync.RWMutex
	subs map[chan *Entry]struct{}
}

// NewBus creates a Bus wrapping store.
func NewBus(store Store) *Bus {
	return &Bus{Store: store, subs: make(map[chan *Entry]struct{})}
}

// Append delegates to the underlying store, then fans out.
func (b *Bus) Append(ctx context.Context, eventType, taskID, identity string, content map[string]any) (*Entry, error) {
	e, err := b.Store.Append(ctx, eventType, taskID, identity, content)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber; drop rather than block the writer
		}
	}
	b.mu.RUnlock()
	return e, nil
}

// Subscribe returns a buffered channel receiving new entries.
func (b *Bus) Subscribe() chan *Entry {
	ch := make(chan *Entry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan *Entry) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}
