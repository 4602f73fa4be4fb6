package memory

import (
	"context"
	"sync"

	"spectre.c2/internal/core/ports"
)

// Bus is a process-local event bus used when no redis is configured and in
// tests. Fan-out is best-effort: a subscriber that stops draining loses
// events instead of blocking publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan ports.Event
	next int
}

var _ ports.EventBus = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ports.Event)}
}

func (b *Bus) Publish(ctx context.Context, event ports.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan ports.Event, error) {
	ch := make(chan ports.Event, 64)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
