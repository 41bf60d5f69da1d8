package events

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 64

// LocalBus is an in-process Broadcaster, ResultBus, and Lock. It backs tests
// and single-node development mode; production deployments use the redis
// implementations so events cross process boundaries.
type LocalBus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	results map[string]map[int]chan []byte
	locks   map[string]time.Time
	nextID  int
	nowFunc func() time.Time
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs:    make(map[int]chan Event),
		results: make(map[string]map[int]chan []byte),
		locks:   make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher. The
			// polling fallback covers the gap.
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *LocalBus) PublishResult(_ context.Context, group string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.results[group] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *LocalBus) SubscribeResults(_ context.Context, group string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.results[group] == nil {
		b.results[group] = make(map[int]chan []byte)
	}
	ch := make(chan []byte, subscriberBuffer)
	b.results[group][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.results[group][id]; ok {
			delete(b.results[group], id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *LocalBus) TryAcquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	if expiry, held := b.locks[name]; held && expiry.After(now) {
		return false, nil
	}
	b.locks[name] = now.Add(ttl)
	return true, nil
}

func (b *LocalBus) Release(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.locks, name)
	return nil
}
