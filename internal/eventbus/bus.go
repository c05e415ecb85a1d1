// Package eventbus fans notifications out to subscribers.
package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/storyguild/internal/notify"
)

// Bus is the explicit outbound channel of the engine. Publish never blocks;
// a subscriber whose buffer is full misses the notification.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *notify.Notification
	dropped     map[string]int
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *notify.Notification),
		dropped:     make(map[string]int),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *notify.Notification) {
	id := ulid.Make().String()
	ch := make(chan *notify.Notification, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		delete(b.dropped, id)
	}
	b.mu.Unlock()
}

// Publish stamps the id and creation time when unset.
func (b *Bus) Publish(n *notify.Notification) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
			b.dropped[id]++
		}
	}
}

// Dropped reports how many notifications a subscriber missed.
func (b *Bus) Dropped(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[id]
}
