package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryNotifier fans announcements out to in-process subscribers.
type MemoryNotifier struct {
	mu     sync.RWMutex
	subs   map[int]chan uuid.UUID
	nextID int
	buf    int
}

func NewMemoryNotifier(buffer int) *MemoryNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryNotifier{subs: make(map[int]chan uuid.UUID), buf: buffer}
}

// Publish never blocks; a subscriber with a full buffer misses the message.
func (n *MemoryNotifier) Publish(_ context.Context, jobID uuid.UUID) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- jobID:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(ctx context.Context, fn func(uuid.UUID)) error {
	ch := make(chan uuid.UUID, n.buf)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case jobID := <-ch:
			fn(jobID)
		}
	}
}

func (n *MemoryNotifier) Close() error {
	return nil
}
