package syncspace

import "sync"

// BroadcastMessage notifies sibling execution contexts that a shared key
// changed, carrying the new value so subscribers need no storage read.
type BroadcastMessage struct {
	Key     string
	Payload []byte
}

// Broadcast is the cross-context change channel. Delivery is best
// effort: a subscriber that falls behind misses messages and reconciles
// on its next direct read. One hub is shared by every context that
// mutates the same store.
type Broadcast struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan BroadcastMessage
}

func NewBroadcast() *Broadcast {
	return &Broadcast{subs: map[int]chan BroadcastMessage{}}
}

func (b *Broadcast) Subscribe() (<-chan BroadcastMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan BroadcastMessage, 16)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

func (b *Broadcast) Publish(msg BroadcastMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
