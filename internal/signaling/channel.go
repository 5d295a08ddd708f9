package signaling

import (
	"context"
	"sync"
)

// Broker opens subscriptions on named call topics.
type Broker interface {
	// Subscribe returns once the subscription is live. participantID is the
	// caller's sender id: messages it publishes carry it in From and are not
	// delivered back to it. A topic holds at most two participants.
	Subscribe(ctx context.Context, name, participantID string) (Channel, error)
}

// Channel is one participant's subscription to a call topic.
type Channel interface {
	Name() string
	Publish(ctx context.Context, m Message) error
	// Messages yields the other participant's messages in per-sender order,
	// without echoes or duplicates. Closed after Close.
	Messages() <-chan Message
	// Close unsubscribes. Safe to call more than once.
	Close() error
}

// mailbox is an unbounded, ordered inbox feeding one subscriber. It drops the
// subscriber's own messages and any message id it has already delivered.
type mailbox struct {
	self string

	mu     sync.Mutex
	queue  []Message
	seen   map[string]struct{}
	notify chan struct{}

	out  chan Message
	done chan struct{}
	once sync.Once
}

func newMailbox(self string) *mailbox {
	b := &mailbox{
		self:   self,
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
		out:    make(chan Message),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// push reports whether m was accepted for delivery.
func (b *mailbox) push(m Message) bool {
	if m.From == b.self {
		return false
	}
	b.mu.Lock()
	if _, dup := b.seen[m.ID]; dup {
		b.mu.Unlock()
		return false
	}
	b.seen[m.ID] = struct{}{}
	b.queue = append(b.queue, m)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) run() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			select {
			case <-b.notify:
				continue
			case <-b.done:
				return
			}
		}
		m := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.out <- m:
		case <-b.done:
			return
		}
	}
}

func (b *mailbox) close() {
	b.once.Do(func() { close(b.done) })
}

func (b *mailbox) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
