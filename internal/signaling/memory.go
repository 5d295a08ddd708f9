package signaling

import (
	"context"
	"sync"
)

// Hub is an in-process Broker. Topics keep their history so a participant
// that subscribes late still sees the earlier offer, matching the stream-backed
// broker.
type Hub struct {
	maxPeers int

	mu     sync.Mutex
	topics map[string]*hubTopic
}

type hubTopic struct {
	history []Message
	subs    map[*hubChannel]struct{}
}

func NewHub(maxPeers int) *Hub {
	if maxPeers <= 0 {
		maxPeers = 2
	}
	return &Hub{maxPeers: maxPeers, topics: make(map[string]*hubTopic)}
}

func (h *Hub) Subscribe(ctx context.Context, name, participantID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || participantID == "" {
		return nil, ErrMalformed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[name]
	if t == nil {
		t = &hubTopic{subs: make(map[*hubChannel]struct{})}
		h.topics[name] = t
	}
	for sub := range t.subs {
		if sub.box.self == participantID {
			return nil, ErrParticipantTaken
		}
	}
	if len(t.subs) >= h.maxPeers {
		return nil, ErrChannelFull
	}

	c := &hubChannel{hub: h, name: name, box: newMailbox(participantID)}
	for _, m := range t.history {
		c.box.push(m)
	}
	t.subs[c] = struct{}{}
	return c, nil
}

// Inject delivers m to every current subscriber as if it had been published.
// Used by tests to simulate redelivery and foreign senders.
func (h *Hub) Inject(name string, m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[name]; t != nil {
		h.deliverLocked(t, m)
	}
}

// Subscribers returns the live subscriber count for name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[name]; t != nil {
		return len(t.subs)
	}
	return 0
}

// History returns a copy of everything published on name.
func (h *Hub) History(name string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[name]
	if t == nil {
		return nil
	}
	out := make([]Message, len(t.history))
	copy(out, t.history)
	return out
}

func (h *Hub) deliverLocked(t *hubTopic, m Message) {
	t.history = append(t.history, m)
	for sub := range t.subs {
		sub.box.push(m)
	}
}

type hubChannel struct {
	hub  *Hub
	name string
	box  *mailbox
}

func (c *hubChannel) Name() string { return c.name }

func (c *hubChannel) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.box.closed() {
		return ErrClosed
	}
	if err := m.Validate(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if t := c.hub.topics[c.name]; t != nil {
		c.hub.deliverLocked(t, m)
	}
	return nil
}

func (c *hubChannel) Messages() <-chan Message { return c.box.out }

func (c *hubChannel) Close() error {
	c.hub.mu.Lock()
	if t := c.hub.topics[c.name]; t != nil {
		delete(t.subs, c)
		if len(t.subs) == 0 {
			delete(c.hub.topics, c.name)
		}
	}
	c.hub.mu.Unlock()
	c.box.close()
	return nil
}
