package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
// Subscribers receive the latest row on a buffered channel of one; an unread
// value is replaced by a newer one.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	channels map[string]string
	subs     map[string]map[*memorySub]struct{}

	// WriteErr, when set, is returned by Create and UpdateStatus.
	WriteErr error
}

type memorySub struct {
	ch chan Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		channels: make(map[string]string),
		subs:     make(map[string]map[*memorySub]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, m.WriteErr)
	}
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrPersistence, s.ID)
	}
	if _, ok := m.channels[s.ChannelName]; ok {
		return fmt.Errorf("%w: duplicate channel %s", ErrPersistence, s.ChannelName)
	}
	m.sessions[s.ID] = s
	m.channels[s.ChannelName] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) FindByCode(_ context.Context, code, doctorID string, since time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.AccessCode == code && s.DoctorID == doctorID && !s.CreatedAt.Before(since) {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListOpenByDoctor(_ context.Context, doctorID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.DoctorID == doctorID && !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, u StatusUpdate) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrPersistence, m.WriteErr)
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status != u.From {
		return s, ErrStaleStatus
	}
	s = applyStatusUpdate(s, u)
	m.sessions[id] = s
	m.publishLocked(s)
	return s, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan Session, error) {
	sub := &memorySub{ch: make(chan Session, 1)}

	m.mu.Lock()
	if m.subs[id] == nil {
		m.subs[id] = make(map[*memorySub]struct{})
	}
	m.subs[id][sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[id], sub)
		if len(m.subs[id]) == 0 {
			delete(m.subs, id)
		}
		close(sub.ch)
		m.mu.Unlock()
	}()
	return sub.ch, nil
}

// Subscribers returns how many live subscriptions exist for id.
func (m *MemoryStore) Subscribers(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[id])
}

// Put overwrites a row without transition checks. Test helper for seeding state.
func (m *MemoryStore) Put(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.channels[s.ChannelName] = s.ID
	m.publishLocked(s)
}

func (m *MemoryStore) publishLocked(s Session) {
	for sub := range m.subs[s.ID] {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- s
	}
}

func sortNewestFirst(ss []Session) {
	sort.SliceStable(ss, func(i, j int) bool {
		if !ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].CreatedAt.After(ss[j].CreatedAt)
		}
		return ss[i].ID > ss[j].ID
	})
}
