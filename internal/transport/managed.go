package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/relay"
	"teleconsult/pkg/logger"
)

// RoomClient is the binding to a managed relay's client SDK.
type RoomClient interface {
	Join(ctx context.Context, grant relay.Grant, ev RoomEvents) (Room, error)
}

// RoomEvents are raised by the relay SDK.
type RoomEvents struct {
	OnTrack           func(media.RemoteTrack)
	OnParticipantLeft func(uid string)
	OnReconnecting    func()
	OnReconnected     func()
	OnDisconnected    func(err error)
}

// Room is one joined relay room.
type Room interface {
	Publish(ctx context.Context, tracks []media.Track) error
	SetMuted(t media.Track, muted bool) error
	Leave() error
}

// Managed exchanges the channel name for a relay token and joins the relay
// room of the same name. Both parties join alike; there is no offerer.
type Managed struct {
	Issuer  relay.Issuer
	Rooms   RoomClient
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (m *Managed) Join(ctx context.Context, p JoinParams, ev Events) (Handle, error) {
	log := m.Logger
	if log == nil {
		log = logger.Discard()
	}
	var grant relay.Grant
	switch {
	case p.Grant != nil:
		grant = *p.Grant
	case m.Issuer != nil:
		g, err := m.Issuer.Issue(ctx, relay.Request{Channel: p.Channel, Role: relay.RolePublisher, UserID: p.UserID})
		if err != nil {
			return nil, fmt.Errorf("transport: relay token: %w", err)
		}
		grant = g
	default:
		return nil, fmt.Errorf("%w: no relay grant and no issuer", ErrUnavailable)
	}

	h := &managedHandle{log: log, metrics: m.Metrics}
	room, err := m.Rooms.Join(ctx, grant, RoomEvents{
		OnTrack: func(t media.RemoteTrack) {
			if ev.OnRemote != nil && !h.left() {
				ev.OnRemote(t)
			}
		},
		OnParticipantLeft: func(uid string) {
			if ev.OnRemoteLeft != nil && !h.left() {
				ev.OnRemoteLeft(uid)
			}
		},
		OnReconnecting: func() {
			if ev.OnDegraded != nil && !h.left() {
				ev.OnDegraded(true)
			}
		},
		OnReconnected: func() {
			if ev.OnDegraded != nil && !h.left() {
				ev.OnDegraded(false)
			}
		},
		OnDisconnected: func(err error) {
			if ev.OnFailure != nil && !h.left() {
				ev.OnFailure(fmt.Errorf("transport: relay disconnected: %w", err))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: join relay room %s: %w", grant.Channel, err)
	}
	h.mu.Lock()
	h.room = room
	h.mu.Unlock()
	log.Info("joined relay room", "channel", grant.Channel, "uid", grant.UID)
	return h, nil
}

type managedHandle struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	room     Room
	tracks   media.LocalTracks
	acquired bool
	done     bool
}

func (h *managedHandle) left() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *managedHandle) AcquireMedia(ctx context.Context, src media.Source) (media.Acquisition, error) {
	h.mu.Lock()
	switch {
	case h.done:
		h.mu.Unlock()
		return media.Acquisition{}, ErrLeft
	case h.acquired:
		h.mu.Unlock()
		return media.Acquisition{}, errors.New("transport: media already acquired")
	}
	h.acquired = true
	h.mu.Unlock()

	acq, err := media.Acquire(ctx, src)
	for _, w := range acq.Warnings {
		device := media.WarningDevice(w)
		h.metrics.MediaWarning(device)
		h.log.Warn("local media device unavailable", "device", device, "error", w)
	}
	if err != nil {
		return acq, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		acq.Tracks.StopAll()
		return media.Acquisition{}, ErrLeft
	}
	h.tracks = acq.Tracks
	return acq, nil
}

func (h *managedHandle) Publish(ctx context.Context) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return ErrLeft
	}
	tracks, room := h.tracks, h.room
	h.mu.Unlock()
	if tracks.Empty() {
		return fmt.Errorf("transport: publish before media acquired: %w", media.ErrNoMedia)
	}
	if err := room.Publish(ctx, tracks.List()); err != nil {
		return fmt.Errorf("transport: publish to relay: %w", err)
	}
	return nil
}

func (h *managedHandle) SetAudioEnabled(on bool) error {
	return h.setEnabled(func(l media.LocalTracks) media.Track { return l.Audio }, on)
}

func (h *managedHandle) SetVideoEnabled(on bool) error {
	return h.setEnabled(func(l media.LocalTracks) media.Track { return l.Video }, on)
}

func (h *managedHandle) setEnabled(pick func(media.LocalTracks) media.Track, on bool) error {
	h.mu.Lock()
	t, room := pick(h.tracks), h.room
	h.mu.Unlock()
	if t == nil {
		return ErrNoTrack
	}
	t.SetEnabled(on)
	return room.SetMuted(t, !on)
}

func (h *managedHandle) Leave() error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	room, tracks := h.room, h.tracks
	h.mu.Unlock()
	tracks.StopAll()
	return room.Leave()
}
