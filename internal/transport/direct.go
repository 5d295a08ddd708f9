package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/peer"
	"teleconsult/internal/signaling"
	"teleconsult/pkg/logger"
)

const hangupTimeout = 2 * time.Second

// Direct runs a peer.Controller over a signaling channel.
type Direct struct {
	Broker  signaling.Broker
	NewConn func() (peer.Conn, error)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Join subscribes to the channel and prepares the connection. Negotiation
// starts at Publish so the local tracks are in the first offer or answer.
func (d *Direct) Join(ctx context.Context, p JoinParams, ev Events) (Handle, error) {
	log := d.Logger
	if log == nil {
		log = logger.Discard()
	}
	// One id per join, so a second device of the same user is a distinct
	// participant. A grant's uid is what the gateway stamps on our messages.
	self := uuid.NewString()
	if p.Grant != nil && p.Grant.UID != "" {
		self = p.Grant.UID
	}

	ch, err := d.Broker.Subscribe(ctx, p.Channel, self)
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", p.Channel, err)
	}
	conn, err := d.NewConn()
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("transport: new connection: %w", err)
	}

	h := &directHandle{self: self, role: p.Role, ch: ch, log: log.With("participant", self)}
	h.ctrl = peer.New(peer.Options{
		Role:    p.Role,
		Self:    self,
		Conn:    conn,
		Logger:  log,
		Metrics: d.Metrics,
		Events: peer.Events{
			OnState: func(s peer.State) {
				if ev.OnDegraded == nil {
					return
				}
				switch s {
				case peer.StateDegraded:
					ev.OnDegraded(true)
				case peer.StateConnected:
					ev.OnDegraded(false)
				}
			},
			OnRemoteTrack: ev.OnRemote,
			OnHangup:      ev.OnRemoteLeft,
			OnFailure:     ev.OnFailure,
		},
	})
	return h, nil
}

type directHandle struct {
	self string
	role peer.Role
	ch   signaling.Channel
	ctrl *peer.Controller
	log  *slog.Logger

	joined atomic.Bool
	once   sync.Once
}

func (h *directHandle) AcquireMedia(ctx context.Context, src media.Source) (media.Acquisition, error) {
	acq, err := h.ctrl.AcquireLocalMedia(ctx, src)
	return acq, mapPeerErr(err)
}

func (h *directHandle) Publish(ctx context.Context) error {
	if err := h.ctrl.Join(h.ch); err != nil {
		return mapPeerErr(err)
	}
	h.joined.Store(true)
	if h.role == peer.RoleInitiator {
		return mapPeerErr(h.ctrl.Offer(ctx))
	}
	return nil
}

func (h *directHandle) SetAudioEnabled(on bool) error {
	return mapPeerErr(h.ctrl.SetLocalAudioEnabled(on))
}

func (h *directHandle) SetVideoEnabled(on bool) error {
	return mapPeerErr(h.ctrl.SetLocalVideoEnabled(on))
}

// Leave announces the hangup best-effort if the call was published, then
// tears down the connection and unsubscribes.
func (h *directHandle) Leave() error {
	var err error
	h.once.Do(func() {
		if h.joined.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
			defer cancel()
			if perr := h.ch.Publish(ctx, signaling.NewHangup(h.self)); perr != nil {
				h.log.Debug("hangup not delivered", "error", perr)
			}
		}
		h.ctrl.Leave()
		err = h.ch.Close()
	})
	return err
}

func mapPeerErr(err error) error {
	switch {
	case errors.Is(err, peer.ErrNoTrack):
		return ErrNoTrack
	case errors.Is(err, peer.ErrClosed):
		return fmt.Errorf("%w: %w", ErrLeft, err)
	}
	return err
}
