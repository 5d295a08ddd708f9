// Package transport hides how a call's media gets to the other party. Direct
// negotiates a peer connection over a signaling channel; Managed joins a room
// on an external relay. The call controller sees only Strategy and Handle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"teleconsult/internal/config"
	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/peer"
	"teleconsult/internal/relay"
	"teleconsult/internal/signaling"
)

// JoinParams identify one participant joining one call channel.
type JoinParams struct {
	Channel string
	UserID  string
	// Role decides who offers on the direct path; managed rooms ignore it.
	Role peer.Role
	// Grant is a pre-issued media token. Its UID is the participant id on
	// the channel. Managed issues one when nil.
	Grant *relay.Grant
}

// Events are delivered from transport goroutines. Any may be nil.
type Events struct {
	OnRemote func(media.RemoteTrack)
	// OnRemoteLeft fires when the other participant leaves or hangs up.
	OnRemoteLeft func(participant string)
	// OnDegraded reports transient connectivity loss and recovery.
	OnDegraded func(degraded bool)
	// OnFailure is terminal; the handle is unusable afterwards.
	OnFailure func(error)
}

type Strategy interface {
	Join(ctx context.Context, p JoinParams, ev Events) (Handle, error)
}

// Handle is one joined call. AcquireMedia runs once, before Publish, and the
// handle owns the tracks from then on. Leave is idempotent and stops them.
type Handle interface {
	// AcquireMedia opens microphone and camera. A missing device is a
	// warning in the Acquisition; no device at all is media.ErrNoMedia.
	AcquireMedia(ctx context.Context, src media.Source) (media.Acquisition, error)
	Publish(ctx context.Context) error
	SetAudioEnabled(on bool) error
	SetVideoEnabled(on bool) error
	Leave() error
}

var (
	ErrNoTrack     = errors.New("transport: no such local track")
	ErrUnavailable = errors.New("transport: strategy not configured")
	// ErrLeft is returned by a handle used after Leave.
	ErrLeft = errors.New("transport: call already left")
)

// Deps are the collaborators either strategy may need.
type Deps struct {
	Broker  signaling.Broker
	NewConn func() (peer.Conn, error)
	Issuer  relay.Issuer
	Rooms   RoomClient
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Select builds the strategy named by mode.
func Select(mode config.RelayMode, d Deps) (Strategy, error) {
	switch mode {
	case config.RelayModeDirect, "":
		if d.Broker == nil || d.NewConn == nil {
			return nil, fmt.Errorf("%w: direct needs a signaling broker and a connection factory", ErrUnavailable)
		}
		return &Direct{Broker: d.Broker, NewConn: d.NewConn, Logger: d.Logger, Metrics: d.Metrics}, nil
	case config.RelayModeManaged:
		if d.Rooms == nil {
			return nil, fmt.Errorf("%w: managed needs a relay room client", ErrUnavailable)
		}
		return &Managed{Issuer: d.Issuer, Rooms: d.Rooms, Logger: d.Logger, Metrics: d.Metrics}, nil
	default:
		return nil, fmt.Errorf("%w: unknown relay mode %q", ErrUnavailable, mode)
	}
}
