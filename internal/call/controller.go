// Package call runs one participant's side of a consultation call: local
// media, the transport, the session row, and a single end result.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/peer"
	"teleconsult/internal/relay"
	"teleconsult/internal/session"
	"teleconsult/internal/transport"
	"teleconsult/pkg/logger"
)

type EndReason string

const (
	ReasonUserEnded         EndReason = "user_ended"
	ReasonRemoteLeft        EndReason = "remote_left"
	ReasonMediaDenied       EndReason = "media_denied"
	ReasonNegotiationFailed EndReason = "negotiation_failed"
	ReasonTransportError    EndReason = "transport_error"
)

// Result is the one outcome of a call. Err is set for the failure reasons.
type Result struct {
	Reason EndReason
	Err    error
}

var (
	ErrNotParty       = errors.New("call: user is not a party to the session")
	ErrEnded          = errors.New("call: already ended")
	ErrAlreadyStarted = errors.New("call: already started")
)

// Lifecycle is the part of the session manager a call drives.
type Lifecycle interface {
	MarkActive(ctx context.Context, id string) (session.Session, error)
	MarkEnded(ctx context.Context, id string) (session.Session, error)
}

type Options struct {
	Session  session.Session
	UserID   string
	Strategy transport.Strategy
	Source   media.Source
	// Grant is the channel token fetched for this call, if any.
	Grant *relay.Grant
	// Lifecycle is optional; without it the session row is left alone.
	Lifecycle Lifecycle

	// OnEnd is invoked exactly once with the call's result.
	OnEnd      func(Result)
	OnRemote   func(media.RemoteTrack)
	OnWarning  func(error)
	OnDegraded func(degraded bool)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const lifecycleTimeout = 5 * time.Second

// Controller is one call. It holds no global state; any number can run side
// by side.
type Controller struct {
	opts Options
	role peer.Role
	log  *slog.Logger

	mu        sync.Mutex
	started   bool
	ended     bool
	activated bool
	handle    transport.Handle
	tracks    media.LocalTracks

	endOnce sync.Once
	done    chan struct{}
	result  Result
}

func New(opts Options) (*Controller, error) {
	if opts.Strategy == nil || opts.Source == nil {
		return nil, errors.New("call: strategy and media source are required")
	}
	if opts.Session.ID == "" || opts.Session.ChannelName == "" {
		return nil, errors.New("call: session id and channel are required")
	}
	if !opts.Session.IsParty(opts.UserID) {
		return nil, ErrNotParty
	}
	role := peer.RoleResponder
	if opts.Session.CreatedBy == opts.UserID {
		role = peer.RoleInitiator
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{
		opts: opts,
		role: role,
		log:  logger.ForCall(log, opts.Session.ID, opts.Session.ChannelName, string(role)),
		done: make(chan struct{}),
	}, nil
}

// Role is initiator for the party that created the session.
func (c *Controller) Role() peer.Role { return c.role }

// Start joins the transport, acquires media through it and publishes. Any
// failure ends the call through OnEnd as well as being returned. Start runs
// at most once.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.ended:
		c.mu.Unlock()
		return ErrEnded
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()
	c.opts.Metrics.CallStarted()
	c.log.Info("call starting")

	handle, err := c.opts.Strategy.Join(ctx, transport.JoinParams{
		Channel: c.opts.Session.ChannelName,
		UserID:  c.opts.UserID,
		Role:    c.role,
		Grant:   c.opts.Grant,
	}, transport.Events{
		OnRemote:     c.onRemote,
		OnRemoteLeft: c.onRemoteLeft,
		OnDegraded:   c.onDegraded,
		OnFailure:    c.onFailure,
	})
	if err != nil {
		err = fmt.Errorf("call: join: %w", err)
		c.finish(Result{Reason: ReasonTransportError, Err: err})
		return err
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		_ = handle.Leave()
		return ErrEnded
	}
	c.handle = handle
	c.mu.Unlock()

	acq, err := handle.AcquireMedia(ctx, c.opts.Source)
	for _, w := range acq.Warnings {
		if c.opts.OnWarning != nil && !c.isEnded() {
			c.opts.OnWarning(w)
		}
	}
	if err != nil {
		if c.isEnded() || errors.Is(err, transport.ErrLeft) {
			return ErrEnded
		}
		reason := ReasonTransportError
		if errors.Is(err, media.ErrNoMedia) {
			reason = ReasonMediaDenied
		}
		c.finish(Result{Reason: reason, Err: err})
		return err
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrEnded
	}
	c.tracks = acq.Tracks
	c.mu.Unlock()

	if err := handle.Publish(ctx); err != nil {
		if c.isEnded() {
			return ErrEnded
		}
		err = fmt.Errorf("call: publish: %w", err)
		c.finish(Result{Reason: reasonFor(err), Err: err})
		return err
	}
	c.activate(ctx)
	return nil
}

// activate marks the session active. A refusal is logged, not fatal: the
// media token was the gate.
func (c *Controller) activate(ctx context.Context) {
	if c.opts.Lifecycle == nil {
		return
	}
	ctx = session.WithActor(ctx, c.opts.UserID)
	if _, err := c.opts.Lifecycle.MarkActive(ctx, c.opts.Session.ID); err != nil {
		c.log.Warn("session not marked active", "error", err)
		return
	}
	c.mu.Lock()
	c.activated = true
	ended := c.ended
	c.mu.Unlock()
	// The call ended while the row was being updated.
	if ended {
		c.markEnded()
	}
}

func (c *Controller) markEnded() {
	ctx, cancel := context.WithTimeout(session.WithActor(context.Background(), c.opts.UserID), lifecycleTimeout)
	defer cancel()
	if _, err := c.opts.Lifecycle.MarkEnded(ctx, c.opts.Session.ID); err != nil {
		c.log.Warn("session not marked ended", "error", err)
	}
}

// ToggleMic flips the microphone and returns the new enabled state.
func (c *Controller) ToggleMic() (bool, error) {
	return c.toggle(func(l media.LocalTracks) media.Track { return l.Audio }, media.ErrMicrophoneUnavailable,
		func(h transport.Handle, on bool) error { return h.SetAudioEnabled(on) })
}

// ToggleCamera flips the camera and returns the new enabled state.
func (c *Controller) ToggleCamera() (bool, error) {
	return c.toggle(func(l media.LocalTracks) media.Track { return l.Video }, media.ErrCameraUnavailable,
		func(h transport.Handle, on bool) error { return h.SetVideoEnabled(on) })
}

func (c *Controller) toggle(pick func(media.LocalTracks) media.Track, missing error, apply func(transport.Handle, bool) error) (bool, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false, ErrEnded
	}
	t, h := pick(c.tracks), c.handle
	c.mu.Unlock()
	if t == nil {
		return false, missing
	}
	on := !t.Enabled()
	if h == nil {
		t.SetEnabled(on)
		return on, nil
	}
	if err := apply(h, on); err != nil {
		return t.Enabled(), err
	}
	return on, nil
}

// EndCall hangs up. Safe to call any number of times, from any state.
func (c *Controller) EndCall() {
	c.finish(Result{Reason: ReasonUserEnded})
}

// Done is closed once the call has ended and OnEnd has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Result is meaningful after Done is closed.
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Controller) onRemote(t media.RemoteTrack) {
	if c.isEnded() {
		return
	}
	c.log.Info("remote media", "kind", string(t.Kind), "participant", t.Participant)
	if c.opts.OnRemote != nil {
		c.opts.OnRemote(t)
	}
}

func (c *Controller) onRemoteLeft(participant string) {
	c.log.Info("remote participant left", "participant", participant)
	c.finish(Result{Reason: ReasonRemoteLeft})
}

func (c *Controller) onDegraded(degraded bool) {
	if c.isEnded() {
		return
	}
	c.log.Warn("connectivity changed", "degraded", degraded)
	if c.opts.OnDegraded != nil {
		c.opts.OnDegraded(degraded)
	}
}

func (c *Controller) onFailure(err error) {
	c.finish(Result{Reason: reasonFor(err), Err: err})
}

func (c *Controller) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// finish is the only teardown path. The first caller wins; everything later
// is discarded.
func (c *Controller) finish(r Result) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		c.result = r
		h, tracks, started, activated := c.handle, c.tracks, c.started, c.activated
		c.mu.Unlock()

		if h != nil {
			if err := h.Leave(); err != nil {
				c.log.Warn("transport leave", "error", err)
			}
		}
		tracks.StopAll()

		if activated {
			c.markEnded()
		}
		if started {
			c.opts.Metrics.CallEnded(string(r.Reason))
		}
		if r.Err != nil {
			c.log.Error("call ended", "reason", string(r.Reason), "error", r.Err)
		} else {
			c.log.Info("call ended", "reason", string(r.Reason))
		}
		if c.opts.OnEnd != nil {
			c.opts.OnEnd(r)
		}
		close(c.done)
	})
}

func reasonFor(err error) EndReason {
	if errors.Is(err, peer.ErrNegotiation) {
		return ReasonNegotiationFailed
	}
	return ReasonTransportError
}
