package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/signaling"
	"teleconsult/pkg/logger"
)

// Events are the upward notifications of a Controller. Any may be nil. They
// are never invoked while the controller holds its lock, so handlers may call
// back into it.
type Events struct {
	OnState       func(State)
	OnRemoteTrack func(media.RemoteTrack)
	// OnHangup fires when the other participant announces it is leaving.
	OnHangup func(from string)
	// OnFailure fires once the controller has entered StateError from an
	// asynchronous path (inbound negotiation or connectivity).
	OnFailure func(error)
}

type Options struct {
	Role Role
	// Self is this participant's sender id on the signaling channel.
	Self    string
	Conn    Conn
	Events  Events
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Controller owns one Conn for the lifetime of a call. All inbound signaling
// goes through Handle; results that arrive after Leave are discarded.
type Controller struct {
	role    Role
	self    string
	conn    Conn
	events  Events
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	machine    *fsm.FSM
	closed     bool
	ch         signaling.Channel
	tracks     media.LocalTracks
	offerID    string
	answered   bool
	remoteSet  bool
	remotePeer string
	pending    []webrtc.ICECandidateInit
	seen       map[string]struct{}
	notes      []func()
}

func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		role:    opts.Role,
		self:    opts.Self,
		conn:    opts.Conn,
		events:  opts.Events,
		log:     log.With("peer_role", string(opts.Role)),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		machine: newMachine(),
		seen:    make(map[string]struct{}),
	}
	c.conn.OnICECandidate(c.onLocalCandidate)
	c.conn.OnConnectionStateChange(c.onConnectionState)
	c.conn.OnTrack(c.onRemoteTrack)
	return c
}

func (c *Controller) Role() Role { return c.role }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.machine.Current())
}

// LocalTracks returns the tracks attached by AcquireLocalMedia.
func (c *Controller) LocalTracks() media.LocalTracks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks
}

// AcquireLocalMedia opens microphone and camera and attaches whatever opened.
// A missing device is returned as a warning in the Acquisition; no device at
// all is media.ErrNoMedia and leaves the controller in StateError. If Leave
// runs while devices are opening, the opened tracks are stopped and ErrClosed
// returned.
func (c *Controller) AcquireLocalMedia(ctx context.Context, src media.Source) (media.Acquisition, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return media.Acquisition{}, ErrClosed
	}
	if !c.transitionLocked(evAcquire) {
		st := c.machine.Current()
		c.mu.Unlock()
		return media.Acquisition{}, fmt.Errorf("%w: acquire in %s", ErrInvalidState, st)
	}
	c.unlockAndNotify()

	acq, err := media.Acquire(ctx, src)

	c.mu.Lock()
	defer c.unlockAndNotify()
	if c.closed {
		acq.Tracks.StopAll()
		return media.Acquisition{}, ErrClosed
	}
	for _, w := range acq.Warnings {
		device := media.WarningDevice(w)
		c.metrics.MediaWarning(device)
		c.log.Warn("local media device unavailable", "device", device, "error", w)
	}
	if err != nil {
		c.failLocked(err, false)
		return acq, err
	}
	if err := c.attachLocked(acq.Tracks); err != nil {
		acq.Tracks.StopAll()
		return media.Acquisition{}, err
	}
	return acq, nil
}

func (c *Controller) attachLocked(tracks media.LocalTracks) error {
	if c.ch != nil || !c.tracks.Empty() {
		return fmt.Errorf("%w: attach in %s", ErrInvalidState, c.machine.Current())
	}
	for _, t := range tracks.List() {
		if err := c.conn.AddTrack(t); err != nil {
			c.failLocked(err, false)
			return err
		}
	}
	c.tracks = tracks
	return nil
}

// Join starts routing ch's messages into Handle. The controller does not own
// ch and never closes it.
func (c *Controller) Join(ch signaling.Channel) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ch != nil || !c.transitionLocked(evJoin) {
		st := c.machine.Current()
		c.mu.Unlock()
		return fmt.Errorf("%w: join in %s", ErrInvalidState, st)
	}
	c.ch = ch
	c.unlockAndNotify()

	go c.pump(ch)
	return nil
}

func (c *Controller) pump(ch signaling.Channel) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m, ok := <-ch.Messages():
			if !ok {
				c.onChannelClosed()
				return
			}
			if err := c.Handle(c.ctx, m); errors.Is(err, ErrClosed) {
				return
			}
		}
	}
}

// onChannelClosed handles the signaling channel going away under a live
// controller. Until the connection is up that leaves negotiation stuck, so it
// fails the call; afterwards media keeps flowing without signaling.
func (c *Controller) onChannelClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch State(c.machine.Current()) {
	case StateConnected, StateDegraded:
		c.log.Warn("signaling channel closed after connect")
	default:
		c.failLocked(fmt.Errorf("%w: signaling channel closed", ErrConnectionFailed), true)
	}
	c.unlockAndNotify()
}

// Offer creates the local offer and publishes it. Initiator only; a second
// call is a no-op.
func (c *Controller) Offer(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.role != RoleInitiator {
		c.mu.Unlock()
		return ErrWrongRole
	}
	if c.ch == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if c.offerID != "" {
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(evNegotiate)
	sd, err := c.conn.CreateOffer()
	if err != nil {
		err = fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)
		c.failLocked(err, false)
		c.unlockAndNotify()
		return err
	}
	m := signaling.NewOffer(c.self, sd)
	c.offerID = m.ID
	ch := c.ch
	c.unlockAndNotify()

	return c.publish(ctx, ch, m)
}

// Handle applies one inbound signaling message. Messages the role rules say
// to ignore are dropped and return nil; a non-nil error means negotiation
// failed and the controller is in StateError.
func (c *Controller) Handle(ctx context.Context, m signaling.Message) error {
	if err := m.Validate(); err != nil {
		c.drop(m, err.Error())
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ch == nil {
		c.mu.Unlock()
		return ErrNotJoined
	}
	c.metrics.SignalingMessage(string(m.Kind), "in")

	var (
		reply *signaling.Message
		err   error
	)
	switch m.Kind {
	case signaling.KindOffer:
		reply, err = c.onOfferLocked(m)
	case signaling.KindAnswer:
		err = c.onAnswerLocked(m)
	case signaling.KindCandidate:
		c.onCandidateLocked(m)
	case signaling.KindHangup:
		c.log.Info("remote participant hung up", "from", m.From)
		if fn := c.events.OnHangup; fn != nil {
			from := m.From
			c.notes = append(c.notes, func() { fn(from) })
		}
	}
	ch := c.ch
	c.unlockAndNotify()

	if reply != nil {
		if err := c.publish(ctx, ch, *reply); err != nil {
			c.log.Warn("publish answer failed", "error", err)
		}
	}
	return err
}

func (c *Controller) onOfferLocked(m signaling.Message) (*signaling.Message, error) {
	if c.role == RoleInitiator {
		c.drop(m, "initiator ignores offers")
		return nil, nil
	}
	if c.answered {
		c.drop(m, "already answered an offer")
		return nil, nil
	}
	if err := c.conn.SetRemoteDescription(*m.SDP); err != nil {
		err = fmt.Errorf("%w: apply offer: %w", ErrNegotiation, err)
		c.failLocked(err, true)
		return nil, err
	}
	c.remoteSet = true
	c.remotePeer = m.From
	c.flushCandidatesLocked()
	c.transitionLocked(evNegotiate)

	sd, err := c.conn.CreateAnswer()
	if err != nil {
		err = fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)
		c.failLocked(err, true)
		return nil, err
	}
	c.answered = true
	reply := signaling.NewAnswer(c.self, m.ID, sd)
	return &reply, nil
}

func (c *Controller) onAnswerLocked(m signaling.Message) error {
	switch {
	case c.role == RoleResponder:
		c.drop(m, "responder ignores answers")
		return nil
	case c.offerID == "":
		c.drop(m, "no offer outstanding")
		return nil
	case m.ReplyTo != "" && m.ReplyTo != c.offerID:
		c.drop(m, "answer to another offer")
		return nil
	case c.remoteSet:
		c.drop(m, "remote description already set")
		return nil
	}
	if err := c.conn.SetRemoteDescription(*m.SDP); err != nil {
		err = fmt.Errorf("%w: apply answer: %w", ErrNegotiation, err)
		c.failLocked(err, true)
		return err
	}
	c.remoteSet = true
	c.remotePeer = m.From
	c.flushCandidatesLocked()
	return nil
}

func (c *Controller) onCandidateLocked(m signaling.Message) {
	key := m.Candidate.Candidate
	if _, dup := c.seen[key]; dup {
		c.drop(m, "duplicate candidate")
		return
	}
	c.seen[key] = struct{}{}
	if !c.remoteSet {
		c.pending = append(c.pending, *m.Candidate)
		c.metrics.CandidateBuffered()
		return
	}
	c.addCandidateLocked(*m.Candidate)
}

func (c *Controller) flushCandidatesLocked() {
	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		c.addCandidateLocked(cand)
	}
}

// A rejected candidate costs one path, not the call.
func (c *Controller) addCandidateLocked(cand webrtc.ICECandidateInit) {
	if err := c.conn.AddICECandidate(cand); err != nil {
		c.log.Warn("remote candidate rejected", "candidate", cand.Candidate, "error", err)
	}
}

func (c *Controller) onLocalCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	ch := c.ch
	if c.closed || ch == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.publish(c.ctx, ch, signaling.NewCandidate(c.self, cand)); err != nil && c.ctx.Err() == nil {
		c.log.Warn("publish candidate failed", "error", err)
	}
}

func (c *Controller) onConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.log.Debug("connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.transitionLocked(evConnect)
	case webrtc.PeerConnectionStateDisconnected:
		c.transitionLocked(evDegrade)
	case webrtc.PeerConnectionStateFailed:
		c.transitionLocked(evDegrade)
		c.failLocked(ErrConnectionFailed, true)
	}
	c.unlockAndNotify()
}

func (c *Controller) onRemoteTrack(t media.RemoteTrack) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	t.Participant = c.remotePeer
	c.log.Info("remote track", "kind", string(t.Kind), "track_id", t.ID)
	if fn := c.events.OnRemoteTrack; fn != nil {
		c.notes = append(c.notes, func() { fn(t) })
	}
	c.unlockAndNotify()
}

// SetLocalAudioEnabled mutes or unmutes the microphone track in place.
func (c *Controller) SetLocalAudioEnabled(on bool) error {
	return c.setEnabled(func(l media.LocalTracks) media.Track { return l.Audio }, on)
}

// SetLocalVideoEnabled turns the camera track on or off in place.
func (c *Controller) SetLocalVideoEnabled(on bool) error {
	return c.setEnabled(func(l media.LocalTracks) media.Track { return l.Video }, on)
}

func (c *Controller) setEnabled(pick func(media.LocalTracks) media.Track, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t := pick(c.tracks)
	if t == nil {
		return ErrNoTrack
	}
	t.SetEnabled(on)
	return c.conn.SetTrackEnabled(t, on)
}

// Leave stops local tracks and closes the connection. It is safe at any
// point, including before setup finished, and only the first call acts.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.transitionLocked(evEnd)
	tracks := c.tracks
	c.pending = nil
	c.unlockAndNotify()

	tracks.StopAll()
	if err := c.conn.Close(); err != nil {
		c.log.Warn("close peer connection", "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, ch signaling.Channel, m signaling.Message) error {
	if err := ch.Publish(ctx, m); err != nil {
		return fmt.Errorf("peer: publish %s: %w", m.Kind, err)
	}
	c.metrics.SignalingMessage(string(m.Kind), "out")
	return nil
}

// transitionLocked reports whether ev applied in the current state.
func (c *Controller) transitionLocked(ev string) bool {
	if err := c.machine.Event(context.Background(), ev); err != nil {
		return false
	}
	st := State(c.machine.Current())
	c.log.Debug("peer state", "state", string(st))
	if fn := c.events.OnState; fn != nil {
		c.notes = append(c.notes, func() { fn(st) })
	}
	return true
}

func (c *Controller) failLocked(err error, report bool) {
	if !c.transitionLocked(evFail) {
		return
	}
	c.log.Error("peer failed", "error", err)
	if fn := c.events.OnFailure; report && fn != nil {
		c.notes = append(c.notes, func() { fn(err) })
	}
}

func (c *Controller) drop(m signaling.Message, why string) {
	c.metrics.SignalingMessage(string(m.Kind), "dropped")
	c.log.Debug("signaling message dropped", "kind", string(m.Kind), "id", m.ID, "reason", why)
}

func (c *Controller) unlockAndNotify() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}
