package peer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/peer/peertest"
	"teleconsult/internal/signaling"
)

func sdpOf(t webrtc.SDPType) webrtc.SessionDescription { return peertest.Description(t) }

func cand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

type recorder struct {
	mu       sync.Mutex
	states   []State
	tracks   []media.RemoteTrack
	hangups  []string
	failures []error
}

func (r *recorder) events() Events {
	return Events{
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnRemoteTrack: func(t media.RemoteTrack) {
			r.mu.Lock()
			r.tracks = append(r.tracks, t)
			r.mu.Unlock()
		},
		OnHangup: func(from string) {
			r.mu.Lock()
			r.hangups = append(r.hangups, from)
			r.mu.Unlock()
		},
		OnFailure: func(err error) {
			r.mu.Lock()
			r.failures = append(r.failures, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) hungUp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hangups) > 0
}

func (r *recorder) failureList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}

type fixture struct {
	hub    *signaling.Hub
	conn   *peertest.Conn
	rec    *recorder
	reg    *prometheus.Registry
	ctrl   *Controller
	local  signaling.Channel
	remote signaling.Channel
}

func newFixture(t *testing.T, role Role) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		hub:  signaling.NewHub(2),
		conn: peertest.New(),
		rec:  &recorder{},
		reg:  prometheus.NewRegistry(),
	}
	f.ctrl = New(Options{
		Role:    role,
		Self:    "local",
		Conn:    f.conn,
		Events:  f.rec.events(),
		Metrics: metrics.New(f.reg),
	})
	var err error
	f.local, err = f.hub.Subscribe(ctx, "consult-1", "local")
	require.NoError(t, err)
	f.remote, err = f.hub.Subscribe(ctx, "consult-1", "remote")
	require.NoError(t, err)
	t.Cleanup(func() {
		f.ctrl.Leave()
		_ = f.local.Close()
		_ = f.remote.Close()
	})
	return f
}

// join acquires both static devices and subscribes the controller.
func (f *fixture) join(t *testing.T) {
	t.Helper()
	_, err := f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{})
	require.NoError(t, err)
	require.NoError(t, f.ctrl.Join(f.local))
}

// sync publishes a hangup and waits for it, so everything the remote sent
// before it has been handled.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.remote.Publish(context.Background(), signaling.NewHangup("remote")))
	require.Eventually(t, f.rec.hungUp, time.Second, 5*time.Millisecond)
}

// negotiate runs an initiator through offer and answer.
func (f *fixture) negotiate(t *testing.T) {
	t.Helper()
	f.join(t)
	require.NoError(t, f.ctrl.Offer(context.Background()))
	offer := next(t, f.remote)
	require.NoError(t, f.remote.Publish(context.Background(), signaling.NewAnswer("remote", offer.ID, sdpOf(webrtc.SDPTypeAnswer))))
	require.Eventually(t, func() bool {
		return len(f.conn.Remote()) == 1
	}, time.Second, 5*time.Millisecond)
}

func next(t *testing.T, ch signaling.Channel) signaling.Message {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return signaling.Message{}
	}
}

func TestInitiator_AppliesCandidatesBufferedBeforeAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RoleInitiator)
	f.join(t)
	require.NoError(t, f.ctrl.Offer(ctx))

	offer := next(t, f.remote)
	assert.Equal(t, signaling.KindOffer, offer.Kind)
	assert.Equal(t, "local", offer.From)
	assert.Equal(t, StateNegotiating, f.ctrl.State())

	require.NoError(t, f.remote.Publish(ctx, signaling.NewCandidate("remote", cand("c1"))))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewAnswer("remote", offer.ID, sdpOf(webrtc.SDPTypeAnswer))))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewAnswer("remote", offer.ID, sdpOf(webrtc.SDPTypeAnswer))))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewCandidate("remote", cand("c2"))))
	f.sync(t)

	assert.Len(t, f.conn.Remote(), 1, "second answer must be ignored")
	assert.Equal(t, []string{"c1", "c2"}, f.conn.Candidates())

	expected := `
# HELP teleconsult_ice_candidates_buffered_total Remote ICE candidates queued until the remote description was set.
# TYPE teleconsult_ice_candidates_buffered_total counter
teleconsult_ice_candidates_buffered_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "teleconsult_ice_candidates_buffered_total"))
}

func TestInitiator_IgnoresOffersAndForeignAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RoleInitiator)
	f.join(t)
	require.NoError(t, f.ctrl.Offer(ctx))
	next(t, f.remote)

	require.NoError(t, f.remote.Publish(ctx, signaling.NewOffer("remote", sdpOf(webrtc.SDPTypeOffer))))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewAnswer("remote", "some-other-offer", sdpOf(webrtc.SDPTypeAnswer))))
	f.sync(t)

	assert.Empty(t, f.conn.Remote())
	assert.Len(t, f.conn.Local(), 1, "initiator never answers")
	assert.Equal(t, StateNegotiating, f.ctrl.State())
}

func TestInitiator_SecondOfferIsNoop(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	f.join(t)
	require.NoError(t, f.ctrl.Offer(context.Background()))
	require.NoError(t, f.ctrl.Offer(context.Background()))
	assert.Len(t, f.conn.Local(), 1)
}

func TestResponder_AnswersFirstOfferOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RoleResponder)
	f.join(t)
	assert.True(t, errors.Is(f.ctrl.Offer(ctx), ErrWrongRole))

	first := signaling.NewOffer("remote", sdpOf(webrtc.SDPTypeOffer))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewCandidate("remote", cand("c1"))))
	require.NoError(t, f.remote.Publish(ctx, first))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewOffer("remote", sdpOf(webrtc.SDPTypeOffer))))
	require.NoError(t, f.remote.Publish(ctx, signaling.NewAnswer("remote", "", sdpOf(webrtc.SDPTypeAnswer))))
	// Same candidate under a new message id.
	require.NoError(t, f.remote.Publish(ctx, signaling.NewCandidate("remote", cand("c1"))))
	f.sync(t)

	got := next(t, f.remote)
	assert.Equal(t, signaling.KindAnswer, got.Kind)
	assert.Equal(t, first.ID, got.ReplyTo)

	assert.Len(t, f.conn.Remote(), 1)
	assert.Len(t, f.conn.Local(), 1)
	assert.Equal(t, []string{"c1"}, f.conn.Candidates())
	assert.Equal(t, StateNegotiating, f.ctrl.State())

	answers := 0
	for _, m := range f.hub.History("consult-1") {
		if m.Kind == signaling.KindAnswer && m.From == "local" {
			answers++
		}
	}
	assert.Equal(t, 1, answers)
}

func TestResponder_BadOfferFailsNegotiation(t *testing.T) {
	f := newFixture(t, RoleResponder)
	f.conn.FailRemote(errors.New("unsupported codec"))
	f.join(t)

	require.NoError(t, f.remote.Publish(context.Background(), signaling.NewOffer("remote", sdpOf(webrtc.SDPTypeOffer))))
	require.Eventually(t, func() bool { return len(f.rec.failureList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(f.rec.failureList()[0], ErrNegotiation))
	assert.Equal(t, StateError, f.ctrl.State())
}

func TestController_DegradedIsNotTerminal(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	f.negotiate(t)

	f.conn.EmitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, f.ctrl.State())
	f.conn.EmitState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, StateDegraded, f.ctrl.State())
	f.conn.EmitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, f.ctrl.State())

	assert.Empty(t, f.rec.failureList())
	f.rec.mu.Lock()
	assert.Contains(t, f.rec.states, StateDegraded)
	f.rec.mu.Unlock()
}

func TestController_FailedConnectionReportedOnce(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	f.negotiate(t)
	f.conn.EmitState(webrtc.PeerConnectionStateConnected)

	f.conn.EmitState(webrtc.PeerConnectionStateFailed)
	f.conn.EmitState(webrtc.PeerConnectionStateFailed)

	failures := f.rec.failureList()
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0], ErrConnectionFailed))
	assert.Equal(t, StateError, f.ctrl.State())
}

func TestController_PublishesLocalCandidates(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	f.join(t)

	f.conn.EmitCandidate("candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host")
	got := next(t, f.remote)
	assert.Equal(t, signaling.KindCandidate, got.Kind)
	assert.Equal(t, "local", got.From)
}

func TestController_RemoteTracksCarryParticipantAndStopAfterLeave(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	f.negotiate(t)

	f.conn.EmitTrack(media.RemoteTrack{ID: "v1", Kind: media.KindVideo})
	f.conn.EmitTrack(media.RemoteTrack{ID: "a1", Kind: media.KindAudio})
	f.ctrl.Leave()
	f.conn.EmitTrack(media.RemoteTrack{ID: "late", Kind: media.KindAudio})

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	require.Len(t, f.rec.tracks, 2)
	assert.Equal(t, "remote", f.rec.tracks[0].Participant)
	assert.Equal(t, media.KindAudio, f.rec.tracks[1].Kind)
}

func TestController_ToggleWithoutRenegotiation(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	acq, err := f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{CamErr: media.ErrPermissionDenied})
	require.NoError(t, err)
	require.Len(t, acq.Warnings, 1)

	require.NoError(t, f.ctrl.SetLocalAudioEnabled(false))
	assert.False(t, acq.Tracks.Audio.Enabled())
	assert.False(t, f.conn.Enabled(acq.Tracks.Audio.ID()))

	assert.True(t, errors.Is(f.ctrl.SetLocalVideoEnabled(true), ErrNoTrack))
	assert.Empty(t, f.conn.Local())

	expected := `
# HELP teleconsult_media_warnings_total Local media devices that could not be acquired, by device.
# TYPE teleconsult_media_warnings_total counter
teleconsult_media_warnings_total{device="camera"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "teleconsult_media_warnings_total"))
}

func TestController_NoMediaIsError(t *testing.T) {
	f := newFixture(t, RoleResponder)
	_, err := f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{
		MicErr: media.ErrPermissionDenied,
		CamErr: media.ErrPermissionDenied,
	})
	assert.True(t, errors.Is(err, media.ErrNoMedia))
	assert.Equal(t, StateError, f.ctrl.State())
}

func TestController_LeaveBeforeSetup(t *testing.T) {
	conn := peertest.New()
	c := New(Options{Role: RoleInitiator, Self: "local", Conn: conn})

	assert.NotPanics(t, func() {
		c.Leave()
		c.Leave()
	})
	assert.Equal(t, 1, conn.Closes())
	assert.Equal(t, StateEnded, c.State())

	_, err := c.AcquireLocalMedia(context.Background(), &media.StaticSource{})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(c.Offer(context.Background()), ErrClosed))
	assert.True(t, errors.Is(c.SetLocalAudioEnabled(true), ErrClosed))
}

type gatedSource struct {
	*media.StaticSource
	gate chan struct{}
}

func (g gatedSource) OpenMicrophone(ctx context.Context) (media.Track, error) {
	<-g.gate
	return g.StaticSource.OpenMicrophone(ctx)
}

func TestController_LeaveDuringAcquisitionStopsLateTracks(t *testing.T) {
	conn := peertest.New()
	c := New(Options{Role: RoleResponder, Self: "local", Conn: conn})
	src := gatedSource{StaticSource: &media.StaticSource{}, gate: make(chan struct{})}

	errc := make(chan error, 1)
	go func() {
		_, err := c.AcquireLocalMedia(context.Background(), src)
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateAcquiring }, time.Second, 5*time.Millisecond)

	c.Leave()
	close(src.gate)

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("acquisition did not return")
	}
	opened := src.Opened()
	require.Len(t, opened, 2)
	for _, tr := range opened {
		assert.True(t, tr.Stopped())
	}
	assert.Empty(t, conn.Added())
	assert.Equal(t, StateEnded, c.State())
}

func TestHandle_RequiresJoinAndDropsMalformed(t *testing.T) {
	f := newFixture(t, RoleResponder)
	assert.True(t, errors.Is(f.ctrl.Handle(context.Background(), signaling.NewHangup("remote")), ErrNotJoined))

	f.join(t)
	bad := signaling.NewOffer("remote", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	assert.NoError(t, f.ctrl.Handle(context.Background(), bad))
	assert.Empty(t, f.conn.Remote())
}

func TestAcquire_RunsBeforeJoinOnly(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	src := &media.StaticSource{CamErr: media.ErrPermissionDenied}
	_, err := f.ctrl.AcquireLocalMedia(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, f.conn.Added(), 1)

	require.NoError(t, f.ctrl.Join(f.local))
	_, err = f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{})
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Len(t, f.conn.Added(), 1)

	f.rec.mu.Lock()
	assert.Equal(t, []State{StateAcquiring, StateJoined}, f.rec.states)
	f.rec.mu.Unlock()

	f.ctrl.Leave()
	for _, tr := range src.Opened() {
		assert.True(t, tr.Stopped())
	}
}

// closableChannel publishes through a real channel but lets the test feed
// and close the inbound side, as a dropped gateway socket would.
type closableChannel struct {
	signaling.Channel
	in chan signaling.Message
}

func (c *closableChannel) Messages() <-chan signaling.Message { return c.in }

func TestController_SignalingLostBeforeConnectFails(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	_, err := f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{})
	require.NoError(t, err)
	ch := &closableChannel{Channel: f.local, in: make(chan signaling.Message, 4)}
	require.NoError(t, f.ctrl.Join(ch))
	require.NoError(t, f.ctrl.Offer(context.Background()))
	next(t, f.remote)

	close(ch.in)
	require.Eventually(t, func() bool { return len(f.rec.failureList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(f.rec.failureList()[0], ErrConnectionFailed))
	assert.Equal(t, StateError, f.ctrl.State())
}

func TestController_SignalingLostAfterConnectKeepsCall(t *testing.T) {
	f := newFixture(t, RoleInitiator)
	_, err := f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{})
	require.NoError(t, err)
	ch := &closableChannel{Channel: f.local, in: make(chan signaling.Message, 4)}
	require.NoError(t, f.ctrl.Join(ch))
	require.NoError(t, f.ctrl.Offer(context.Background()))
	offer := next(t, f.remote)

	ch.in <- signaling.NewAnswer("remote", offer.ID, sdpOf(webrtc.SDPTypeAnswer))
	require.Eventually(t, func() bool { return len(f.conn.Remote()) == 1 }, time.Second, 5*time.Millisecond)
	f.conn.EmitState(webrtc.PeerConnectionStateConnected)

	close(ch.in)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.rec.failureList())
	assert.Equal(t, StateConnected, f.ctrl.State())
}

func TestController_SignalingClosedByLeaveIsQuiet(t *testing.T) {
	f := newFixture(t, RoleResponder)
	_, err := f.ctrl.AcquireLocalMedia(context.Background(), &media.StaticSource{})
	require.NoError(t, err)
	ch := &closableChannel{Channel: f.local, in: make(chan signaling.Message, 4)}
	require.NoError(t, f.ctrl.Join(ch))

	f.ctrl.Leave()
	close(ch.in)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.rec.failureList())
	assert.Equal(t, StateEnded, f.ctrl.State())
}
