package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/media"
	"teleconsult/internal/metrics"
	"teleconsult/internal/peer"
	"teleconsult/internal/peer/peertest"
	"teleconsult/internal/session"
	"teleconsult/internal/signaling"
	"teleconsult/internal/transport"
	"teleconsult/pkg/logger"
)

type outcome struct {
	mu       sync.Mutex
	results  []Result
	remote   []media.RemoteTrack
	warnings []error
}

func (o *outcome) list() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.results...)
}

func (o *outcome) remotes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.remote)
}

type party struct {
	ctrl *Controller
	conn *peertest.Conn
	src  *media.StaticSource
	out  *outcome
}

type env struct {
	hub   *signaling.Hub
	store *session.MemoryStore
	mgr   *session.Manager
	reg   *prometheus.Registry
	m     *metrics.Metrics
}

func newEnv() *env {
	reg := prometheus.NewRegistry()
	store := session.NewMemoryStore()
	return &env{
		hub:   signaling.NewHub(2),
		store: store,
		mgr:   session.NewManager(session.Options{Store: store, Logger: logger.Discard()}),
		reg:   reg,
		m:     metrics.New(reg),
	}
}

func (e *env) freeSession(t *testing.T) session.Session {
	t.Helper()
	s, err := e.mgr.CreateFreeSession(context.Background(), session.FreeSessionRequest{DoctorID: "doctor", PatientID: "patient"})
	require.NoError(t, err)
	return s
}

func (e *env) party(t *testing.T, s session.Session, userID string, src *media.StaticSource, candidates ...string) *party {
	t.Helper()
	conn := peertest.New()
	conn.AutoConnect = true
	conn.LocalCandidates = candidates
	conn.RemoteTracks = []media.RemoteTrack{{ID: userID + "-a", Kind: media.KindAudio}, {ID: userID + "-v", Kind: media.KindVideo}}
	if src == nil {
		src = &media.StaticSource{}
	}
	out := &outcome{}
	ctrl, err := New(Options{
		Session:   s,
		UserID:    userID,
		Strategy:  &transport.Direct{Broker: e.hub, NewConn: func() (peer.Conn, error) { return conn, nil }, Metrics: e.m},
		Source:    src,
		Lifecycle: e.mgr,
		OnEnd: func(r Result) {
			out.mu.Lock()
			out.results = append(out.results, r)
			out.mu.Unlock()
		},
		OnRemote: func(tr media.RemoteTrack) {
			out.mu.Lock()
			out.remote = append(out.remote, tr)
			out.mu.Unlock()
		},
		OnWarning: func(err error) {
			out.mu.Lock()
			out.warnings = append(out.warnings, err)
			out.mu.Unlock()
		},
		Metrics: e.m,
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.EndCall)
	return &party{ctrl: ctrl, conn: conn, src: src, out: out}
}

func waitDone(t *testing.T, c *Controller) Result {
	t.Helper()
	select {
	case <-c.Done():
		return c.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("call did not end")
		return Result{}
	}
}

func TestCall_TwoPartiesConnectAndHangUp(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.freeSession(t)

	doctor := e.party(t, s, "doctor", nil, "candidate:d1", "candidate:d2")
	patient := e.party(t, s, "patient", nil, "candidate:p1", "candidate:p2")
	assert.Equal(t, peer.RoleInitiator, doctor.ctrl.Role())
	assert.Equal(t, peer.RoleResponder, patient.ctrl.Role())

	require.NoError(t, doctor.ctrl.Start(ctx))
	require.NoError(t, patient.ctrl.Start(ctx))

	require.Eventually(t, func() bool {
		return len(doctor.conn.Candidates()) == 2 && len(patient.conn.Candidates()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return doctor.out.remotes() == 2 && patient.out.remotes() == 2
	}, 2*time.Second, 5*time.Millisecond)

	got, err := e.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
	require.NotNil(t, got.StartedAt)

	doctor.ctrl.EndCall()
	doctor.ctrl.EndCall()
	assert.Equal(t, Result{Reason: ReasonUserEnded}, waitDone(t, doctor.ctrl))
	assert.Equal(t, ReasonRemoteLeft, waitDone(t, patient.ctrl).Reason)
	assert.Len(t, doctor.out.list(), 1)
	assert.Len(t, patient.out.list(), 1)

	for _, tr := range doctor.src.Opened() {
		assert.True(t, tr.Stopped())
	}
	assert.Equal(t, 1, doctor.conn.Closes())
	assert.Equal(t, 0, e.hub.Subscribers(s.ChannelName))

	got, err = e.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, got.Status)

	expected := `
# HELP teleconsult_calls_active Calls currently running in this process.
# TYPE teleconsult_calls_active gauge
teleconsult_calls_active 0
`
	assert.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(expected), "teleconsult_calls_active"))
}

func TestCall_CameraDeniedProceedsAudioOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.freeSession(t)
	p := e.party(t, s, "patient", &media.StaticSource{CamErr: media.ErrPermissionDenied})

	require.NoError(t, p.ctrl.Start(ctx))
	p.out.mu.Lock()
	require.Len(t, p.out.warnings, 1)
	assert.True(t, errors.Is(p.out.warnings[0], media.ErrCameraUnavailable))
	p.out.mu.Unlock()

	_, err := p.ctrl.ToggleCamera()
	assert.True(t, errors.Is(err, media.ErrCameraUnavailable))

	on, err := p.ctrl.ToggleMic()
	require.NoError(t, err)
	assert.False(t, on)
	on, err = p.ctrl.ToggleMic()
	require.NoError(t, err)
	assert.True(t, on)

	select {
	case <-p.ctrl.Done():
		t.Fatal("call ended on a missing camera")
	default:
	}
	assert.Empty(t, p.out.list())
}

func TestCall_NoMediaEndsWithMediaDenied(t *testing.T) {
	e := newEnv()
	s := e.freeSession(t)
	p := e.party(t, s, "doctor", &media.StaticSource{MicErr: media.ErrPermissionDenied, CamErr: media.ErrPermissionDenied})

	err := p.ctrl.Start(context.Background())
	assert.True(t, errors.Is(err, media.ErrNoMedia))
	r := waitDone(t, p.ctrl)
	assert.Equal(t, ReasonMediaDenied, r.Reason)
	assert.Equal(t, 0, e.hub.Subscribers(s.ChannelName))

	got, _ := e.mgr.Get(context.Background(), s.ID)
	assert.Equal(t, session.StatusPending, got.Status)
}

func TestCall_NegotiationFailureEndsResponder(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.freeSession(t)
	doctor := e.party(t, s, "doctor", nil)
	patient := e.party(t, s, "patient", nil)
	patient.conn.FailRemote(errors.New("no common codec"))

	require.NoError(t, doctor.ctrl.Start(ctx))
	require.NoError(t, patient.ctrl.Start(ctx))

	r := waitDone(t, patient.ctrl)
	assert.Equal(t, ReasonNegotiationFailed, r.Reason)
	assert.True(t, errors.Is(r.Err, peer.ErrNegotiation))
	// The hangup from the failed side ends the other.
	assert.Equal(t, ReasonRemoteLeft, waitDone(t, doctor.ctrl).Reason)
}

type gatedSource struct {
	*media.StaticSource
	gate chan struct{}
}

func (g gatedSource) OpenCamera(ctx context.Context) (media.Track, error) {
	<-g.gate
	return g.StaticSource.OpenCamera(ctx)
}

func TestCall_EndDuringAcquisition(t *testing.T) {
	e := newEnv()
	s := e.freeSession(t)
	src := gatedSource{StaticSource: &media.StaticSource{}, gate: make(chan struct{})}
	out := &outcome{}
	c, err := New(Options{
		Session:  s,
		UserID:   "doctor",
		Strategy: &transport.Direct{Broker: e.hub, NewConn: func() (peer.Conn, error) { return peertest.New(), nil }},
		Source:   src,
		OnEnd: func(r Result) {
			out.mu.Lock()
			out.results = append(out.results, r)
			out.mu.Unlock()
		},
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return len(src.Opened()) == 1 }, time.Second, 5*time.Millisecond)

	c.EndCall()
	close(src.gate)
	assert.True(t, errors.Is(<-errc, ErrEnded))

	for _, tr := range src.Opened() {
		assert.True(t, tr.Stopped())
	}
	assert.Equal(t, []Result{{Reason: ReasonUserEnded}}, out.list())
	assert.Equal(t, 0, e.hub.Subscribers(s.ChannelName))
	assert.True(t, errors.Is(c.Start(context.Background()), ErrEnded))
}

func TestCall_FullChannelIsTransportError(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.freeSession(t)
	_, _ = e.hub.Subscribe(ctx, s.ChannelName, "x")
	_, _ = e.hub.Subscribe(ctx, s.ChannelName, "y")

	p := e.party(t, s, "patient", nil)
	err := p.ctrl.Start(ctx)
	assert.True(t, errors.Is(err, signaling.ErrChannelFull))
	r := waitDone(t, p.ctrl)
	assert.Equal(t, ReasonTransportError, r.Reason)
	assert.Empty(t, p.src.Opened(), "devices are not opened without a channel")
}

// droppingBroker hands out hub channels whose inbound side the test can cut,
// as a lost gateway socket does.
type droppingBroker struct {
	hub *signaling.Hub

	mu    sync.Mutex
	chans []*droppingChannel
}

type droppingChannel struct {
	signaling.Channel
	in   chan signaling.Message
	once sync.Once
}

func (d *droppingChannel) Messages() <-chan signaling.Message { return d.in }

func (d *droppingChannel) drop() { d.once.Do(func() { close(d.in) }) }

func (d *droppingChannel) Close() error {
	d.drop()
	return d.Channel.Close()
}

func (b *droppingBroker) Subscribe(ctx context.Context, name, participantID string) (signaling.Channel, error) {
	ch, err := b.hub.Subscribe(ctx, name, participantID)
	if err != nil {
		return nil, err
	}
	d := &droppingChannel{Channel: ch, in: make(chan signaling.Message)}
	b.mu.Lock()
	b.chans = append(b.chans, d)
	b.mu.Unlock()
	return d, nil
}

func TestCall_SignalingLostDuringNegotiationEndsCall(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := e.freeSession(t)
	broker := &droppingBroker{hub: e.hub}
	out := &outcome{}
	c, err := New(Options{
		Session:   s,
		UserID:    "doctor",
		Strategy:  &transport.Direct{Broker: broker, NewConn: func() (peer.Conn, error) { return peertest.New(), nil }},
		Source:    &media.StaticSource{},
		Lifecycle: e.mgr,
		OnEnd: func(r Result) {
			out.mu.Lock()
			out.results = append(out.results, r)
			out.mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool {
		for _, m := range e.hub.History(s.ChannelName) {
			if m.Kind == signaling.KindOffer {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	broker.mu.Lock()
	require.Len(t, broker.chans, 1)
	broker.chans[0].drop()
	broker.mu.Unlock()

	r := waitDone(t, c)
	assert.Equal(t, ReasonTransportError, r.Reason)
	assert.True(t, errors.Is(r.Err, peer.ErrConnectionFailed))
	assert.Len(t, out.list(), 1)
	assert.Equal(t, 0, e.hub.Subscribers(s.ChannelName))

	got, err := e.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, got.Status)
}

func TestCall_UnpaidSessionIsNotActivated(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	s := session.Session{
		ID: "s-paid", DoctorID: "doctor", PatientID: "patient", CreatedBy: "patient",
		Kind: session.KindPaid, ChannelName: "consult-x", AccessCode: "ABC123",
		Status: session.StatusPending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	e.store.Put(s)

	p := e.party(t, s, "patient", nil)
	require.NoError(t, p.ctrl.Start(ctx))
	p.ctrl.EndCall()
	waitDone(t, p.ctrl)

	got, err := e.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)
}

func TestNew_RejectsOutsider(t *testing.T) {
	e := newEnv()
	s := e.freeSession(t)
	_, err := New(Options{
		Session:  s,
		UserID:   "mallory",
		Strategy: &transport.Direct{Broker: e.hub},
		Source:   &media.StaticSource{},
	})
	assert.True(t, errors.Is(err, ErrNotParty))
}
