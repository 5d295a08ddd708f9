package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticTrack is a device-less track backed by a pion sample track. It is
// negotiable like a real capture track; nothing writes samples to it.
type StaticTrack struct {
	id    string
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stops   int
}

func NewStaticTrack(kind Kind) (*StaticTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	id := string(kind) + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, "local")
	if err != nil {
		return nil, err
	}
	return &StaticTrack{id: id, kind: kind, local: local, enabled: true}, nil
}

func (t *StaticTrack) ID() string                    { return t.id }
func (t *StaticTrack) Kind() Kind                    { return t.kind }
func (t *StaticTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *StaticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *StaticTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *StaticTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

// Stopped reports whether Stop has been called at least once.
func (t *StaticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops > 0
}

var ErrPermissionDenied = errors.New("media: permission denied")

// StaticSource hands out StaticTracks. MicErr and CamErr simulate a device
// that cannot be opened. Used headless and in tests.
type StaticSource struct {
	MicErr error
	CamErr error

	mu     sync.Mutex
	opened []*StaticTrack
}

func (s *StaticSource) OpenMicrophone(ctx context.Context) (Track, error) {
	return s.open(ctx, KindAudio, s.MicErr)
}

func (s *StaticSource) OpenCamera(ctx context.Context) (Track, error) {
	return s.open(ctx, KindVideo, s.CamErr)
}

func (s *StaticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Opened returns every track handed out so far.
func (s *StaticSource) Opened() []*StaticTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StaticTrack, len(s.opened))
	copy(out, s.opened)
	return out
}

func (s *StaticSource) open(ctx context.Context, kind Kind, fail error) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail
	}
	t, err := NewStaticTrack(kind)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened = append(s.opened, t)
	s.mu.Unlock()
	return t, nil
}
