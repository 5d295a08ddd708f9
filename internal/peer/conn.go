package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"teleconsult/internal/media"
)

// Conn is the connection surface the Controller drives. PionConn is the real
// one; tests substitute a fake.
type Conn interface {
	AddTrack(t media.Track) error
	// SetTrackEnabled mutes or unmutes an added track without renegotiating.
	SetTrackEnabled(t media.Track, on bool) error
	// CreateOffer and CreateAnswer also apply the result as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(media.RemoteTrack))
	Close() error
}

type PionOptions struct {
	ICEServers []string
	// RegisterCodecs fills the media engine; nil registers pion's defaults.
	RegisterCodecs func(m *webrtc.MediaEngine) error
	// ICE timeouts; zero values use 30s disconnected, 120s failed, 2s keepalive.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// PionConn is a Conn over a pion PeerConnection.
type PionConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
	kinds   map[webrtc.RTPCodecType]bool
}

func NewPionConn(opts PionOptions) (*PionConn, error) {
	m := &webrtc.MediaEngine{}
	register := opts.RegisterCodecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(m); err != nil {
		return nil, fmt.Errorf("peer: register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("peer: register interceptors: %w", err)
	}

	disconnected, failed, keepAlive := opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keepAlive <= 0 {
		keepAlive = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}
	return &PionConn{
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
		kinds:   make(map[webrtc.RTPCodecType]bool),
	}, nil
}

func (p *PionConn) AddTrack(t media.Track) error {
	sender, err := p.pc.AddTrack(t.TrackLocal())
	if err != nil {
		return fmt.Errorf("peer: add %s track: %w", t.Kind(), err)
	}
	// RTCP has to be drained for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	p.mu.Lock()
	p.senders[t.ID()] = sender
	p.kinds[codecType(t.Kind())] = true
	p.mu.Unlock()
	return nil
}

func (p *PionConn) SetTrackEnabled(t media.Track, on bool) error {
	p.mu.Lock()
	sender, ok := p.senders[t.ID()]
	p.mu.Unlock()
	if !ok {
		return ErrNoTrack
	}
	var local webrtc.TrackLocal
	if on {
		local = t.TrackLocal()
	}
	return sender.ReplaceTrack(local)
}

func (p *PionConn) CreateOffer() (webrtc.SessionDescription, error) {
	p.ensureReceivers()
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *PionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *PionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *PionConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *PionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *PionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionConn) OnTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(media.RemoteTrack{
			ID:       tr.ID(),
			StreamID: tr.StreamID(),
			Kind:     media.KindOf(tr.Kind()),
			RTP:      tr,
		})
	})
}

func (p *PionConn) Close() error { return p.pc.Close() }

// ensureReceivers adds a recvonly transceiver for each kind with no local
// track, so an audio-only side still receives the other party's video.
func (p *PionConn) ensureReceivers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if p.kinds[kind] {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err == nil {
			p.kinds[kind] = true
		}
	}
}

func codecType(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
