// Package peertest provides an in-memory peer connection for tests.
package peertest

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"teleconsult/internal/media"
)

const sdp = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// Description returns a minimal session description that parses.
func Description(t webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: sdp}
}

// Conn records what a controller does to it. With AutoConnect set it behaves
// like a connection that succeeds: once both descriptions are set it emits
// LocalCandidates, reports connected, then raises RemoteTracks, each from
// its own goroutine.
type Conn struct {
	AutoConnect     bool
	LocalCandidates []string
	RemoteTracks    []media.RemoteTrack

	mu         sync.Mutex
	remoteErr  error
	added      []media.Track
	enabled    map[string]bool
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []string
	closes     int
	started    bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(media.RemoteTrack)
}

func New() *Conn { return &Conn{enabled: make(map[string]bool)} }

// FailRemote makes every SetRemoteDescription return err.
func (c *Conn) FailRemote(err error) {
	c.mu.Lock()
	c.remoteErr = err
	c.mu.Unlock()
}

func (c *Conn) AddTrack(t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, t)
	c.enabled[t.ID()] = true
	return nil
}

func (c *Conn) SetTrackEnabled(t media.Track, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[t.ID()] = on
	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.createLocal(webrtc.SDPTypeOffer)
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.createLocal(webrtc.SDPTypeAnswer)
}

func (c *Conn) createLocal(t webrtc.SDPType) (webrtc.SessionDescription, error) {
	sd := Description(t)
	c.mu.Lock()
	c.local = append(c.local, sd)
	c.mu.Unlock()
	c.maybeConnect()
	return sd, nil
}

func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.remoteErr != nil {
		c.mu.Unlock()
		return c.remoteErr
	}
	c.remote = append(c.remote, sd)
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *Conn) AddICECandidate(ic webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		return errors.New("peertest: candidate before remote description")
	}
	c.candidates = append(c.candidates, ic.Candidate)
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// EmitCandidate raises a locally gathered candidate.
func (c *Conn) EmitCandidate(candidate string) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitState raises a connection state change.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitTrack raises a remote track.
func (c *Conn) EmitTrack(t media.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Conn) maybeConnect() {
	c.mu.Lock()
	ready := c.AutoConnect && !c.started && len(c.local) > 0 && len(c.remote) > 0
	if ready {
		c.started = true
	}
	c.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		for _, cand := range c.LocalCandidates {
			c.EmitCandidate(cand)
		}
		c.EmitState(webrtc.PeerConnectionStateConnected)
		for _, t := range c.RemoteTracks {
			c.EmitTrack(t)
		}
	}()
}

func (c *Conn) Added() []media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Track(nil), c.added...)
}

// Enabled reports the last enabled flag set for track id.
func (c *Conn) Enabled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[id]
}

func (c *Conn) Local() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.local...)
}

func (c *Conn) Remote() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remote...)
}

// Candidates returns the remote candidates applied, in order.
func (c *Conn) Candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.candidates...)
}

func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
