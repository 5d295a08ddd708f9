// Package media models the local capture tracks and remote tracks of a call.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindOf maps a pion codec type to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Track is one local capture track. Enabled flips without renegotiation; the
// track stays published. Stop releases the device and is idempotent.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(on bool)
	Stop()
	// TrackLocal is what gets attached to a peer connection or relay room.
	TrackLocal() webrtc.TrackLocal
}

// LocalTracks holds whichever devices were acquired. Either may be nil.
type LocalTracks struct {
	Audio Track
	Video Track
}

func (l LocalTracks) List() []Track {
	var out []Track
	if l.Audio != nil {
		out = append(out, l.Audio)
	}
	if l.Video != nil {
		out = append(out, l.Video)
	}
	return out
}

func (l LocalTracks) Empty() bool { return l.Audio == nil && l.Video == nil }

// StopAll stops every held track.
func (l LocalTracks) StopAll() {
	for _, t := range l.List() {
		t.Stop()
	}
}

// RemoteTrack is the other party's media as surfaced by a transport.
type RemoteTrack struct {
	ID          string
	StreamID    string
	Kind        Kind
	Participant string
	// RTP is the underlying track on direct connections; nil on managed ones.
	RTP *webrtc.TrackRemote
}

var (
	ErrMicrophoneUnavailable = errors.New("media: microphone unavailable")
	ErrCameraUnavailable     = errors.New("media: camera unavailable")
	ErrNoMedia               = errors.New("media: no local media could be acquired")
)
