//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"teleconsult/internal/media"
)

// Source captures from local V4L2 cameras and ALSA/Pulse microphones
// through pion/mediadevices, encoding VP8 and Opus.
type Source struct {
	selector *mediadevices.CodecSelector
}

func New() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &Source{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *Source) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *Source) OpenMicrophone(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: s.selector,
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream.GetAudioTracks(), media.KindAudio)
}

func (s *Source) OpenCamera(ctx context.Context) (media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some MJPEG nodes emit frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: s.selector,
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream.GetVideoTracks(), media.KindVideo)
}

func firstTrack(tracks []mediadevices.Track, kind media.Kind) (media.Track, error) {
	if len(tracks) == 0 {
		return nil, errors.New("device returned no track")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	return &deviceTrack{t: tracks[0], kind: kind, enabled: true}, nil
}

type deviceTrack struct {
	t    mediadevices.Track
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	once    sync.Once
}

func (d *deviceTrack) ID() string                    { return d.t.ID() }
func (d *deviceTrack) Kind() media.Kind              { return d.kind }
func (d *deviceTrack) TrackLocal() webrtc.TrackLocal { return d.t }

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}

func (d *deviceTrack) Stop() {
	d.once.Do(func() { _ = d.t.Close() })
}

// Devices lists what mediadevices can see, for diagnostics.
func Devices() []string {
	var out []string
	for _, d := range mediadevices.EnumerateDevices() {
		out = append(out, fmt.Sprintf("%v:%s", d.Kind, d.Label))
	}
	return out
}
