//go:build !linux

package device

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"teleconsult/internal/media"
)

var errNoDeviceCapture = errors.New("device: capture is only built on linux")

// Source is unavailable off linux; every open fails.
type Source struct{}

func New() (*Source, error) { return &Source{}, nil }

func (s *Source) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *Source) OpenMicrophone(context.Context) (media.Track, error) {
	return nil, errNoDeviceCapture
}

func (s *Source) OpenCamera(context.Context) (media.Track, error) {
	return nil, errNoDeviceCapture
}

func Devices() []string { return nil }
