package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Source opens capture devices. Each open is independent of the other.
type Source interface {
	OpenMicrophone(ctx context.Context) (Track, error)
	OpenCamera(ctx context.Context) (Track, error)
	// RegisterCodecs registers the codecs this source's tracks produce.
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Acquisition is the outcome of Acquire. Warnings holds one
// ErrMicrophoneUnavailable or ErrCameraUnavailable per missing device.
type Acquisition struct {
	Tracks   LocalTracks
	Warnings []error
}

// Acquire opens microphone and camera concurrently. Losing one device is a
// warning; losing both is ErrNoMedia. If ctx ends while devices are opening,
// whatever was opened is stopped again and ctx's error returned.
func Acquire(ctx context.Context, src Source) (Acquisition, error) {
	var (
		wg             sync.WaitGroup
		audio, video   Track
		micErr, camErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		audio, micErr = src.OpenMicrophone(ctx)
	}()
	go func() {
		defer wg.Done()
		video, camErr = src.OpenCamera(ctx)
	}()
	wg.Wait()

	var out Acquisition
	if micErr == nil && audio != nil {
		out.Tracks.Audio = audio
	} else {
		out.Warnings = append(out.Warnings, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, causeOr(micErr)))
	}
	if camErr == nil && video != nil {
		out.Tracks.Video = video
	} else {
		out.Warnings = append(out.Warnings, fmt.Errorf("%w: %v", ErrCameraUnavailable, causeOr(camErr)))
	}

	if err := ctx.Err(); err != nil {
		out.Tracks.StopAll()
		return Acquisition{}, err
	}
	if out.Tracks.Empty() {
		return out, errors.Join(append([]error{ErrNoMedia}, out.Warnings...)...)
	}
	return out, nil
}

func causeOr(err error) error {
	if err == nil {
		return errors.New("no track returned")
	}
	return err
}

// WarningDevice names the device behind an Acquisition warning.
func WarningDevice(err error) string {
	if errors.Is(err, ErrMicrophoneUnavailable) {
		return "microphone"
	}
	return "camera"
}
