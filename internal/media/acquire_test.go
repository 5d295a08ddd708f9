package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_BothDevices(t *testing.T) {
	src := &StaticSource{}
	got, err := Acquire(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, got.Warnings)
	require.NotNil(t, got.Tracks.Audio)
	require.NotNil(t, got.Tracks.Video)
	assert.Equal(t, KindAudio, got.Tracks.Audio.Kind())
	assert.Equal(t, KindVideo, got.Tracks.Video.Kind())
	assert.True(t, got.Tracks.Audio.Enabled())
}

func TestAcquire_CameraDeniedKeepsAudio(t *testing.T) {
	src := &StaticSource{CamErr: ErrPermissionDenied}
	got, err := Acquire(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, got.Tracks.Audio)
	assert.Nil(t, got.Tracks.Video)
	require.Len(t, got.Warnings, 1)
	assert.True(t, errors.Is(got.Warnings[0], ErrCameraUnavailable))
	assert.Equal(t, "camera", WarningDevice(got.Warnings[0]))
}

func TestAcquire_MicrophoneMissingKeepsVideo(t *testing.T) {
	src := &StaticSource{MicErr: errors.New("no such device")}
	got, err := Acquire(context.Background(), src)
	require.NoError(t, err)
	assert.Nil(t, got.Tracks.Audio)
	require.NotNil(t, got.Tracks.Video)
	require.Len(t, got.Warnings, 1)
	assert.True(t, errors.Is(got.Warnings[0], ErrMicrophoneUnavailable))
	assert.Equal(t, "microphone", WarningDevice(got.Warnings[0]))
}

func TestAcquire_NothingIsNoMedia(t *testing.T) {
	src := &StaticSource{MicErr: ErrPermissionDenied, CamErr: ErrPermissionDenied}
	got, err := Acquire(context.Background(), src)
	assert.True(t, errors.Is(err, ErrNoMedia))
	assert.True(t, errors.Is(err, ErrCameraUnavailable))
	assert.True(t, got.Tracks.Empty())
}

func TestAcquire_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Acquire(ctx, &StaticSource{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStaticTrack_Toggle(t *testing.T) {
	tr, err := NewStaticTrack(KindVideo)
	require.NoError(t, err)
	assert.Equal(t, "video", tr.TrackLocal().Kind().String())
	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())
	tr.Stop()
	tr.Stop()
	assert.True(t, tr.Stopped())
}
