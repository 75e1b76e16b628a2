// Package media defines the contract the session core consumes from the
// capture/filter pipeline. The pipeline delivers tracks whose video
// frames already reflect the selected privacy mode, so raw frames never
// leave the local machine. The core owns the audio mute gate.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PrivacyMode selects the visual treatment applied to outbound video
// before it reaches the transport.
type PrivacyMode string

const (
	PrivacyNone   PrivacyMode = "none"
	PrivacyBlur   PrivacyMode = "blur"
	PrivacyMosaic PrivacyMode = "mosaic"
	PrivacyBlack  PrivacyMode = "black"
)

// Valid reports whether the mode is one of the defined treatments.
func (m PrivacyMode) Valid() bool {
	switch m {
	case PrivacyNone, PrivacyBlur, PrivacyMosaic, PrivacyBlack:
		return true
	}
	return false
}

var (
	// ErrPermissionDenied means the user or platform refused capture
	// access. Not retried.
	ErrPermissionDenied = errors.New("media: capture permission denied")

	// ErrHardwareBusy means the device exists but could not be opened.
	// The session retries once in audio-only mode before giving up.
	ErrHardwareBusy = errors.New("media: capture hardware busy")
)

// Pipeline is the capture/filter surface the session core drives.
type Pipeline interface {
	// Acquire opens capture with the given privacy mode. It may return
	// audio-only media when video hardware is absent.
	Acquire(ctx context.Context, mode PrivacyMode) (*LocalMedia, error)

	// AcquireAudioOnly opens capture without video, used as the single
	// fallback after Acquire fails with ErrHardwareBusy.
	AcquireAudioOnly(ctx context.Context) (*LocalMedia, error)
}

// LocalMedia is an acquired local capture: at most one audio and one
// video track, the mute gate, and the current privacy mode.
type LocalMedia struct {
	mu           sync.Mutex
	audio        webrtc.TrackLocal
	video        webrtc.TrackLocal
	audioEnabled bool
	mode         PrivacyMode
	stop         func()
	stopped      bool
}

// NewLocalMedia wraps acquired tracks. video may be nil for audio-only
// capture. stop releases the underlying capture resources and may be nil.
func NewLocalMedia(audio, video webrtc.TrackLocal, mode PrivacyMode, stop func()) *LocalMedia {
	return &LocalMedia{
		audio:        audio,
		video:        video,
		audioEnabled: true,
		mode:         mode,
		stop:         stop,
	}
}

// Tracks returns the tracks to attach to the transport, audio first.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracks := make([]webrtc.TrackLocal, 0, 2)
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

// HasVideo reports whether the capture includes a video track.
func (m *LocalMedia) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video != nil
}

// SetAudioEnabled flips the mute gate. The pipeline consults it before
// emitting audio samples.
func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
}

// AudioEnabled reports the mute gate state.
func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

// SetPrivacyMode switches the visual treatment for subsequent frames.
func (m *LocalMedia) SetPrivacyMode(mode PrivacyMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Mode returns the current privacy mode.
func (m *LocalMedia) Mode() PrivacyMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Stop releases the capture. Idempotent; the resource governor calls it
// during cleanup.
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}
