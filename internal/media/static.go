package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
)

// StaticPipeline produces synthetic capture: a silent Opus audio track
// and, unless VideoUnavailable, a VP8 test-pattern video track. It backs
// the headless CLI and the session tests, where no camera exists.
//
// AcquireErr and AudioOnlyErr, when set, are returned instead of media,
// so callers can exercise the permission-denied and hardware-busy paths.
type StaticPipeline struct {
	VideoUnavailable bool
	AcquireErr       error
	AudioOnlyErr     error
}

// Acquire builds the synthetic tracks and starts their sample pumps.
func (p *StaticPipeline) Acquire(ctx context.Context, mode PrivacyMode) (*LocalMedia, error) {
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	return p.build(ctx, mode, !p.VideoUnavailable)
}

// AcquireAudioOnly builds the audio track alone.
func (p *StaticPipeline) AcquireAudioOnly(ctx context.Context) (*LocalMedia, error) {
	if p.AudioOnlyErr != nil {
		return nil, p.AudioOnlyErr
	}
	return p.build(ctx, PrivacyNone, false)
}

func (p *StaticPipeline) build(ctx context.Context, mode PrivacyMode, withVideo bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.New().String()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID)
	if err != nil {
		return nil, err
	}

	var video *webrtc.TrackLocalStaticSample
	if withVideo {
		video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID)
		if err != nil {
			return nil, err
		}
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	var local *LocalMedia
	if video != nil {
		local = NewLocalMedia(audio, video, mode, stop)
	} else {
		local = NewLocalMedia(audio, nil, mode, stop)
	}

	go pumpAudio(audio, local, done)
	if video != nil {
		go pumpVideo(video, local, done)
	}
	return local, nil
}

// pumpAudio writes silence frames while the mute gate is open. A muted
// track simply stops producing samples.
func pumpAudio(track *webrtc.TrackLocalStaticSample, local *LocalMedia, done <-chan struct{}) {
	silence := []byte{0xF8, 0xFF, 0xFE}
	ticker := time.NewTicker(audioFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !local.AudioEnabled() {
				continue
			}
			_ = track.WriteSample(pionmedia.Sample{Data: silence, Duration: audioFrameInterval})
		}
	}
}

// pumpVideo writes a trivially-varying pattern. In black mode the pattern
// byte is pinned so the frames carry no content, mirroring what a real
// filter pipeline guarantees.
func pumpVideo(track *webrtc.TrackLocalStaticSample, local *LocalMedia, done <-chan struct{}) {
	frame := make([]byte, 640)
	ticker := time.NewTicker(videoFrameInterval)
	defer ticker.Stop()
	var tick byte
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			tick++
			fill := tick
			if local.Mode() == PrivacyBlack {
				fill = 0
			}
			for i := range frame {
				frame[i] = fill
			}
			_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: videoFrameInterval})
		}
	}
}
