package media

import (
	"context"
	"errors"
	"testing"
)

func TestStaticPipelineAcquire(t *testing.T) {
	pipeline := &StaticPipeline{}
	local, err := pipeline.Acquire(context.Background(), PrivacyBlur)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer local.Stop()

	if !local.HasVideo() {
		t.Error("static pipeline returned no video track")
	}
	if got := len(local.Tracks()); got != 2 {
		t.Errorf("Tracks() returned %d tracks, want 2", got)
	}
	if local.Mode() != PrivacyBlur {
		t.Errorf("mode = %s, want blur", local.Mode())
	}
	if !local.AudioEnabled() {
		t.Error("audio starts muted")
	}
}

func TestAudioOnlyFallback(t *testing.T) {
	pipeline := &StaticPipeline{AcquireErr: ErrHardwareBusy}

	if _, err := pipeline.Acquire(context.Background(), PrivacyNone); !errors.Is(err, ErrHardwareBusy) {
		t.Fatalf("Acquire: err = %v, want ErrHardwareBusy", err)
	}

	local, err := pipeline.AcquireAudioOnly(context.Background())
	if err != nil {
		t.Fatalf("AcquireAudioOnly: %v", err)
	}
	defer local.Stop()
	if local.HasVideo() {
		t.Error("audio-only capture has a video track")
	}
	if got := len(local.Tracks()); got != 1 {
		t.Errorf("Tracks() returned %d tracks, want 1", got)
	}
}

func TestVideoUnavailableReturnsAudioOnly(t *testing.T) {
	pipeline := &StaticPipeline{VideoUnavailable: true}
	local, err := pipeline.Acquire(context.Background(), PrivacyNone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer local.Stop()
	if local.HasVideo() {
		t.Error("video track present despite unavailable hardware")
	}
}

func TestMuteGate(t *testing.T) {
	local := NewLocalMedia(nil, nil, PrivacyNone, nil)
	local.SetAudioEnabled(false)
	if local.AudioEnabled() {
		t.Error("mute did not stick")
	}
	local.SetAudioEnabled(true)
	if !local.AudioEnabled() {
		t.Error("unmute did not stick")
	}
}

func TestStopIdempotent(t *testing.T) {
	calls := 0
	local := NewLocalMedia(nil, nil, PrivacyNone, func() { calls++ })
	local.Stop()
	local.Stop()
	if calls != 1 {
		t.Errorf("stop ran %d times, want 1", calls)
	}
}

func TestPrivacyModeValid(t *testing.T) {
	for _, mode := range []PrivacyMode{PrivacyNone, PrivacyBlur, PrivacyMosaic, PrivacyBlack} {
		if !mode.Valid() {
			t.Errorf("%s not valid", mode)
		}
	}
	if PrivacyMode("sepia").Valid() {
		t.Error("unknown mode reported valid")
	}
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&StaticPipeline{}).Acquire(ctx, PrivacyNone); err == nil {
		t.Error("Acquire succeeded with a cancelled context")
	}
}
