package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mossy-p/peercall/internal/crypto"
	"github.com/mossy-p/peercall/internal/media"
	"github.com/mossy-p/peercall/internal/rendezvous"
	"github.com/mossy-p/peercall/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(room, name string) Config {
	return Config{
		Room:        room,
		Passphrase:  "hunter2",
		DisplayName: name,
		Privacy:     media.PrivacyNone,
	}
}

// newTestSession builds a guard-exempt session so both peers of a call
// can live in one test process.
func newTestSession(t *testing.T, cfg Config, store rendezvous.Store) *Session {
	t.Helper()
	s, err := newSession(cfg, store, &media.StaticPipeline{}, transport.ICEConfig{}, discardLogger())
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s after %s", s.State(), want, timeout)
}

// waitForEvent drains the session's feed until an event of the wanted
// kind arrives.
func waitForEvent(t *testing.T, s *Session, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-s.Events():
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", kind, timeout)
		}
	}
}

// connectPair brokers two sessions through a shared in-process store and
// waits for both to reach connected.
func connectPair(t *testing.T, room string) (initiator, receiver *Session, store *rendezvous.MemoryStore) {
	t.Helper()
	store = rendezvous.NewMemoryStore()

	initiator = newTestSession(t, testConfig(room, "Alice"), store)
	receiver = newTestSession(t, testConfig(room, "Bob"), store)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := initiator.Start(ctx); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}
	if initiator.Role() != RoleInitiator {
		t.Fatalf("first peer role = %s, want initiator", initiator.Role())
	}
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}

	waitForState(t, initiator, StateConnected, 10*time.Second)
	waitForState(t, receiver, StateConnected, 10*time.Second)
	return initiator, receiver, store
}

func TestInitiatorClaimsEmptyRoom(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	s := newTestSession(t, testConfig("alpha-1", "Alice"), store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Room identifiers are case-normalized to upper case.
	record, err := store.Get(ctx, "ALPHA-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.InitiatorID != s.PeerID() {
		t.Errorf("initiator_id = %s, want %s", record.InitiatorID, s.PeerID())
	}
	if record.PassphraseHash != crypto.Fingerprint("hunter2") {
		t.Error("record carries wrong passphrase fingerprint")
	}
	if record.Offer == "" || record.Offer == rendezvous.OfferClaimed {
		t.Errorf("offer = %q, want a posted description", record.Offer)
	}
	if s.State() != StateReady {
		t.Errorf("state = %s, want ready", s.State())
	}
}

func TestHandshakeAndChat(t *testing.T) {
	initiator, receiver, _ := connectPair(t, "ALPHA-1")

	// Both sides learn the peer's display name from the first
	// privacy-update frame.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		remote, ok := receiver.Remote()
		if ok && remote.DisplayName == "Alice" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	remote, ok := receiver.Remote()
	if !ok || remote.DisplayName != "Alice" {
		t.Fatalf("receiver remote view = %+v, ok=%v", remote, ok)
	}

	if err := initiator.SendChat("hello 你好"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	event := waitForEvent(t, receiver, EventChat, 5*time.Second)
	if event.Message != "hello 你好" {
		t.Errorf("chat = %q, want %q", event.Message, "hello 你好")
	}

	if err := receiver.SendChat("hi back"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	event = waitForEvent(t, initiator, EventChat, 5*time.Second)
	if event.Message != "hi back" {
		t.Errorf("chat = %q, want %q", event.Message, "hi back")
	}
}

func TestFileTransferRoundTrip(t *testing.T) {
	initiator, receiver, _ := connectPair(t, "BETA-7")

	payload := make([]byte, 300*1024+17)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		done <- initiator.SendFile(ctx, "blob.bin", "application/octet-stream", payload)
	}()

	var lastDone int64
	deadline := time.After(30 * time.Second)
	for {
		select {
		case event := <-receiver.Events():
			switch event.Kind {
			case EventFileProgress:
				if event.Progress.Done < lastDone {
					t.Fatalf("progress went backwards: %d after %d", event.Progress.Done, lastDone)
				}
				lastDone = event.Progress.Done
			case EventFileReceived:
				if err := <-done; err != nil {
					t.Fatalf("SendFile: %v", err)
				}
				file := event.File
				if file.Name != "blob.bin" || file.MimeType != "application/octet-stream" {
					t.Errorf("file identity = %s/%s", file.Name, file.MimeType)
				}
				if !bytes.Equal(file.Data, payload) {
					t.Fatal("received bytes differ from source")
				}
				if lastDone != int64(len(payload)) {
					t.Errorf("final progress = %d, want %d", lastDone, len(payload))
				}
				return
			}
		case <-deadline:
			t.Fatal("file never assembled")
		}
	}
}

func TestTerminationPropagation(t *testing.T) {
	initiator, receiver, _ := connectPair(t, "GAMMA-3")

	if err := initiator.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitForState(t, receiver, StateClosed, 5*time.Second)

	// The peer must tear down cleanly, not bounce into a reconnect loop.
	time.Sleep(1500 * time.Millisecond)
	if state := receiver.State(); state != StateClosed {
		t.Errorf("receiver state = %s after teardown, want closed", state)
	}
}

func TestRoomFullForThirdPeer(t *testing.T) {
	_, _, store := connectPair(t, "DELTA-4")

	third := newTestSession(t, testConfig("DELTA-4", "Mallory"), store)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := third.Start(ctx)
	if err == nil {
		t.Fatal("third peer joined a full room")
	}
	if third.State() != StateRoomFull {
		t.Errorf("state = %s, want room-full", third.State())
	}
}

func TestReceiverClaimRace(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	initiator := newTestSession(t, testConfig("EPSILON-5", "Alice"), store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := initiator.Start(ctx); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}

	b := newTestSession(t, testConfig("EPSILON-5", "Bob"), store)
	c := newTestSession(t, testConfig("EPSILON-5", "Carol"), store)

	done := make(chan struct{}, 2)
	go func() { b.Start(ctx); done <- struct{}{} }()
	go func() { c.Start(ctx); done <- struct{}{} }()
	<-done
	<-done

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		bFull := b.State() == StateRoomFull
		cFull := c.State() == StateRoomFull
		bConnected := b.State() == StateConnected
		cConnected := c.State() == StateConnected
		if (bFull && cConnected) || (cFull && bConnected) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("race did not settle: b=%s c=%s", b.State(), c.State())
}

func TestStaleOwnRowReclaimed(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	s := newTestSession(t, testConfig("BETA-2", "Alice"), store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A fully-occupied record where self is one of the occupants,
	// updated 10 s ago.
	if err := store.Insert(ctx, &rendezvous.Record{
		RoomID:         "BETA-2",
		PassphraseHash: crypto.Fingerprint("hunter2"),
		InitiatorID:    s.PeerID(),
		Offer:          "stale-offer",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if matched, err := store.ClaimReceiver(ctx, "BETA-2", "departed-peer", "stale-answer"); err != nil || !matched {
		t.Fatalf("ClaimReceiver: matched=%v err=%v", matched, err)
	}
	store.Age("BETA-2", 10*time.Second)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	record, err := store.Get(ctx, "BETA-2")
	if err != nil {
		t.Fatalf("Get after reclamation: %v", err)
	}
	if record.InitiatorID != s.PeerID() || record.ReceiverID != "" {
		t.Errorf("record = %+v, want a fresh initiator claim", record)
	}
}

func TestYoungFullRowIsNotReclaimed(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	s := newTestSession(t, testConfig("BETA-2", "Alice"), store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Insert(ctx, &rendezvous.Record{
		RoomID:         "BETA-2",
		PassphraseHash: crypto.Fingerprint("hunter2"),
		InitiatorID:    s.PeerID(),
		Offer:          "offer",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if matched, _ := store.ClaimReceiver(ctx, "BETA-2", "other-peer", "answer"); !matched {
		t.Fatal("ClaimReceiver did not match")
	}

	// 7.9 s is inside the session-expiry horizon.
	store.Age("BETA-2", 7900*time.Millisecond)

	if err := s.Start(ctx); err == nil {
		t.Fatal("Start succeeded against a young full room")
	}
	if s.State() != StateRoomFull {
		t.Errorf("state = %s, want room-full", s.State())
	}
}

func TestForeignFullRowReclaimedPastHorizon(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Insert(ctx, &rendezvous.Record{
		RoomID:         "ZETA-6",
		PassphraseHash: crypto.Fingerprint("hunter2"),
		InitiatorID:    "ghost-a",
		Offer:          "offer",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if matched, _ := store.ClaimReceiver(ctx, "ZETA-6", "ghost-b", "answer"); !matched {
		t.Fatal("ClaimReceiver did not match")
	}
	store.Age("ZETA-6", 13*time.Second)

	s := newTestSession(t, testConfig("ZETA-6", "Alice"), store)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	record, err := store.Get(ctx, "ZETA-6")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.InitiatorID != s.PeerID() {
		t.Errorf("initiator_id = %s, want %s", record.InitiatorID, s.PeerID())
	}
}

func TestWaitsWhileOfferOnlyClaimed(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Insert(ctx, &rendezvous.Record{
		RoomID:         "ETA-7",
		PassphraseHash: crypto.Fingerprint("hunter2"),
		InitiatorID:    "other-peer",
		Offer:          rendezvous.OfferClaimed,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := newTestSession(t, testConfig("ETA-7", "Bob"), store)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The sentinel means "slot taken, offer pending": do not advance.
	if s.Role() != RoleNone {
		t.Errorf("role = %s, want none while offer is only claimed", s.Role())
	}
	record, _ := store.Get(ctx, "ETA-7")
	if record.ReceiverID != "" {
		t.Error("receiver slot claimed before the real offer was posted")
	}
}

func TestPassphraseMismatchExits(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Insert(ctx, &rendezvous.Record{
		RoomID:         "THETA-8",
		PassphraseHash: crypto.Fingerprint("different-secret"),
		InitiatorID:    "other-peer",
		Offer:          rendezvous.OfferClaimed,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := newTestSession(t, testConfig("THETA-8", "Bob"), store)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	event := waitForEvent(t, s, EventError, 5*time.Second)
	if !errors.Is(event.Err, ErrPassphraseMismatch) {
		t.Errorf("error = %v, want ErrPassphraseMismatch", event.Err)
	}
	waitForState(t, s, StateClosed, 5*time.Second)
}

func TestDuplicateNotificationsAreHarmless(t *testing.T) {
	initiator, receiver, store := connectPair(t, "IOTA-9")

	// The bus may deliver the same row update more than once; the
	// processed-offer/answer flags must keep the descriptions applied
	// exactly once, leaving the connection intact.
	for i := 0; i < 5; i++ {
		store.Republish("IOTA-9")
	}
	time.Sleep(500 * time.Millisecond)

	if initiator.State() != StateConnected || receiver.State() != StateConnected {
		t.Errorf("states = %s/%s after duplicate deliveries, want connected",
			initiator.State(), receiver.State())
	}
	if err := initiator.SendChat("still here"); err != nil {
		t.Errorf("SendChat after duplicates: %v", err)
	}
}

func TestPrivacyUpdatePropagates(t *testing.T) {
	initiator, receiver, _ := connectPair(t, "KAPPA-10")

	if err := initiator.SetPrivacyMode(media.PrivacyBlur); err != nil {
		t.Fatalf("SetPrivacyMode: %v", err)
	}
	if err := initiator.SetAudioEnabled(false); err != nil {
		t.Fatalf("SetAudioEnabled: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		remote, ok := receiver.Remote()
		if ok && remote.Filter == media.PrivacyBlur && !remote.AudioEnabled {
			if remote.VideoEnabled != true {
				t.Errorf("video flag flipped unexpectedly: %+v", remote)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	remote, _ := receiver.Remote()
	t.Fatalf("remote view never reflected the update: %+v", remote)
}

func TestRenegotiateRepostsOfferExactlyOncePerWindow(t *testing.T) {
	initiator, receiver, store := connectPair(t, "XI-14")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	before, err := store.Get(ctx, "XI-14")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Only the initiator honors a renegotiation request.
	if err := receiver.Renegotiate(ctx); err != nil {
		t.Fatalf("receiver Renegotiate: %v", err)
	}
	unchanged, err := store.Get(ctx, "XI-14")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if unchanged.Offer != before.Offer {
		t.Error("receiver renegotiation request touched the offer column")
	}

	if err := initiator.Renegotiate(ctx); err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}
	after, err := store.Get(ctx, "XI-14")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Offer == before.Offer {
		t.Error("renegotiation did not repost the offer")
	}

	// A second request inside the throttle window is a no-op.
	if err := initiator.Renegotiate(ctx); err != nil {
		t.Fatalf("throttled Renegotiate: %v", err)
	}
	throttled, err := store.Get(ctx, "XI-14")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if throttled.Offer != after.Offer {
		t.Error("throttled renegotiation reposted the offer")
	}

	// Give the answer re-application a moment, then hammer the pair with
	// duplicate deliveries; the exactly-once guards must hold.
	time.Sleep(300 * time.Millisecond)
	for i := 0; i < 3; i++ {
		store.Republish("XI-14")
	}
	time.Sleep(500 * time.Millisecond)

	if initiator.State() != StateConnected || receiver.State() != StateConnected {
		t.Fatalf("states = %s/%s after renegotiation, want connected",
			initiator.State(), receiver.State())
	}
	if err := initiator.SendChat("post-renegotiation"); err != nil {
		t.Errorf("SendChat after renegotiation: %v", err)
	}
	event := waitForEvent(t, receiver, EventChat, 5*time.Second)
	if event.Message != "post-renegotiation" {
		t.Errorf("chat = %q after renegotiation", event.Message)
	}
}

func TestDeclinedRenegotiationKeepsAnswerGuard(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	s := newTestSession(t, testConfig("OMICRON-15", "Alice"), store)

	// An initiator with no live transport declines the request; the
	// processed-answer guard must survive so a stale notification cannot
	// re-apply the record's existing answer.
	s.mu.Lock()
	s.role = RoleInitiator
	s.processedAnswer = true
	s.mu.Unlock()

	if err := s.Renegotiate(context.Background()); err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.processedAnswer {
		t.Error("declined renegotiation cleared the processed-answer guard")
	}
	if !s.lastRenegotiate.IsZero() {
		t.Error("declined renegotiation consumed the throttle window")
	}
}

func TestHeartbeatFailuresScheduleReconnect(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	s := newTestSession(t, testConfig("LAMBDA-11", "Alice"), store)

	// Simulate a connected initiator whose record vanished from the
	// store: every heartbeat misses.
	s.mu.Lock()
	s.role = RoleInitiator
	s.state = StateConnected
	s.mu.Unlock()

	for i := 0; i < heartbeatFailureLimit; i++ {
		s.heartbeat()
	}

	s.gov.mu.Lock()
	pending := s.gov.reconnect != nil
	s.gov.mu.Unlock()
	if !pending {
		t.Error("no reconnect scheduled after repeated heartbeat failures")
	}

	event := waitForEvent(t, s, EventWarning, 2*time.Second)
	if event.Message == "" {
		t.Error("warning event carries no message")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	s := newTestSession(t, testConfig("MU-12", "Alice"), store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	// Exit releases the room record so the identifier is reusable.
	if _, err := store.Get(ctx, "MU-12"); !errors.Is(err, rendezvous.ErrNotFound) {
		t.Errorf("record still present after Close: %v", err)
	}
}

func TestSingleSessionPerProcess(t *testing.T) {
	store := rendezvous.NewMemoryStore()

	first, err := New(testConfig("NU-13", "Alice"), store, &media.StaticPipeline{}, transport.ICEConfig{}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(testConfig("NU-14", "Bob"), store, &media.StaticPipeline{}, transport.ICEConfig{}, discardLogger()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second New: err = %v, want ErrSessionActive", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, err := New(testConfig("NU-15", "Carol"), store, &media.StaticPipeline{}, transport.ICEConfig{}, discardLogger())
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	second.Close()
}

func TestConfigNormalization(t *testing.T) {
	cfg := Config{Room: "  quiet-room ", Passphrase: "p"}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Room != "QUIET-ROOM" {
		t.Errorf("room = %q, want QUIET-ROOM", cfg.Room)
	}
	if cfg.DisplayName == "" {
		t.Error("display name not defaulted")
	}
	if cfg.Privacy != media.PrivacyNone {
		t.Errorf("privacy = %q, want none", cfg.Privacy)
	}

	bad := Config{Room: "R", Passphrase: "p", Privacy: media.PrivacyMode("sepia")}
	if err := bad.normalize(); err == nil {
		t.Error("normalize accepted an unknown privacy mode")
	}
	missing := Config{Room: "R"}
	if err := missing.normalize(); err == nil {
		t.Error("normalize accepted an empty passphrase")
	}
}

func TestMediaPermissionDeniedIsTerminal(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	pipeline := &media.StaticPipeline{
		AcquireErr:   media.ErrPermissionDenied,
		AudioOnlyErr: media.ErrPermissionDenied,
	}
	s, err := newSession(testConfig("XI-14", "Alice"), store, pipeline, transport.ICEConfig{}, discardLogger())
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("Start: err = %v, want permission denied", err)
	}
	if s.State() != StateMediaError {
		t.Errorf("state = %s, want media-error", s.State())
	}
}

func TestHardwareBusyFallsBackToAudioOnly(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	pipeline := &media.StaticPipeline{AcquireErr: media.ErrHardwareBusy}
	s, err := newSession(testConfig("OMICRON-15", "Alice"), store, pipeline, transport.ICEConfig{}, discardLogger())
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Local().VideoEnabled {
		t.Error("local video flag still set after audio-only fallback")
	}
}
