// Package session drives one end of a two-party encrypted call: role
// election over the shared signaling record, the offer/answer exchange,
// heartbeats, reconnection, and the encrypted chat/file traffic once the
// data channel is up. One session object per process at a time; the
// embedder consumes progress through the event feed and a handful of
// accessor methods.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/peercall/internal/crypto"
	"github.com/mossy-p/peercall/internal/media"
	"github.com/mossy-p/peercall/internal/protocol"
	"github.com/mossy-p/peercall/internal/rendezvous"
	"github.com/mossy-p/peercall/internal/transfer"
	"github.com/mossy-p/peercall/internal/transport"
)

// State is the signaling state machine position. The three error states
// and closed are terminal.
type State string

const (
	StateIdle          State = "idle"
	StatePreparing     State = "preparing"
	StateReady         State = "ready"
	StateConnected     State = "connected"
	StateSecurityError State = "security-error"
	StateMediaError    State = "media-error"
	StateRoomFull      State = "room-full"
	StateClosed        State = "closed"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	switch s {
	case StateSecurityError, StateMediaError, StateRoomFull, StateClosed:
		return true
	}
	return false
}

// Role is the signaling role held for the current record, if any.
type Role string

const (
	RoleNone      Role = "none"
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

const (
	// heartbeatInterval paces updated_at refreshes while occupying a slot.
	heartbeatInterval = 5 * time.Second

	// heartbeatFailureLimit is the consecutive-miss count that schedules a
	// reconnect while connected.
	heartbeatFailureLimit = 3

	// sessionExpiryHorizon is the record age past which an occupant may
	// reclaim its own room.
	sessionExpiryHorizon = 8 * time.Second

	// roomFullHorizon is the record age past which any third party may
	// reclaim a fully-occupied room.
	roomFullHorizon = 12 * time.Second

	// negotiationThrottle bounds initiator-driven renegotiation.
	negotiationThrottle = 5 * time.Second

	// Reconnect delays by trigger.
	reconnectDelay           = time.Second
	reconnectVisibilityDelay = 500 * time.Millisecond
	reconnectRaceDelay       = 300 * time.Millisecond

	// electionAttempts bounds restarts of the role election procedure
	// within one signaling run.
	electionAttempts = 3

	// rpcRetryBackoff spaces retries after a transient store failure.
	rpcRetryBackoff = 200 * time.Millisecond

	// terminateGrace lets the session-terminate frame drain before the
	// channel closes under it.
	terminateGrace = 100 * time.Millisecond

	// storeOpTimeout bounds individual store RPCs issued from loops that
	// have no caller-supplied context.
	storeOpTimeout = 2 * time.Second
)

var (
	// ErrSessionActive is returned by New while another session lives in
	// this process. A session occupies the slot until Close or a terminal
	// state releases it.
	ErrSessionActive = errors.New("session: another session is already active")

	// ErrPassphraseMismatch is surfaced when the room record carries a
	// different passphrase fingerprint than ours.
	ErrPassphraseMismatch = errors.New("session: passphrase does not match the room")

	// ErrRoomFull is the cause behind the room-full terminal state.
	ErrRoomFull = errors.New("session: room already has two participants")

	// ErrNotConnected is returned by operations that need an open data
	// channel.
	ErrNotConnected = errors.New("session: data channel not open")
)

// Only one session may run per process. The signaling subscription and
// the random peer identity are session-scoped; a second concurrent
// session would fight the first for both.
var (
	activeMu      sync.Mutex
	sessionActive bool
)

func acquireProcessSlot() error {
	activeMu.Lock()
	defer activeMu.Unlock()
	if sessionActive {
		return ErrSessionActive
	}
	sessionActive = true
	return nil
}

func releaseProcessSlot() {
	activeMu.Lock()
	sessionActive = false
	activeMu.Unlock()
}

// Config is the immutable per-session configuration.
type Config struct {
	// Room is the shared room identifier. Normalized to upper case.
	Room string

	// Passphrase is the shared secret. Never persisted or transmitted;
	// only its fingerprint reaches the signaling record.
	Passphrase string

	// DisplayName is shown to the remote peer.
	DisplayName string

	// Privacy is the initial outbound video treatment.
	Privacy media.PrivacyMode

	// RecordingProtection and Ephemeral are carried in the configuration
	// only; the core does not act on them or pass them to the media
	// pipeline.
	RecordingProtection bool
	Ephemeral           bool
}

func (c *Config) normalize() error {
	c.Room = strings.ToUpper(strings.TrimSpace(c.Room))
	if c.Room == "" {
		return errors.New("session: room identifier required")
	}
	if c.Passphrase == "" {
		return errors.New("session: passphrase required")
	}
	if c.DisplayName == "" {
		c.DisplayName = GuestName()
	}
	if c.Privacy == "" {
		c.Privacy = media.PrivacyNone
	}
	if !c.Privacy.Valid() {
		return fmt.Errorf("session: unknown privacy mode %q", c.Privacy)
	}
	return nil
}

// Session is one end of a call.
type Session struct {
	cfg      Config
	peerID   string
	store    rendezvous.Store
	pipeline media.Pipeline
	ice      transport.ICEConfig
	logger   *slog.Logger
	events   chan Event

	key      *crypto.Key
	receiver *transfer.Receiver
	gov      *governor

	slotHeld bool
	slotOnce sync.Once

	mu              sync.Mutex
	state           State
	role            Role
	signaling       bool
	closing         bool
	processedOffer  bool
	processedAnswer bool
	heartbeatMisses int
	lastRenegotiate time.Time
	local           Participant
	remote          *Participant
}

// New constructs a session and derives the symmetric key. Fails with
// crypto.ErrInsecureContext when strong primitives are unavailable and
// with ErrSessionActive when another session already holds the process
// slot. The session does not touch the network until Start.
func New(cfg Config, store rendezvous.Store, pipeline media.Pipeline, ice transport.ICEConfig, logger *slog.Logger) (*Session, error) {
	if err := acquireProcessSlot(); err != nil {
		return nil, err
	}
	s, err := newSession(cfg, store, pipeline, ice, logger)
	if err != nil {
		releaseProcessSlot()
		return nil, err
	}
	s.slotHeld = true
	return s, nil
}

// newSession builds a session without touching the process slot. Package
// tests use it directly to run both peers of a call in one process.
func newSession(cfg Config, store rendezvous.Store, pipeline media.Pipeline, ice transport.ICEConfig, logger *slog.Logger) (*Session, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	key, err := crypto.DeriveKey(cfg.Passphrase, cfg.Room)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		peerID:   uuid.New().String(),
		store:    store,
		pipeline: pipeline,
		ice:      ice,
		logger:   logger.With("room", cfg.Room),
		events:   make(chan Event, 64),
		key:      key,
		state:    StateIdle,
		role:     RoleNone,
		local: Participant{
			DisplayName:  cfg.DisplayName,
			AudioEnabled: true,
			VideoEnabled: true,
			Filter:       cfg.Privacy,
		},
	}
	s.receiver = transfer.NewReceiver(key,
		func(p transfer.Progress) { s.emit(Event{Kind: EventFileProgress, Progress: &p}) },
		func(f transfer.File) { s.emit(Event{Kind: EventFileReceived, File: &f}) },
		s.logger)
	s.gov = newGovernor(key, s.receiver, s.logger)
	return s, nil
}

// PeerID returns the random per-session peer identifier. It is stable
// across reconnect attempts within this session.
func (s *Session) PeerID() string { return s.peerID }

// State returns the current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the signaling role held for the current record.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Start acquires media, subscribes to the room, and runs role election.
// A terminal outcome (media denied, room full) is reported both as the
// returned error and through the event feed.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StatePreparing)

	if err := s.acquireMedia(ctx); err != nil {
		s.fail(StateMediaError, err)
		return err
	}

	// Subscribe before the election's first read so transitions that land
	// mid-handshake are not missed.
	sub, err := s.store.Subscribe(ctx, s.cfg.Room)
	if err != nil {
		err = fmt.Errorf("subscribing to room: %w", err)
		s.fail(StateClosed, err)
		return err
	}
	s.gov.swapSubscription(sub)
	go s.pump(sub)

	stop := make(chan struct{})
	s.gov.addStop(stop)
	go s.heartbeatLoop(stop)

	s.runSignaling(ctx)

	if state := s.State(); state.Terminal() && state != StateClosed {
		return fmt.Errorf("session: entered %s during election", state)
	}
	return nil
}

// acquireMedia opens local capture, falling back exactly once to
// audio-only when hardware is busy.
func (s *Session) acquireMedia(ctx context.Context) error {
	localMedia, err := s.pipeline.Acquire(ctx, s.cfg.Privacy)
	if errors.Is(err, media.ErrHardwareBusy) {
		s.logger.Warn("capture hardware busy, retrying audio-only")
		localMedia, err = s.pipeline.AcquireAudioOnly(ctx)
	}
	if err != nil {
		return fmt.Errorf("acquiring media: %w", err)
	}
	s.gov.setMedia(localMedia)

	s.mu.Lock()
	s.local.VideoEnabled = localMedia.HasVideo()
	local := s.local
	s.mu.Unlock()
	s.emit(Event{Kind: EventParticipantUpdate, Participant: &local})
	return nil
}

// beginSignaling takes the signaling-in-progress flag. Reentry while the
// flag is held is a no-op; change-notification handlers observe the flag
// and skip mutating actions when set.
func (s *Session) beginSignaling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling || s.closing || s.state.Terminal() {
		return false
	}
	s.signaling = true
	return true
}

func (s *Session) endSignaling() {
	s.mu.Lock()
	s.signaling = false
	s.mu.Unlock()
}

func (s *Session) runSignaling(ctx context.Context) {
	if !s.beginSignaling() {
		return
	}
	defer s.endSignaling()
	s.elect(ctx)
}

// elect runs the role election procedure: read the record, claim the
// initiator slot if the room is empty, reclaim stale records, or join as
// receiver. Restarts on collisions and reclamations, bounded by
// electionAttempts; transient RPC failures retry with a short backoff
// and leave the subscription alive so a change notification can
// retrigger.
func (s *Session) elect(ctx context.Context) {
	fingerprint := crypto.Fingerprint(s.cfg.Passphrase)

	for attempt := 1; attempt <= electionAttempts; attempt++ {
		record, err := s.store.Get(ctx, s.cfg.Room)
		switch {
		case errors.Is(err, rendezvous.ErrNotFound):
			insertErr := s.store.Insert(ctx, &rendezvous.Record{
				RoomID:         s.cfg.Room,
				PassphraseHash: fingerprint,
				InitiatorID:    s.peerID,
				Offer:          rendezvous.OfferClaimed,
			})
			if errors.Is(insertErr, rendezvous.ErrExists) {
				s.logger.Debug("insert collision, restarting election", "attempt", attempt)
				continue
			}
			if insertErr != nil {
				s.logger.Warn("room insert failed", "error", insertErr, "attempt", attempt)
				time.Sleep(rpcRetryBackoff)
				continue
			}
			s.setRole(RoleInitiator)
			s.initiatorHandshake(ctx)
			return

		case err != nil:
			s.logger.Warn("room read failed", "error", err, "attempt", attempt)
			time.Sleep(rpcRetryBackoff)
			continue
		}

		if record.Full() {
			age := time.Since(record.UpdatedAt)
			occupant := record.Occupies(s.peerID)
			if (occupant && age > sessionExpiryHorizon) || (!occupant && age > roomFullHorizon) {
				s.logger.Info("reclaiming stale room record",
					"age", age, "occupant", occupant)
				if err := s.store.Delete(ctx, s.cfg.Room); err != nil {
					s.logger.Warn("stale record delete failed", "error", err)
					time.Sleep(rpcRetryBackoff)
				}
				continue
			}
			s.fail(StateRoomFull, ErrRoomFull)
			return
		}

		if record.InitiatorID == s.peerID {
			// Our own half-open claim from a torn-down transport; the
			// offer it holds is dead. Reclaim and start over.
			if err := s.store.Delete(ctx, s.cfg.Room); err != nil {
				s.logger.Warn("reclaiming own half-open record failed", "error", err)
				time.Sleep(rpcRetryBackoff)
			}
			continue
		}

		// Room has an initiator waiting; we would be the receiver.
		if record.PassphraseHash != fingerprint {
			s.failPassphrase()
			return
		}
		if record.Offer == rendezvous.OfferClaimed {
			// The initiator claimed the slot but has not posted its offer
			// yet; a change notification will carry it.
			s.logger.Debug("offer not yet posted, waiting for notification")
			return
		}
		s.setRole(RoleReceiver)
		s.receiverHandshake(ctx, record.Offer)
		return
	}

	s.logger.Warn("role election exhausted attempts, awaiting change notification")
}

// initiatorHandshake posts the offer and leaves the answer to the change
// notification pump.
func (s *Session) initiatorHandshake(ctx context.Context) {
	t, err := s.buildTransport(transport.RoleInitiator)
	if err != nil {
		s.logger.Error("transport construction failed", "error", err)
		s.scheduleReconnect(reconnectDelay)
		return
	}

	offer, err := t.CreateOffer(ctx)
	if err != nil {
		s.logger.Error("offer generation failed", "error", err)
		s.gov.releaseTransport()
		s.scheduleReconnect(reconnectDelay)
		return
	}

	matched, err := s.store.SetOffer(ctx, s.cfg.Room, s.peerID, offer)
	if err != nil || !matched {
		s.logger.Warn("offer write lost the record", "matched", matched, "error", err)
		s.gov.releaseTransport()
		s.resetHandshakeState()
		s.scheduleReconnect(reconnectRaceDelay)
		return
	}
	s.setState(StateReady)
}

// receiverHandshake applies the offer, posts the answer, and attempts the
// one-shot receiver claim. Guarded by the processed-offer flag so
// duplicate notifications apply the offer exactly once.
func (s *Session) receiverHandshake(ctx context.Context, offer string) {
	s.mu.Lock()
	if s.processedOffer {
		s.mu.Unlock()
		return
	}
	s.processedOffer = true
	s.mu.Unlock()

	t, err := s.buildTransport(transport.RoleReceiver)
	if err != nil {
		s.logger.Error("transport construction failed", "error", err)
		s.scheduleReconnect(reconnectDelay)
		return
	}
	if err := t.AcceptOffer(offer); err != nil {
		s.logger.Error("applying remote offer failed", "error", err)
		s.gov.releaseTransport()
		s.resetHandshakeState()
		s.scheduleReconnect(reconnectDelay)
		return
	}
	answer, err := t.CreateAnswer(ctx)
	if err != nil {
		s.logger.Error("answer generation failed", "error", err)
		s.gov.releaseTransport()
		s.resetHandshakeState()
		s.scheduleReconnect(reconnectDelay)
		return
	}

	matched, err := s.store.ClaimReceiver(ctx, s.cfg.Room, s.peerID, answer)
	if err != nil {
		s.logger.Warn("receiver claim errored", "error", err)
		matched = false
	}
	if !matched {
		// Our prior attempt may have succeeded with its ack lost.
		record, readErr := s.store.Get(ctx, s.cfg.Room)
		if readErr == nil && record.ReceiverID == s.peerID {
			matched = true
		}
	}
	if !matched {
		s.gov.releaseTransport()
		s.fail(StateRoomFull, ErrRoomFull)
		return
	}
	s.setState(StateReady)
}

// buildTransport constructs the peer connection for a handshake, wires
// the shared handlers, and attaches local media. The sender is created
// after the transport and reached through the governor so the
// buffered-low callback has no construction cycle.
func (s *Session) buildTransport(role transport.Role) (*transport.Session, error) {
	handlers := transport.Handlers{
		OnMessage:     s.handleMessage,
		OnChannelOpen: s.handleChannelOpen,
		OnChannelClose: func() {
			// Channel closure mid-transfer counts as cancellation.
			if sender := s.gov.senderHandle(); sender != nil {
				sender.Cancel()
			}
		},
		OnBufferedLow: func() {
			if sender := s.gov.senderHandle(); sender != nil {
				sender.NotifyBufferedLow()
			}
		},
		OnTrack:          s.handleTrack,
		OnStateChange:    s.handleConnectionState,
		BufferedLowWater: transfer.BufferLowWater,
	}

	t, err := transport.NewSession(role, s.ice, handlers, s.logger)
	if err != nil {
		return nil, err
	}
	if localMedia := s.gov.mediaHandle(); localMedia != nil {
		for _, track := range localMedia.Tracks() {
			if err := t.AddTrack(track); err != nil {
				t.Close()
				return nil, err
			}
		}
	}
	s.gov.setTransport(t, transfer.NewSender(t, s.key, s.logger))
	return t, nil
}

// pump consumes change notifications until the subscription closes. The
// governor closes the subscription on teardown, which ends the loop.
func (s *Session) pump(sub rendezvous.Subscription) {
	for event := range sub.Events() {
		s.handleStoreEvent(event)
	}
}

func (s *Session) handleStoreEvent(event rendezvous.Event) {
	if event.Kind == rendezvous.EventDelete {
		s.mu.Lock()
		lost := s.role != RoleNone && !s.closing && !s.state.Terminal() && s.state != StateConnected
		s.mu.Unlock()
		if lost {
			s.logger.Warn("room record deleted mid-handshake")
			s.resetHandshakeState()
			s.scheduleReconnect(reconnectRaceDelay)
		}
		return
	}
	record := event.Record
	if record == nil {
		return
	}

	s.mu.Lock()
	if s.signaling || s.closing || s.state.Terminal() {
		// A signaling run is mutating state; it will observe the record
		// itself. Skip rather than race it.
		s.mu.Unlock()
		return
	}
	role := s.role
	processedOffer := s.processedOffer
	processedAnswer := s.processedAnswer
	s.mu.Unlock()

	switch {
	case role == RoleInitiator && !processedAnswer &&
		record.Answer != "" && record.InitiatorID == s.peerID:
		s.applyAnswer(record.Answer)

	case role != RoleInitiator && !processedOffer &&
		record.Offer != "" && record.Offer != rendezvous.OfferClaimed &&
		record.InitiatorID != s.peerID:
		if record.PassphraseHash != crypto.Fingerprint(s.cfg.Passphrase) {
			s.failPassphrase()
			return
		}
		if !s.beginSignaling() {
			return
		}
		s.setRole(RoleReceiver)
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout+transport.GatherTimeout)
		s.receiverHandshake(ctx, record.Offer)
		cancel()
		s.endSignaling()
	}
}

// applyAnswer applies the receiver's answer exactly once, even under
// duplicate change deliveries.
func (s *Session) applyAnswer(answer string) {
	s.mu.Lock()
	if s.processedAnswer {
		s.mu.Unlock()
		return
	}
	s.processedAnswer = true
	s.mu.Unlock()

	t := s.gov.transportHandle()
	if t == nil {
		return
	}
	if err := t.AcceptAnswer(answer); err != nil {
		s.logger.Error("applying remote answer failed", "error", err)
		s.resetHandshakeState()
		s.scheduleReconnect(reconnectDelay)
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		s.heartbeatMisses = 0
		s.mu.Unlock()
		s.setState(StateConnected)

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.mu.Lock()
		reconnect := !s.closing && !s.state.Terminal()
		s.mu.Unlock()
		if reconnect {
			s.emit(Event{Kind: EventWarning, Message: "connection lost, reconnecting"})
			s.resetHandshakeState()
			s.scheduleReconnect(reconnectDelay)
		}
	}
}

// handleChannelOpen pushes the local privacy state (and display name) as
// the first frame so the peer can render us immediately.
func (s *Session) handleChannelOpen() {
	if err := s.sendPrivacyUpdate(); err != nil {
		s.logger.Warn("initial privacy-update failed", "error", err)
	}
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.logger.Info("remote track arrived", "kind", track.Kind().String())
	s.mu.Lock()
	remote := s.ensureRemoteLocked()
	remote.HasStream = true
	view := *remote
	s.mu.Unlock()
	s.emit(Event{Kind: EventParticipantUpdate, Participant: &view})
}

// handleMessage dispatches one data-channel frame: JSON envelopes for
// text frames, encrypted file chunks for binary ones.
func (s *Session) handleMessage(message webrtc.DataChannelMessage) {
	if !message.IsString {
		if err := s.receiver.HandleChunk(message.Data); err != nil {
			s.logger.Warn("dropping file chunk", "error", err)
		}
		return
	}

	frame, err := protocol.Decode(message.Data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.FrameChat:
		text, err := s.key.DecryptText(frame.Data, frame.IV)
		if err != nil {
			s.logger.Warn("dropping unauthenticated chat frame", "error", err)
			return
		}
		s.emit(Event{Kind: EventChat, Message: text})

	case protocol.FramePrivacyUpdate:
		s.mu.Lock()
		remote := s.ensureRemoteLocked()
		if mode := media.PrivacyMode(frame.Filter); mode.Valid() {
			remote.Filter = mode
		}
		if frame.AudioEnabled != nil {
			remote.AudioEnabled = *frame.AudioEnabled
		}
		if frame.VideoEnabled != nil {
			remote.VideoEnabled = *frame.VideoEnabled
		}
		if frame.Name != "" {
			remote.DisplayName = frame.Name
		}
		view := *remote
		s.mu.Unlock()
		s.emit(Event{Kind: EventParticipantUpdate, Participant: &view})

	case protocol.FrameFileMeta:
		s.receiver.HandleMeta(frame)

	case protocol.FrameFileAbort:
		s.receiver.HandleAbort(frame)

	case protocol.FrameSessionTerminate:
		s.logger.Info("peer requested session termination")
		go s.shutdown(false, StateClosed, nil)

	default:
		s.logger.Info("ignoring unknown frame type", "type", frame.Type)
	}
}

// heartbeatLoop refreshes updated_at every interval while a slot is
// held. Three consecutive failures while connected schedule a reconnect.
func (s *Session) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Session) heartbeat() {
	s.mu.Lock()
	if s.role == RoleNone || s.closing || s.state.Terminal() {
		s.heartbeatMisses = 0
		s.mu.Unlock()
		return
	}
	connected := s.state == StateConnected
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	matched, err := s.store.Heartbeat(ctx, s.cfg.Room, s.peerID)
	cancel()

	s.mu.Lock()
	if err != nil || !matched {
		s.heartbeatMisses++
		misses := s.heartbeatMisses
		s.mu.Unlock()
		s.logger.Warn("heartbeat failed", "misses", misses, "matched", matched, "error", err)
		if misses >= heartbeatFailureLimit && connected {
			s.mu.Lock()
			s.heartbeatMisses = 0
			s.mu.Unlock()
			s.emit(Event{Kind: EventWarning, Message: "signaling heartbeat lost, reconnecting"})
			s.resetHandshakeState()
			s.scheduleReconnect(reconnectDelay)
		}
		return
	}
	s.heartbeatMisses = 0
	s.mu.Unlock()
}

// scheduleReconnect arms the single reconnect timer. A pending timer is
// never replaced, so overlapping triggers collapse into one attempt.
func (s *Session) scheduleReconnect(delay time.Duration) {
	if s.gov.scheduleReconnect(delay, s.reconnect) {
		s.logger.Info("reconnect scheduled", "delay", delay)
	}
}

// reconnect tears down the current transport, replaces the subscription,
// and reruns role election with the same peer identity.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.closing || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.gov.releaseTransport()
	s.resetHandshakeState()
	s.setState(StatePreparing)

	ctx, cancel := context.WithTimeout(context.Background(), 2*transport.GatherTimeout+3*storeOpTimeout)
	defer cancel()

	sub, err := s.store.Subscribe(ctx, s.cfg.Room)
	if err != nil {
		s.logger.Warn("resubscribe failed", "error", err)
		s.scheduleReconnect(reconnectDelay)
		return
	}
	s.gov.swapSubscription(sub)
	go s.pump(sub)

	s.runSignaling(ctx)
}

// resetHandshakeState clears the role and the single-shot description
// flags ahead of a fresh election.
func (s *Session) resetHandshakeState() {
	s.mu.Lock()
	s.role = RoleNone
	s.processedOffer = false
	s.processedAnswer = false
	s.heartbeatMisses = 0
	s.mu.Unlock()
}

// Wake is the tab-visibility hook: an embedder whose UI just became
// visible calls it to hasten recovery after a backgrounded blip.
func (s *Session) Wake() {
	s.mu.Lock()
	stale := s.state != StateConnected && s.role != RoleNone && !s.closing && !s.state.Terminal()
	s.mu.Unlock()
	if stale {
		s.scheduleReconnect(reconnectVisibilityDelay)
	}
}

// SendChat encrypts and sends one chat message.
func (s *Session) SendChat(text string) error {
	t := s.gov.transportHandle()
	if t == nil || !t.ChannelOpen() {
		return ErrNotConnected
	}
	ciphertext, iv, err := s.key.EncryptText(text)
	if err != nil {
		return fmt.Errorf("encrypting chat: %w", err)
	}
	frame, err := protocol.Encode(protocol.Chat(ciphertext, iv))
	if err != nil {
		return err
	}
	return t.SendText(frame)
}

// SendFile streams a file to the peer, blocking until sent, cancelled,
// or failed. Progress surfaces on the event feed.
func (s *Session) SendFile(ctx context.Context, name, mimeType string, data []byte) error {
	sender := s.gov.senderHandle()
	if sender == nil {
		return ErrNotConnected
	}
	t := s.gov.transportHandle()
	if t == nil || !t.ChannelOpen() {
		return ErrNotConnected
	}
	return sender.Send(ctx, name, mimeType, data, func(p transfer.Progress) {
		s.emit(Event{Kind: EventFileProgress, Progress: &p})
	})
}

// CancelTransfer aborts the in-flight outbound transfer, if any.
func (s *Session) CancelTransfer() {
	if sender := s.gov.senderHandle(); sender != nil {
		sender.Cancel()
	}
}

// SetPrivacyMode switches the outbound video treatment and mirrors the
// change to the peer.
func (s *Session) SetPrivacyMode(mode media.PrivacyMode) error {
	if !mode.Valid() {
		return fmt.Errorf("session: unknown privacy mode %q", mode)
	}
	s.mu.Lock()
	s.local.Filter = mode
	local := s.local
	s.mu.Unlock()

	if localMedia := s.gov.mediaHandle(); localMedia != nil {
		localMedia.SetPrivacyMode(mode)
	}
	s.emit(Event{Kind: EventParticipantUpdate, Participant: &local})
	return s.sendPrivacyUpdate()
}

// SetAudioEnabled flips the local mute gate and mirrors it to the peer.
func (s *Session) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	s.local.AudioEnabled = enabled
	local := s.local
	s.mu.Unlock()

	if localMedia := s.gov.mediaHandle(); localMedia != nil {
		localMedia.SetAudioEnabled(enabled)
	}
	s.emit(Event{Kind: EventParticipantUpdate, Participant: &local})
	return s.sendPrivacyUpdate()
}

// SetVideoEnabled flips the local video flag and mirrors it to the peer.
// It does not touch the local media: outbound video frames keep flowing
// unchanged; only the flag the peer renders from changes.
func (s *Session) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	s.local.VideoEnabled = enabled
	local := s.local
	s.mu.Unlock()
	s.emit(Event{Kind: EventParticipantUpdate, Participant: &local})
	return s.sendPrivacyUpdate()
}

// sendPrivacyUpdate pushes the local privacy state. Quietly succeeds
// when no channel is open yet; the channel-open hook resends.
func (s *Session) sendPrivacyUpdate() error {
	t := s.gov.transportHandle()
	if t == nil || !t.ChannelOpen() {
		return nil
	}
	s.mu.Lock()
	frame := protocol.PrivacyUpdate(string(s.local.Filter), s.local.AudioEnabled, s.local.VideoEnabled)
	frame.Name = s.cfg.DisplayName
	s.mu.Unlock()

	encoded, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return t.SendText(encoded)
}

// Renegotiate generates and posts a fresh offer. Honored only by the
// initiator, only while the transport's negotiation state is stable, and
// at most once per throttle window; otherwise it is a logged no-op.
func (s *Session) Renegotiate(ctx context.Context) error {
	s.mu.Lock()
	if s.role != RoleInitiator {
		s.mu.Unlock()
		s.logger.Debug("renegotiation ignored, not initiator")
		return nil
	}
	if since := time.Since(s.lastRenegotiate); since < negotiationThrottle {
		s.mu.Unlock()
		s.logger.Debug("renegotiation throttled", "since", since)
		return nil
	}
	s.mu.Unlock()

	t := s.gov.transportHandle()
	if t == nil || !t.SignalingStable() {
		s.logger.Debug("renegotiation ignored, transport not stable")
		return nil
	}

	// Arm the new exchange only once the renegotiation is certain to
	// proceed. Clearing processedAnswer earlier would let a stale change
	// notification re-apply the record's existing answer.
	s.mu.Lock()
	s.lastRenegotiate = time.Now()
	s.processedAnswer = false
	s.mu.Unlock()

	offer, err := t.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("renegotiation offer: %w", err)
	}
	matched, err := s.store.SetOffer(ctx, s.cfg.Room, s.peerID, offer)
	if err != nil {
		return fmt.Errorf("posting renegotiation offer: %w", err)
	}
	if !matched {
		s.logger.Warn("renegotiation offer lost the record")
	}
	return nil
}

// Close tears the session down: a session-terminate frame to the peer,
// the room record deleted if occupied, every resource released.
// Idempotent.
func (s *Session) Close() error {
	return s.shutdown(true, StateClosed, nil)
}

// fail enters a terminal error state and releases everything.
func (s *Session) fail(state State, cause error) {
	s.shutdown(false, state, cause)
}

// failPassphrase surfaces the mismatch and exits after a brief grace so
// the embedder can show the message before teardown.
func (s *Session) failPassphrase() {
	s.emit(Event{Kind: EventError, Err: ErrPassphraseMismatch})
	time.Sleep(terminateGrace)
	s.shutdown(false, StateClosed, ErrPassphraseMismatch)
}

func (s *Session) shutdown(sendTerminate bool, final State, cause error) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	role := s.role
	s.mu.Unlock()

	if sendTerminate {
		if t := s.gov.transportHandle(); t != nil && t.ChannelOpen() {
			if frame, err := protocol.Encode(protocol.SessionTerminate()); err == nil {
				if err := t.SendText(frame); err == nil {
					// Let the frame drain before the channel closes.
					time.Sleep(terminateGrace)
				}
			}
		}
	}

	if role != RoleNone {
		// Release the record only if we actually occupy it; a receiver
		// that lost the claim race must not delete the winners' row.
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		if record, err := s.store.Get(ctx, s.cfg.Room); err == nil && record.Occupies(s.peerID) {
			if err := s.store.Delete(ctx, s.cfg.Room); err != nil {
				s.logger.Warn("room record delete on exit failed", "error", err)
			}
		}
		cancel()
	}

	s.gov.cleanup()

	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = final
	}
	state := s.state
	s.mu.Unlock()

	if cause != nil {
		s.emit(Event{Kind: EventError, Err: cause})
	}
	s.emit(Event{Kind: EventStateChange, State: state})
	if s.slotHeld {
		s.slotOnce.Do(releaseProcessSlot)
	}
	s.logger.Info("session closed", "state", state)
	return nil
}

func (s *Session) setRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
	s.logger.Info("role elected", "role", role, "peer", s.peerID)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChange, State: state})
	s.logger.Info("state change", "state", state)
}
