// Package transport wraps a pion PeerConnection and its single ordered
// data channel for a two-party session. Signaling semantics (who offers,
// exactly-once description application, reclamation) live in the session
// package; this package only turns SDP handling, channel plumbing, and
// connection-state events into a small surface the state machine drives.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// GatherTimeout bounds ICE candidate gathering. When it elapses the
// current local description is committed as-is; a partial candidate set
// still connects on most networks thanks to the TURN relay.
const GatherTimeout = 4 * time.Second

// dataChannelLabel names the single ordered+reliable channel that carries
// every protocol frame.
const dataChannelLabel = "session"

// candidatePoolSize pre-gathers a small pool of candidates so the offer
// is ready quickly after the room is claimed.
const candidatePoolSize = 1

// ErrNoChannel is returned when a send is attempted before the data
// channel exists or after it closed.
var ErrNoChannel = errors.New("transport: data channel not open")

// ICEConfig holds the STUN/TURN server list used during gathering.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// DefaultICEConfig returns the curated server list: public STUN plus an
// always-available TURN relay so peers behind symmetric NATs still
// connect.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		Servers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
			{
				URLs:       []string{"turn:openrelay.metered.ca:80", "turn:openrelay.metered.ca:443"},
				Username:   "openrelayproject",
				Credential: "openrelayproject",
			},
		},
	}
}

// Role distinguishes the side that creates the data channel (the
// initiator) from the side that receives it.
type Role int

const (
	RoleInitiator Role = iota
	RoleReceiver
)

// Handlers are the callbacks a Session surfaces. All fields are optional;
// both peers install the same message handler regardless of role.
type Handlers struct {
	OnMessage         func(webrtc.DataChannelMessage)
	OnChannelOpen     func()
	OnChannelClose    func()
	OnBufferedLow     func()
	OnTrack           func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnStateChange     func(webrtc.PeerConnectionState)
	BufferedLowWater  uint64
}

// Session owns one PeerConnection and its ordered data channel.
type Session struct {
	pc     *webrtc.PeerConnection
	role   Role
	logger *slog.Logger

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	handlers Handlers
	closed   bool
}

// NewSession builds a PeerConnection for the given role. The initiator
// creates the data channel immediately so it is embedded in the offer;
// the receiver picks it up via OnDataChannel after applying the offer.
func NewSession(role Role, ice ICEConfig, handlers Handlers, logger *slog.Logger) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:           ice.Servers,
		ICECandidatePoolSize: candidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	session := &Session{
		pc:       pc,
		role:     role,
		logger:   logger,
		handlers: handlers,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("connection state change", "state", state.String())
		session.mu.Lock()
		handler := session.handlers.OnStateChange
		session.mu.Unlock()
		if handler != nil {
			handler(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		session.mu.Lock()
		handler := session.handlers.OnTrack
		session.mu.Unlock()
		if handler != nil {
			handler(track, receiver)
		}
	})

	switch role {
	case RoleInitiator:
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("creating data channel: %w", err)
		}
		session.installChannel(dc)
	case RoleReceiver:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			session.installChannel(dc)
		})
	}

	return session, nil
}

// installChannel wires the shared message/open/close callbacks onto the
// channel, whichever side it originated from.
func (s *Session) installChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	handlers := s.handlers
	s.mu.Unlock()

	if handlers.BufferedLowWater > 0 {
		dc.SetBufferedAmountLowThreshold(handlers.BufferedLowWater)
	}
	if handlers.OnBufferedLow != nil {
		dc.OnBufferedAmountLow(handlers.OnBufferedLow)
	}
	dc.OnOpen(func() {
		s.logger.Debug("data channel open", "label", dc.Label())
		if handlers.OnChannelOpen != nil {
			handlers.OnChannelOpen()
		}
	})
	dc.OnClose(func() {
		s.logger.Debug("data channel closed", "label", dc.Label())
		if handlers.OnChannelClose != nil {
			handlers.OnChannelClose()
		}
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		if handlers.OnMessage != nil {
			handlers.OnMessage(message)
		}
	})
}

// CreateOffer generates the local offer and waits for ICE gathering to
// finish, bounded by the gathering timeout. Whatever candidates exist at
// the deadline ship with the description.
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	return s.commitLocalDescription(ctx, offer)
}

// AcceptOffer applies the peer's offer as the remote description.
func (s *Session) AcceptOffer(encoded string) error {
	description, err := DecodeDescription(encoded)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	return nil
}

// CreateAnswer generates the local answer after AcceptOffer, with the
// same bounded gathering as CreateOffer.
func (s *Session) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	return s.commitLocalDescription(ctx, answer)
}

// AcceptAnswer applies the peer's answer as the remote description.
func (s *Session) AcceptAnswer(encoded string) error {
	description, err := DecodeDescription(encoded)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

func (s *Session) commitLocalDescription(ctx context.Context, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		s.logger.Warn("ICE gathering timed out, committing partial candidate set")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return "", errors.New("transport: no local description after gathering")
	}
	return EncodeDescription(*local), nil
}

// SendText sends a JSON protocol frame.
func (s *Session) SendText(payload string) error {
	dc := s.channel()
	if dc == nil {
		return ErrNoChannel
	}
	if err := dc.SendText(payload); err != nil {
		return fmt.Errorf("sending text frame: %w", err)
	}
	return nil
}

// SendBytes sends a binary chunk frame.
func (s *Session) SendBytes(payload []byte) error {
	dc := s.channel()
	if dc == nil {
		return ErrNoChannel
	}
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("sending binary frame: %w", err)
	}
	return nil
}

// BufferedAmount reports the channel's unsent byte count, or zero when no
// channel exists.
func (s *Session) BufferedAmount() uint64 {
	dc := s.channel()
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

// ChannelOpen reports whether the data channel is currently open.
func (s *Session) ChannelOpen() bool {
	dc := s.channel()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// AddTrack attaches a local media track before the offer/answer exchange.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	if _, err := s.pc.AddTrack(track); err != nil {
		return fmt.Errorf("adding track: %w", err)
	}
	return nil
}

// SignalingStable reports whether the connection is in the stable
// negotiation state. Renegotiation is only honored while stable.
func (s *Session) SignalingStable() bool {
	return s.pc.SignalingState() == webrtc.SignalingStateStable
}

// State returns the current peer connection state.
func (s *Session) State() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// ClearHandlers drops every registered callback. The resource governor
// calls this before Close so no handler closure outlives the session and
// no event fires into torn-down state.
func (s *Session) ClearHandlers() {
	s.mu.Lock()
	s.handlers = Handlers{}
	dc := s.dc
	s.mu.Unlock()

	s.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	s.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
	s.pc.OnDataChannel(func(*webrtc.DataChannel) {})
	if dc != nil {
		dc.OnOpen(func() {})
		dc.OnClose(func() {})
		dc.OnMessage(func(webrtc.DataChannelMessage) {})
		dc.OnBufferedAmountLow(nil)
	}
}

// Close closes the data channel and the peer connection. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dc := s.dc
	s.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	return s.pc.Close()
}

func (s *Session) channel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}
