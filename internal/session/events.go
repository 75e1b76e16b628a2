package session

import (
	"github.com/mossy-p/peercall/internal/transfer"
)

// EventKind classifies the events a session surfaces to its embedder.
type EventKind string

const (
	// EventStateChange reports a state machine transition.
	EventStateChange EventKind = "state-change"

	// EventChat delivers a decrypted inbound chat message.
	EventChat EventKind = "chat"

	// EventParticipantUpdate fires when either participant view changes.
	EventParticipantUpdate EventKind = "participant-update"

	// EventFileProgress reports inbound or outbound transfer advancement.
	EventFileProgress EventKind = "file-progress"

	// EventFileReceived hands over a fully assembled inbound file.
	EventFileReceived EventKind = "file-received"

	// EventWarning reports a recoverable problem the embedder may want to
	// show (heartbeat trouble, transport loss before a reconnect).
	EventWarning EventKind = "warning"

	// EventError reports the failure behind a terminal state.
	EventError EventKind = "error"
)

// Event is one item on the session's event feed. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind        EventKind
	State       State
	Message     string
	Participant *Participant
	Progress    *transfer.Progress
	File        *transfer.File
	Err         error
}

// Events returns the session's event feed. The channel is buffered; a
// slow consumer loses events rather than stalling the session.
func (s *Session) Events() <-chan Event {
	return s.events
}

// emit queues an event without ever blocking the session.
func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn("event dropped, consumer not draining", "kind", event.Kind)
	}
}
