package session

import "github.com/mossy-p/peercall/internal/media"

// Participant is one side of the call as the embedder should render it.
// The remote participant's audio/video flags are driven solely by inbound
// privacy-update frames, never inferred from the transport.
type Participant struct {
	DisplayName  string
	Remote       bool
	AudioEnabled bool
	VideoEnabled bool
	Filter       media.PrivacyMode
	HasStream    bool
}

// Local returns a copy of the local participant view.
func (s *Session) Local() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Remote returns a copy of the remote participant view and whether a
// remote peer has been observed yet.
func (s *Session) Remote() (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return Participant{}, false
	}
	return *s.remote, true
}

func (s *Session) ensureRemoteLocked() *Participant {
	if s.remote == nil {
		s.remote = &Participant{Remote: true, Filter: media.PrivacyNone}
	}
	return s.remote
}
