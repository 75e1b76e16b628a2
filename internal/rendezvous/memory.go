package rendezvous

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-process demos.
// Two session cores sharing the same MemoryStore can broker a connection
// without Redis or rendezvousd. The Now hook lets tests age records past
// the reclamation horizons without sleeping.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	subscribers map[string]map[*memorySubscription]struct{}

	// Now supplies timestamps for mutations. Defaults to time.Now.
	Now func() time.Time
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		subscribers: make(map[string]map[*memorySubscription]struct{}),
		Now:         time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) Insert(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.RoomID]; ok {
		return ErrExists
	}
	now := s.Now().UTC()
	stored := *record
	stored.ReceiverID = ""
	stored.Answer = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.records[record.RoomID] = &stored
	s.publishLocked(record.RoomID, EventInsert)
	return nil
}

func (s *MemoryStore) SetOffer(_ context.Context, roomID, initiatorID, offer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[roomID]
	if !ok || record.InitiatorID != initiatorID {
		return false, nil
	}
	record.Offer = offer
	record.UpdatedAt = s.Now().UTC()
	s.publishLocked(roomID, EventUpdate)
	return true, nil
}

func (s *MemoryStore) ClaimReceiver(_ context.Context, roomID, receiverID, answer string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[roomID]
	if !ok || record.ReceiverID != "" {
		return false, nil
	}
	record.ReceiverID = receiverID
	record.Answer = answer
	record.UpdatedAt = s.Now().UTC()
	s.publishLocked(roomID, EventUpdate)
	return true, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, roomID, peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[roomID]
	if !ok || !record.Occupies(peerID) {
		return false, nil
	}
	record.UpdatedAt = s.Now().UTC()
	s.publishLocked(roomID, EventUpdate)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[roomID]; !ok {
		return nil
	}
	delete(s.records, roomID)
	s.publishLocked(roomID, EventDelete)
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, roomID string) (Subscription, error) {
	sub := &memorySubscription{
		store:  s,
		roomID: roomID,
		events: make(chan Event, 64),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[roomID] == nil {
		s.subscribers[roomID] = make(map[*memorySubscription]struct{})
	}
	s.subscribers[roomID][sub] = struct{}{}
	return sub, nil
}

// Republish re-emits the current record as an update event. Tests use it
// to exercise duplicate-delivery tolerance in consumers.
func (s *MemoryStore) Republish(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[roomID]; ok {
		s.publishLocked(roomID, EventUpdate)
	}
}

// Age rewinds a record's updated_at by the given duration. Tests use it to
// push records past the reclamation horizons.
func (s *MemoryStore) Age(roomID string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[roomID]; ok {
		record.UpdatedAt = record.UpdatedAt.Add(-by)
	}
}

// publishLocked fans the current record out to every subscriber of the
// room. Callers must hold s.mu.
func (s *MemoryStore) publishLocked(roomID string, kind EventKind) {
	event := Event{Kind: kind}
	if kind != EventDelete {
		copied := *s.records[roomID]
		event.Record = &copied
	}
	for sub := range s.subscribers[roomID] {
		select {
		case sub.events <- event:
		default:
			// Subscriber is not draining; drop rather than block the store.
		}
	}
}

type memorySubscription struct {
	store     *MemoryStore
	roomID    string
	events    chan Event
	closeOnce sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subscribers[s.roomID], s)
		s.store.mu.Unlock()
		close(s.events)
	})
	return nil
}
