// Package rendezvous provides typed access to the single signaling record
// two peers share while brokering a session. The record lives in an
// untrusted store that offers only three primitives the protocol relies
// on: insert-if-absent, conditional update (with an explicit matched/not
// matched result), and per-room change notifications. Everything else in
// the handshake is built on those.
//
// Three implementations ship: RedisStore (production, Lua-scripted
// conditional updates and pub/sub notifications), HTTPStore (clients that
// reach the store through rendezvousd), and MemoryStore (in-process, for
// tests and demos).
package rendezvous

import (
	"context"
	"errors"
	"time"
)

// OfferClaimed is the sentinel stored in the offer column between the
// initiator claiming the room and the real offer being written.
const OfferClaimed = "CLAIMED"

var (
	// ErrNotFound is returned when no record exists for the room.
	ErrNotFound = errors.New("rendezvous: room record not found")

	// ErrExists is returned by Insert when the room is already claimed.
	ErrExists = errors.New("rendezvous: room record already exists")
)

// Record is the signaling row, one per room. ReceiverID and Answer are
// empty strings until the receiver claims its slot; Offer holds either a
// base64-encoded session description or the OfferClaimed sentinel.
type Record struct {
	RoomID         string    `json:"room_id"`
	PassphraseHash string    `json:"passphrase_hash"`
	InitiatorID    string    `json:"initiator_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Offer          string    `json:"offer"`
	Answer         string    `json:"answer,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Occupies reports whether peerID holds either slot of the record.
func (r *Record) Occupies(peerID string) bool {
	return r.InitiatorID == peerID || (r.ReceiverID != "" && r.ReceiverID == peerID)
}

// Full reports whether both slots are taken.
func (r *Record) Full() bool {
	return r.InitiatorID != "" && r.ReceiverID != ""
}

// EventKind classifies a change notification.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is a change notification for a single room. Record is nil for
// delete events. The bus may deliver the same change more than once;
// consumers are expected to guard with single-shot flags.
type Event struct {
	Kind   EventKind `json:"kind"`
	Record *Record   `json:"record,omitempty"`
}

// Subscription is a live change-notification feed for one room. Events
// stops delivering after Close; Close is idempotent.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Store is the façade over the rendezvous service. Conditional operations
// report whether they matched a row — zero-rows-affected (matched=false)
// is the signal for having lost a race, never an error.
type Store interface {
	// Get reads the record for a room, or ErrNotFound.
	Get(ctx context.Context, roomID string) (*Record, error)

	// Insert creates the record if and only if none exists (ErrExists
	// otherwise). Used by the initiator to claim an empty room.
	Insert(ctx context.Context, record *Record) error

	// SetOffer writes the offer column, predicated on initiator_id still
	// being initiatorID. Refreshes updated_at.
	SetOffer(ctx context.Context, roomID, initiatorID, offer string) (matched bool, err error)

	// ClaimReceiver sets receiver_id and answer, predicated on the
	// receiver slot being unclaimed. At most one caller ever matches for
	// the lifetime of a record.
	ClaimReceiver(ctx context.Context, roomID, receiverID, answer string) (matched bool, err error)

	// Heartbeat refreshes updated_at, predicated on peerID occupying
	// either slot.
	Heartbeat(ctx context.Context, roomID, peerID string) (matched bool, err error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, roomID string) error

	// Subscribe opens a change-notification feed for the room. The feed
	// is independent of the record's existence; it can be opened before
	// the record is inserted.
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}
