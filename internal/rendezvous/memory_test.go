package rendezvous

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInsertIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := &Record{
		RoomID:         "ALPHA-1",
		PassphraseHash: "hash",
		InitiatorID:    "peer-a",
		Offer:          OfferClaimed,
	}
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, record); !errors.Is(err, ErrExists) {
		t.Fatalf("second Insert: err = %v, want ErrExists", err)
	}

	got, err := store.Get(ctx, "ALPHA-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Offer != OfferClaimed {
		t.Errorf("offer = %q, want claimed sentinel", got.Offer)
	}
	if got.ReceiverID != "" {
		t.Errorf("receiver = %q, want unclaimed", got.ReceiverID)
	}
}

func TestGetMissingRoom(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClaimReceiverExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Insert(ctx, &Record{RoomID: "R", InitiatorID: "peer-a", Offer: "offer-sdp"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Many concurrent claimants; exactly one may match.
	const claimants = 8
	var wg sync.WaitGroup
	results := make([]bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			matched, err := store.ClaimReceiver(ctx, "R", "peer-b", "answer-sdp")
			if err != nil {
				t.Errorf("ClaimReceiver: %v", err)
			}
			results[index] = matched
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, matched := range results {
		if matched {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", winners)
	}
}

func TestSetOfferPredicatedOnInitiator(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Insert(ctx, &Record{RoomID: "R", InitiatorID: "peer-a", Offer: OfferClaimed}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	matched, err := store.SetOffer(ctx, "R", "peer-z", "sdp")
	if err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if matched {
		t.Error("SetOffer matched for a peer that is not the initiator")
	}

	matched, err = store.SetOffer(ctx, "R", "peer-a", "sdp")
	if err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if !matched {
		t.Error("SetOffer did not match for the initiator")
	}
}

func TestHeartbeatRequiresOccupancy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Insert(ctx, &Record{RoomID: "R", InitiatorID: "peer-a", Offer: OfferClaimed}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if matched, _ := store.Heartbeat(ctx, "R", "stranger"); matched {
		t.Error("heartbeat matched for a non-occupant")
	}

	before, _ := store.Get(ctx, "R")
	store.Age("R", time.Second)
	if matched, _ := store.Heartbeat(ctx, "R", "peer-a"); !matched {
		t.Fatal("heartbeat did not match for the initiator")
	}
	after, _ := store.Get(ctx, "R")
	if !after.UpdatedAt.After(before.UpdatedAt.Add(-time.Second)) {
		t.Error("heartbeat did not refresh updated_at")
	}
}

func TestSubscriptionDeliversLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "R")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := store.Insert(ctx, &Record{RoomID: "R", InitiatorID: "peer-a", Offer: OfferClaimed}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := store.SetOffer(ctx, "R", "peer-a", "real-offer"); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if err := store.Delete(ctx, "R"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	expectEvent(t, sub, EventInsert)
	update := expectEvent(t, sub, EventUpdate)
	if update.Record.Offer != "real-offer" {
		t.Errorf("update carried offer %q, want %q", update.Record.Offer, "real-offer")
	}
	expectEvent(t, sub, EventDelete)
}

func TestRepublishDeliversDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "R")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := store.Insert(ctx, &Record{RoomID: "R", InitiatorID: "peer-a", Offer: "sdp"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	store.Republish("R")
	store.Republish("R")

	expectEvent(t, sub, EventInsert)
	first := expectEvent(t, sub, EventUpdate)
	second := expectEvent(t, sub, EventUpdate)
	if first.Record.Offer != second.Record.Offer {
		t.Error("duplicate events differ")
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Subscribe(context.Background(), "R")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func expectEvent(t *testing.T, sub Subscription, kind EventKind) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatalf("event feed closed while waiting for %s", kind)
		}
		if event.Kind != kind {
			t.Fatalf("event kind = %s, want %s", event.Kind, kind)
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
	}
	return Event{}
}

func TestEventDecodeRoundTrip(t *testing.T) {
	payload := []byte(`{"kind":"update","record":{` +
		`"room_id":"R","passphrase_hash":"h","initiator_id":"a",` +
		`"receiver_id":"","offer":"CLAIMED","answer":"",` +
		`"created_at":"2026-01-02T03:04:05.000000001Z",` +
		`"updated_at":"2026-01-02T03:04:06.000000001Z"}}`)

	event, err := decodeEvent(payload)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != EventUpdate {
		t.Errorf("kind = %s, want update", event.Kind)
	}
	if event.Record.Offer != OfferClaimed {
		t.Errorf("offer = %q, want claimed sentinel", event.Record.Offer)
	}
	if event.Record.UpdatedAt.Sub(event.Record.CreatedAt) != time.Second {
		t.Errorf("timestamps parsed incorrectly: %v / %v", event.Record.CreatedAt, event.Record.UpdatedAt)
	}
}

func TestDeleteEventDecode(t *testing.T) {
	event, err := decodeEvent([]byte(`{"kind":"delete"}`))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if event.Kind != EventDelete || event.Record != nil {
		t.Errorf("event = %+v, want bare delete", event)
	}
}
