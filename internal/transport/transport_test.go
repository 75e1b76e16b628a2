package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// connectPair brokers two Sessions over loopback ICE (no STUN/TURN) and
// returns them once both data channels are open.
func connectPair(t *testing.T, initiatorHandlers, receiverHandlers Handlers) (*Session, *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	initiatorOpen := make(chan struct{})
	receiverOpen := make(chan struct{})

	wrapOpen := func(handlers Handlers, open chan struct{}) Handlers {
		inner := handlers.OnChannelOpen
		handlers.OnChannelOpen = func() {
			close(open)
			if inner != nil {
				inner()
			}
		}
		return handlers
	}

	initiator, err := NewSession(RoleInitiator, ICEConfig{}, wrapOpen(initiatorHandlers, initiatorOpen), discardLogger())
	if err != nil {
		t.Fatalf("NewSession(initiator): %v", err)
	}
	t.Cleanup(func() { initiator.Close() })

	receiver, err := NewSession(RoleReceiver, ICEConfig{}, wrapOpen(receiverHandlers, receiverOpen), discardLogger())
	if err != nil {
		t.Fatalf("NewSession(receiver): %v", err)
	}
	t.Cleanup(func() { receiver.Close() })

	offer, err := initiator.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := receiver.AcceptOffer(offer); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	answer, err := receiver.CreateAnswer(ctx)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := initiator.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}

	for _, open := range []chan struct{}{initiatorOpen, receiverOpen} {
		select {
		case <-open:
		case <-ctx.Done():
			t.Fatal("data channels did not open in time")
		}
	}
	return initiator, receiver
}

func TestDescriptionEncodeDecode(t *testing.T) {
	original := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n",
	}
	decoded, err := DecodeDescription(EncodeDescription(original))
	if err != nil {
		t.Fatalf("DecodeDescription: %v", err)
	}
	if decoded.Type != original.Type || decoded.SDP != original.SDP {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestDecodeDescriptionRejectsGarbage(t *testing.T) {
	if _, err := DecodeDescription("not base64!"); err == nil {
		t.Error("DecodeDescription accepted invalid base64")
	}
	if _, err := DecodeDescription("aGVsbG8="); err == nil {
		t.Error("DecodeDescription accepted non-JSON payload")
	}
}

func TestDataChannelRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	initiator, _ := connectPair(t,
		Handlers{},
		Handlers{OnMessage: func(message webrtc.DataChannelMessage) {
			if message.IsString {
				received <- string(message.Data)
			}
		}},
	)

	if err := initiator.SendText(`{"type":"chat"}`); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case got := <-received:
		if got != `{"type":"chat"}` {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBinaryFrameDelivery(t *testing.T) {
	received := make(chan []byte, 1)
	initiator, _ := connectPair(t,
		Handlers{},
		Handlers{OnMessage: func(message webrtc.DataChannelMessage) {
			if !message.IsString {
				received <- message.Data
			}
		}},
	)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := initiator.SendBytes(payload); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	select {
	case got := <-received:
		if len(got) != len(payload) {
			t.Errorf("received %d bytes, want %d", len(got), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("binary frame not delivered")
	}
}

func TestSendBeforeChannelFails(t *testing.T) {
	session, err := NewSession(RoleReceiver, ICEConfig{}, Handlers{}, discardLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	if err := session.SendText("x"); err != ErrNoChannel {
		t.Errorf("SendText before channel: err = %v, want ErrNoChannel", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	session, err := NewSession(RoleInitiator, ICEConfig{}, Handlers{}, discardLogger())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClearHandlersSilencesCallbacks(t *testing.T) {
	fired := make(chan struct{}, 8)
	initiator, receiver := connectPair(t,
		Handlers{},
		Handlers{OnMessage: func(webrtc.DataChannelMessage) {
			fired <- struct{}{}
		}},
	)

	receiver.ClearHandlers()
	if err := initiator.SendText("after-clear"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("message handler fired after ClearHandlers")
	case <-time.After(300 * time.Millisecond):
	}
}
