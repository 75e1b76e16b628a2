package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/peercall/internal/crypto"
	"github.com/mossy-p/peercall/internal/media"
	"github.com/mossy-p/peercall/internal/rendezvous"
	"github.com/mossy-p/peercall/internal/transfer"
	"github.com/mossy-p/peercall/internal/transport"
)

// governor owns every long-lived handle a session accumulates: the
// transport, the store subscription, local media, the reconnect timer,
// background loop stop channels, and the key. cleanup tears all of it
// down exactly once; after cleanup a fresh session can be constructed
// with no background activity left behind.
type governor struct {
	logger *slog.Logger

	mu        sync.Mutex
	transport *transport.Session
	sender    *transfer.Sender
	receiver  *transfer.Receiver
	sub       rendezvous.Subscription
	media     *media.LocalMedia
	key       *crypto.Key
	reconnect *time.Timer
	stops     []chan struct{}
	cleaned   bool
}

func newGovernor(key *crypto.Key, receiver *transfer.Receiver, logger *slog.Logger) *governor {
	return &governor{logger: logger, key: key, receiver: receiver}
}

func (g *governor) setTransport(t *transport.Session, sender *transfer.Sender) {
	g.mu.Lock()
	g.transport = t
	g.sender = sender
	g.mu.Unlock()
}

func (g *governor) transportHandle() *transport.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transport
}

func (g *governor) senderHandle() *transfer.Sender {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sender
}

// swapSubscription installs a new change-notification feed and closes
// the previous one, if any.
func (g *governor) swapSubscription(sub rendezvous.Subscription) {
	g.mu.Lock()
	old := g.sub
	g.sub = sub
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (g *governor) setMedia(m *media.LocalMedia) {
	g.mu.Lock()
	g.media = m
	g.mu.Unlock()
}

func (g *governor) mediaHandle() *media.LocalMedia {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.media
}

// addStop registers a background loop's stop channel. cleanup closes it.
func (g *governor) addStop(stop chan struct{}) {
	g.mu.Lock()
	g.stops = append(g.stops, stop)
	g.mu.Unlock()
}

// scheduleReconnect arms the reconnect timer if none is pending. Reports
// whether a timer was armed; a pending timer is never replaced.
func (g *governor) scheduleReconnect(delay time.Duration, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cleaned || g.reconnect != nil {
		return false
	}
	g.reconnect = time.AfterFunc(delay, func() {
		g.mu.Lock()
		g.reconnect = nil
		g.mu.Unlock()
		fn()
	})
	return true
}

// releaseTransport tears down the current transport ahead of a
// reconnect: cancels the outbound transfer, silences the handlers before
// closing so no event fires into torn-down state, and resets the inbound
// assembly. The subscription, media, and key survive.
func (g *governor) releaseTransport() {
	g.mu.Lock()
	t := g.transport
	g.transport = nil
	sender := g.sender
	g.sender = nil
	receiver := g.receiver
	g.mu.Unlock()

	if sender != nil {
		sender.Cancel()
	}
	if t != nil {
		t.ClearHandlers()
		t.Close()
	}
	if receiver != nil {
		receiver.Reset()
	}
}

// cleanup releases everything. Idempotent: fields are nulled under the
// lock before any teardown runs, so a second call finds nothing to do.
func (g *governor) cleanup() {
	g.mu.Lock()
	t := g.transport
	g.transport = nil
	sender := g.sender
	g.sender = nil
	receiver := g.receiver
	g.receiver = nil
	sub := g.sub
	g.sub = nil
	m := g.media
	g.media = nil
	key := g.key
	g.key = nil
	timer := g.reconnect
	g.reconnect = nil
	stops := g.stops
	g.stops = nil
	g.cleaned = true
	g.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, stop := range stops {
		close(stop)
	}
	if sender != nil {
		sender.Cancel()
	}
	if t != nil {
		t.ClearHandlers()
		t.Close()
	}
	if receiver != nil {
		receiver.Reset()
	}
	if sub != nil {
		sub.Close()
	}
	if m != nil {
		m.Stop()
	}
	if key != nil {
		key.Destroy()
	}
	g.logger.Debug("session resources released")
}
