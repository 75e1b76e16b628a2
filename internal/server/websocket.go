package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/peercall/internal/rendezvous"
)

const (
	// pongWait bounds how long a silent client stays subscribed.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the deadline keeps
	// getting refreshed on a healthy connection.
	pingPeriod = 54 * time.Second

	// writeWait bounds every outbound write.
	writeWait = 10 * time.Second

	// feedBuffer is the per-client outbound queue. The record changes a
	// handful of times over a whole session, so a small buffer is plenty.
	feedBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// handleEvents upgrades the request and streams the room's change
// notifications to the client as JSON text messages. The feed carries
// only what the store already holds; no decryption-capable material ever
// crosses this connection.
func (s *Server) handleEvents(c *gin.Context) {
	roomID := c.Param("roomID")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomID is required"})
		return
	}

	// The subscription outlives the HTTP handler, so it cannot hang off
	// the request context.
	sub, err := s.store.Subscribe(context.Background(), roomID)
	if err != nil {
		s.logger.Error("subscribing to room events", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		s.logger.Warn("failed to upgrade connection", "room", roomID, "error", err)
		return
	}

	feed := &eventFeed{
		roomID: roomID,
		conn:   conn,
		sub:    sub,
		send:   make(chan []byte, feedBuffer),
		logger: s.logger,
	}

	s.logger.Info("event feed opened", "room", roomID, "remote", conn.RemoteAddr().String())

	go feed.writePump()
	go feed.forward()
	go feed.readPump()
}

// eventFeed is one websocket client subscribed to one room.
type eventFeed struct {
	roomID string
	conn   *websocket.Conn
	sub    rendezvous.Subscription
	send   chan []byte
	logger *slog.Logger
}

// forward drains the store subscription into the outbound queue. Closing
// the subscription ends the loop, which closes send and lets writePump
// shut the connection down cleanly.
func (f *eventFeed) forward() {
	defer close(f.send)
	for event := range f.sub.Events() {
		payload, err := json.Marshal(event)
		if err != nil {
			f.logger.Error("encoding room event", "room", f.roomID, "error", err)
			continue
		}
		select {
		case f.send <- payload:
		default:
			f.logger.Warn("event feed client not draining, dropping event", "room", f.roomID)
		}
	}
}

func (f *eventFeed) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-f.send:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				f.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := f.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				f.logger.Warn("failed to write room event", "room", f.roomID, "error", err)
				return
			}

		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists to notice client disconnects and keep the read
// deadline fresh; inbound payloads carry nothing and are discarded.
func (f *eventFeed) readPump() {
	defer func() {
		f.sub.Close()
		f.conn.Close()
		f.logger.Info("event feed closed", "room", f.roomID)
	}()

	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Warn("event feed read error", "room", f.roomID, "error", err)
			}
			return
		}
	}
}
