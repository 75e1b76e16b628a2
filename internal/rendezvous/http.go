package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HTTPStore talks to a rendezvousd instance instead of Redis directly.
// CRUD and conditional updates go over the REST API; change notifications
// arrive over a websocket per room. Conditional-update outcomes map onto
// status codes: 200 = matched, 409 = lost the race.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// Compile-time interface check.
var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a store client for the rendezvousd at baseURL
// (e.g. "http://rendezvous.example.com:8080").
func NewHTTPStore(baseURL string, logger *slog.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

func (s *HTTPStore) roomURL(roomID string, parts ...string) string {
	u := s.baseURL + "/api/rooms/" + url.PathEscape(roomID)
	if len(parts) > 0 {
		u += "/" + strings.Join(parts, "/")
	}
	return u
}

func (s *HTTPStore) Get(ctx context.Context, roomID string) (*Record, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.roomURL(roomID), nil)
	if err != nil {
		return nil, err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching room record: %w", err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
		var record Record
		if err := json.NewDecoder(response.Body).Decode(&record); err != nil {
			return nil, fmt.Errorf("decoding room record: %w", err)
		}
		return &record, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, unexpectedStatus(response)
	}
}

func (s *HTTPStore) Insert(ctx context.Context, record *Record) error {
	status, err := s.post(ctx, s.baseURL+"/api/rooms", record)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrExists
	default:
		return fmt.Errorf("inserting room record: unexpected status %d", status)
	}
}

func (s *HTTPStore) SetOffer(ctx context.Context, roomID, initiatorID, offer string) (bool, error) {
	return s.conditional(ctx, s.roomURL(roomID, "offer"), map[string]string{
		"initiator_id": initiatorID,
		"offer":        offer,
	})
}

func (s *HTTPStore) ClaimReceiver(ctx context.Context, roomID, receiverID, answer string) (bool, error) {
	return s.conditional(ctx, s.roomURL(roomID, "claim"), map[string]string{
		"receiver_id": receiverID,
		"answer":      answer,
	})
}

func (s *HTTPStore) Heartbeat(ctx context.Context, roomID, peerID string) (bool, error) {
	return s.conditional(ctx, s.roomURL(roomID, "heartbeat"), map[string]string{
		"peer_id": peerID,
	})
}

func (s *HTTPStore) Delete(ctx context.Context, roomID string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.roomURL(roomID), nil)
	if err != nil {
		return err
	}
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("deleting room record: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNotFound {
		return unexpectedStatus(response)
	}
	return nil
}

func (s *HTTPStore) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	wsURL := strings.Replace(s.baseURL, "http", "ws", 1) + "/ws/rooms/" + url.PathEscape(roomID)
	conn, response, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if response != nil {
			response.Body.Close()
		}
		return nil, fmt.Errorf("dialing event feed: %w", err)
	}
	if response != nil {
		response.Body.Close()
	}

	sub := &wsSubscription{
		conn:   conn,
		events: make(chan Event, 16),
		logger: s.logger,
	}
	go sub.pump()
	return sub, nil
}

// post sends a JSON body and returns the status code.
func (s *HTTPStore) post(ctx context.Context, targetURL string, body any) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(encoded))
	if err != nil {
		return 0, err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := s.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("posting to rendezvous service: %w", err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)
	return response.StatusCode, nil
}

// conditional runs a conditional update endpoint, translating the status
// code into the matched signal.
func (s *HTTPStore) conditional(ctx context.Context, targetURL string, body any) (bool, error) {
	status, err := s.post(ctx, targetURL, body)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusConflict, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("conditional update: unexpected status %d", status)
	}
}

func unexpectedStatus(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return fmt.Errorf("rendezvous service returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
}

type wsSubscription struct {
	conn      *websocket.Conn
	events    chan Event
	logger    *slog.Logger
	closeOnce sync.Once
}

func (s *wsSubscription) Events() <-chan Event { return s.events }

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) pump() {
	defer close(s.events)
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("event feed closed unexpectedly", "error", err)
			}
			return
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.Warn("dropping malformed room event", "error", err)
			continue
		}
		s.events <- event
	}
}
