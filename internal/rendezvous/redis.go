package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTTL bounds how long an abandoned record survives in Redis when no
// peer is left to reclaim it. Heartbeats refresh it while a slot is held.
const recordTTL = 5 * time.Minute

func recordKey(roomID string) string { return "room:" + roomID }
func eventsKey(roomID string) string { return "room-events:" + roomID }

// luaPublish is the shared prelude for mutation scripts. It snapshots the
// record inside the same script invocation that mutated it, so the
// published event always matches the committed row.
const luaPublish = `
local function publish_event(kind)
    local raw = redis.call('HGETALL', KEYS[1])
    local record = {}
    for i = 1, #raw, 2 do record[raw[i]] = raw[i+1] end
    redis.call('PUBLISH', KEYS[2], cjson.encode({kind = kind, record = record}))
end
`

var (
	insertScript = redis.NewScript(luaPublish + `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
    'room_id', ARGV[1],
    'passphrase_hash', ARGV[2],
    'initiator_id', ARGV[3],
    'receiver_id', '',
    'offer', ARGV[4],
    'answer', '',
    'created_at', ARGV[5],
    'updated_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
publish_event('insert')
return 1
`)

	setOfferScript = redis.NewScript(luaPublish + `
if redis.call('HGET', KEYS[1], 'initiator_id') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'offer', ARGV[2], 'updated_at', ARGV[3])
publish_event('update')
return 1
`)

	claimReceiverScript = redis.NewScript(luaPublish + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local receiver = redis.call('HGET', KEYS[1], 'receiver_id')
if receiver and receiver ~= '' then return 0 end
redis.call('HSET', KEYS[1], 'receiver_id', ARGV[1], 'answer', ARGV[2], 'updated_at', ARGV[3])
publish_event('update')
return 1
`)

	heartbeatScript = redis.NewScript(luaPublish + `
local initiator = redis.call('HGET', KEYS[1], 'initiator_id')
local receiver = redis.call('HGET', KEYS[1], 'receiver_id')
if initiator ~= ARGV[1] and receiver ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
publish_event('update')
return 1
`)

	deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 1 then
    redis.call('PUBLISH', KEYS[2], cjson.encode({kind = 'delete'}))
end
return 1
`)
)

// RedisStore keeps the signaling record in a Redis hash and delivers
// change notifications over pub/sub. All conditional transitions run as
// Lua scripts so the predicate check and the write commit atomically;
// the script's 0/1 return is the matched signal.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client. The caller owns the
// client's lifecycle.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, roomID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading room record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromFields(fields)
}

func (s *RedisStore) Insert(ctx context.Context, record *Record) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	matched, err := insertScript.Run(ctx, s.client,
		[]string{recordKey(record.RoomID), eventsKey(record.RoomID)},
		record.RoomID, record.PassphraseHash, record.InitiatorID, record.Offer,
		now, recordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("inserting room record: %w", err)
	}
	if matched == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) SetOffer(ctx context.Context, roomID, initiatorID, offer string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	matched, err := setOfferScript.Run(ctx, s.client,
		[]string{recordKey(roomID), eventsKey(roomID)},
		initiatorID, offer, now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("writing offer: %w", err)
	}
	return matched == 1, nil
}

func (s *RedisStore) ClaimReceiver(ctx context.Context, roomID, receiverID, answer string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	matched, err := claimReceiverScript.Run(ctx, s.client,
		[]string{recordKey(roomID), eventsKey(roomID)},
		receiverID, answer, now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("claiming receiver slot: %w", err)
	}
	return matched == 1, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, roomID, peerID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	matched, err := heartbeatScript.Run(ctx, s.client,
		[]string{recordKey(roomID), eventsKey(roomID)},
		peerID, now, recordTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("refreshing heartbeat: %w", err)
	}
	return matched == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	if err := deleteScript.Run(ctx, s.client,
		[]string{recordKey(roomID), eventsKey(roomID)},
	).Err(); err != nil {
		return fmt.Errorf("deleting room record: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, eventsKey(roomID))
	// Force the SUBSCRIBE to complete so no event published after this
	// call returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to room events: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, 16),
		logger: s.logger,
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan Event
	logger    *slog.Logger
	closeOnce sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	for message := range s.pubsub.Channel() {
		event, err := decodeEvent([]byte(message.Payload))
		if err != nil {
			s.logger.Warn("dropping malformed room event", "error", err)
			continue
		}
		s.events <- event
	}
}

// decodeEvent parses a published event payload. The record arrives as the
// raw column map the mutation script snapshotted.
func decodeEvent(payload []byte) (Event, error) {
	var wire struct {
		Kind   EventKind         `json:"kind"`
		Record map[string]string `json:"record"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	event := Event{Kind: wire.Kind}
	if wire.Kind != EventDelete {
		record, err := recordFromFields(wire.Record)
		if err != nil {
			return Event{}, err
		}
		event.Record = record
	}
	return event, nil
}

// recordFromFields converts the flat column map stored in the Redis hash
// back into a Record.
func recordFromFields(fields map[string]string) (*Record, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &Record{
		RoomID:         fields["room_id"],
		PassphraseHash: fields["passphrase_hash"],
		InitiatorID:    fields["initiator_id"],
		ReceiverID:     fields["receiver_id"],
		Offer:          fields["offer"],
		Answer:         fields["answer"],
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}
