package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	v1 "scribe/shared/contracts/realtime/v1"

	"github.com/redis/go-redis/v9"
)

// redisChannelPrefix namespaces room channels on a shared Redis.
const redisChannelPrefix = "scribe:room:"

// brokerMessage is what travels over a room channel.
type brokerMessage struct {
	Relay    string      `json:"relay"`
	Envelope v1.Envelope `json:"envelope"`
}

// RedisBroker fans room envelopes out over Redis pub/sub, one channel per room.
//
// Ownership model:
// - RedisBroker does NOT own the redis client. The caller must close it.
type RedisBroker struct {
	log     *slog.Logger
	rdb     *redis.Client
	relayID string
}

// NewRedisBroker constructs a broker publishing as relayID.
func NewRedisBroker(log *slog.Logger, rdb *redis.Client, relayID string) (*RedisBroker, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if relayID == "" {
		return nil, errors.New("realtime: empty relay id")
	}
	return &RedisBroker{log: log, rdb: rdb, relayID: relayID}, nil
}

// RelayID returns the id stamped on every message this broker publishes.
func (b *RedisBroker) RelayID() string { return b.relayID }

// Close is a no-op because the client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }

// Publish sends env to every relay subscribed to roomID.
func (b *RedisBroker) Publish(ctx context.Context, roomID string, env v1.Envelope) error {
	data, err := json.Marshal(brokerMessage{Relay: b.relayID, Envelope: env})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, redisChannelPrefix+roomID, data).Err()
}

// Subscribe delivers envelopes published for roomID by other relays to fn, one at a time.
// It returns once the subscription is confirmed by Redis.
func (b *RedisBroker) Subscribe(roomID string, fn func(v1.Envelope)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	ps := b.rdb.Subscribe(ctx, redisChannelPrefix+roomID)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", roomID, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var m brokerMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn("broker.message.bad", "room", roomID, "err", err)
				continue
			}
			if m.Relay == b.relayID {
				continue
			}
			if err := m.Envelope.Validate(); err != nil {
				b.log.Warn("broker.envelope.bad", "room", roomID, "err", err)
				continue
			}
			fn(m.Envelope)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
			<-done
		})
	}, nil
}
