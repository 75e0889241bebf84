// Package pubsub routes frames between relay instances through Redis, so
// a fleet of relays behaves as one logical relay. Deployments with a
// single relay run without it.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	connKeyPrefix      = "chai:conn:"
	relayChannelPrefix = "chai:relay:"

	// connTTL bounds how long a crashed relay's registrations linger.
	connTTL = 2 * time.Minute
)

// ForwardedFrame is one server→client frame in transit between relays.
type ForwardedFrame struct {
	RecipientID uuid.UUID       `json:"recipient_id"`
	Frame       json.RawMessage `json:"frame"`
}

// RedisClient wraps the Redis connection registry and relay channels.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient connects to Redis at url (host:port or redis:// URL).
func NewRedisClient(url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisClient{client: client, ctx: context.Background()}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error { return r.client.Close() }

// RegisterConnection records that user is attached to relayID.
func (r *RedisClient) RegisterConnection(user uuid.UUID, relayID string) error {
	return r.client.Set(r.ctx, connKeyPrefix+user.String(), relayID, connTTL).Err()
}

// RefreshConnection extends the registration TTL; the hub calls this on
// every pong.
func (r *RedisClient) RefreshConnection(user uuid.UUID) {
	r.client.Expire(r.ctx, connKeyPrefix+user.String(), connTTL)
}

// UnregisterConnection removes the registration, but only when it still
// points at relayID: a latest-wins replacement on another relay must not
// be clobbered by the old connection's teardown.
func (r *RedisClient) UnregisterConnection(user uuid.UUID, relayID string) {
	key := connKeyPrefix + user.String()
	current, err := r.client.Get(r.ctx, key).Result()
	if err == nil && current == relayID {
		r.client.Del(r.ctx, key)
	}
}

// LocateUser reports which relay, if any, the user is attached to.
func (r *RedisClient) LocateUser(user uuid.UUID) (string, bool) {
	relayID, err := r.client.Get(r.ctx, connKeyPrefix+user.String()).Result()
	if err != nil {
		return "", false
	}
	return relayID, true
}

// ForwardFrame publishes a server→client frame to the relay currently
// holding the recipient's connection.
func (r *RedisClient) ForwardFrame(relayID string, recipient uuid.UUID, frame []byte) error {
	payload, err := json.Marshal(&ForwardedFrame{RecipientID: recipient, Frame: frame})
	if err != nil {
		return err
	}
	return r.client.Publish(r.ctx, relayChannelPrefix+relayID, payload).Err()
}

// SubscribeRelay consumes this relay's channel until ctx is done, handing
// each forwarded frame to handler.
func (r *RedisClient) SubscribeRelay(ctx context.Context, relayID string, handler func(*ForwardedFrame)) {
	sub := r.client.Subscribe(ctx, relayChannelPrefix+relayID)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var fwd ForwardedFrame
			if err := json.Unmarshal([]byte(msg.Payload), &fwd); err != nil {
				log.Printf("[pubsub] dropping malformed forwarded frame: %v", err)
				continue
			}
			handler(&fwd)
		}
	}
}
