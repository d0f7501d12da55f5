package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChannel is the Redis channel refresh signals travel on.
const DefaultChannel = "filtered-relation:refresh"

type bridgeMessage struct {
	InstanceID string  `json:"instanceId"`
	Refresh    Refresh `json:"refresh"`
}

// RedisBridge relays refresh signals between instances. Messages published by
// this instance are ignored when they come back from Redis.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	deliver    func(Refresh)

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisBridge creates a bridge that hands remote signals to deliver.
func NewRedisBridge(client *redis.Client, channel string, deliver func(Refresh)) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		deliver:    deliver,
	}
}

func (b *RedisBridge) InstanceID() string {
	return b.instanceID
}

// Publish implements Publisher.
func (b *RedisBridge) Publish(ctx context.Context, r Refresh) error {
	data, err := json.Marshal(bridgeMessage{InstanceID: b.instanceID, Refresh: r})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Start subscribes to the channel and relays messages until Close.
func (b *RedisBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.cancel = cancel
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handle(msg.Payload)
			}
		}
	}()

	log.WithFields(log.Fields{"channel": b.channel, "instance": b.instanceID}).Info("refresh bridge listening")
	return nil
}

func (b *RedisBridge) handle(payload string) {
	var msg bridgeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.WithError(err).Warn("malformed refresh message")
		return
	}
	if msg.InstanceID == b.instanceID {
		return
	}
	b.deliver(msg.Refresh)
}

func (b *RedisBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
