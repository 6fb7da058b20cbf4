package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Config holds redis broker configuration.
type Config struct {
	// URL is a redis connection URL, e.g. redis://redis:6379/0
	URL string

	// MaxStreamLength caps durable streams on AddToStream
	MaxStreamLength int64
}

// subscription tracks one active channel subscription.
type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// RedisBroker implements Broker on redis pub/sub and streams.
type RedisBroker struct {
	client *redis.Client
	config Config
	logger *logging.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	groups map[string]bool // stream:group pairs already created
	closed bool
}

// NewRedisBroker connects to redis and verifies the connection.
func NewRedisBroker(ctx context.Context, config Config) (*RedisBroker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBroker{
		client: client,
		config: config,
		logger: logging.GetLogger().WithComponent("broker"),
		subs:   make(map[string]*subscription),
		groups: make(map[string]bool),
	}, nil
}

// Publish sends msg to every current subscriber of channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, msg *types.AgentMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for channel, replacing any previous handler.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBrokerClosed
	}

	if prev, ok := b.subs[channel]; ok {
		prev.cancel()
		prev.pubsub.Close()
		delete(b.subs, channel)
	}

	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for the subscription to be established before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	b.subs[channel] = &subscription{pubsub: pubsub, cancel: cancel}

	go b.deliverLoop(subCtx, channel, pubsub, handler)

	b.logger.Debug("subscribed to channel %s", channel)
	return nil
}

// deliverLoop decodes and dispatches messages until the subscription ends.
func (b *RedisBroker) deliverLoop(ctx context.Context, channel string, pubsub *redis.PubSub, handler MessageHandler) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			msg, err := types.DecodeMessage([]byte(raw.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable message on %s: %v", channel, err)
				continue
			}
			handler(ctx, msg)
		}
	}
}

// Unsubscribe removes the subscription for channel.
func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel]
	if !ok {
		return errors.ErrNotSubscribed
	}

	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close subscription for %s: %w", channel, err)
	}
	delete(b.subs, channel)
	return nil
}

// ensureGroup creates the consumer group if it does not exist yet.
func (b *RedisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + ":" + group

	b.mu.Lock()
	exists := b.groups[key]
	b.mu.Unlock()
	if exists {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}

	b.mu.Lock()
	b.groups[key] = true
	b.mu.Unlock()
	return nil
}

// AddToStream appends msg to a durable stream and trims it to the
// configured cap.
func (b *RedisBroker) AddToStream(ctx context.Context, stream string, msg *types.AgentMessage) (string, error) {
	data, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}
	if b.config.MaxStreamLength > 0 {
		args.MaxLen = b.config.MaxStreamLength
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	return id, nil
}

// ReadFromStream reads new entries for consumer within group.
func (b *RedisBroker) ReadFromStream(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // timed out with nothing to read
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var out []StreamMessage
	for _, s := range streams {
		for _, entry := range s.Messages {
			raw, ok := entry.Values["data"].(string)
			if !ok {
				b.logger.Warn("stream %s entry %s has no data field", stream, entry.ID)
				continue
			}
			msg, err := types.DecodeMessage([]byte(raw))
			if err != nil {
				b.logger.Warn("dropping undecodable stream entry %s: %v", entry.ID, err)
				continue
			}
			out = append(out, StreamMessage{ID: entry.ID, Message: msg})
		}
	}
	return out, nil
}

// AckMessage acknowledges a delivered stream entry.
func (b *RedisBroker) AckMessage(ctx context.Context, stream, group, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// StreamLength returns the number of entries in a stream.
func (b *RedisBroker) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", stream, err)
	}
	return n, nil
}

// TrimStream caps a stream to approximately maxLen entries.
func (b *RedisBroker) TrimStream(ctx context.Context, stream string, maxLen int64) error {
	if err := b.client.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("failed to trim %s: %w", stream, err)
	}
	return nil
}

// Close tears down subscriptions and the client connection.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for channel, sub := range b.subs {
		sub.cancel()
		sub.pubsub.Close()
		delete(b.subs, channel)
	}

	return b.client.Close()
}
