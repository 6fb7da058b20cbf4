// Package memory provides agent working memory and the long-term
// activity log client.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

const memoryKeyPrefix = "mas:memory:"

// Store is short-term working memory scoped per agent. Entries expire;
// durable facts belong in the activity log or external systems.
type Store interface {
	Set(ctx context.Context, agentID, key string, value interface{}) error
	Get(ctx context.Context, agentID, key string, out interface{}) error
	Delete(ctx context.Context, agentID, key string) error
	Keys(ctx context.Context, agentID string) ([]string, error)

	// Dump returns an agent's entire working memory, used when taking
	// snapshots.
	Dump(ctx context.Context, agentID string) (types.Payload, error)

	// Restore loads a previously dumped working memory.
	Restore(ctx context.Context, agentID string, state types.Payload) error

	// Clear removes an agent's entire working memory.
	Clear(ctx context.Context, agentID string) error

	// AppendConversation records one exchange in the agent's recent
	// conversation ring; only the newest entries are kept.
	AppendConversation(ctx context.Context, agentID string, entry types.Payload) error

	// Conversation returns the agent's recent exchanges, newest first.
	Conversation(ctx context.Context, agentID string) ([]types.Payload, error)

	Close() error
}

// conversationLimit caps the per-agent conversation ring.
const conversationLimit = 10

// RedisStore implements Store on redis with per-key TTLs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Config holds redis memory configuration.
type Config struct {
	URL string
	TTL time.Duration
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, config Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func memoryKey(agentID, key string) string {
	return memoryKeyPrefix + agentID + ":" + key
}

// Set stores a JSON-encoded value with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, agentID, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode memory value: %w", err)
	}
	if err := s.client.Set(ctx, memoryKey(agentID, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store memory %s for %s: %w", key, agentID, err)
	}
	return nil
}

// Get decodes a stored value into out. Missing keys return redis.Nil.
func (s *RedisStore) Get(ctx context.Context, agentID, key string, out interface{}) error {
	data, err := s.client.Get(ctx, memoryKey(agentID, key)).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Delete removes a single memory key.
func (s *RedisStore) Delete(ctx context.Context, agentID, key string) error {
	return s.client.Del(ctx, memoryKey(agentID, key)).Err()
}

// Keys lists an agent's memory keys without the namespace prefix.
func (s *RedisStore) Keys(ctx context.Context, agentID string) ([]string, error) {
	prefix := memoryKey(agentID, "")
	var keys []string

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan memory keys for %s: %w", agentID, err)
	}
	return keys, nil
}

// Dump returns an agent's entire working memory.
func (s *RedisStore) Dump(ctx context.Context, agentID string) (types.Payload, error) {
	keys, err := s.Keys(ctx, agentID)
	if err != nil {
		return nil, err
	}

	state := make(types.Payload, len(keys))
	for _, key := range keys {
		var value interface{}
		if err := s.Get(ctx, agentID, key, &value); err != nil {
			if err == redis.Nil {
				continue // expired between scan and read
			}
			return nil, err
		}
		state[key] = value
	}
	return state, nil
}

// Restore loads a previously dumped working memory.
func (s *RedisStore) Restore(ctx context.Context, agentID string, state types.Payload) error {
	for key, value := range state {
		if err := s.Set(ctx, agentID, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes an agent's entire working memory.
func (s *RedisStore) Clear(ctx context.Context, agentID string) error {
	keys, err := s.Keys(ctx, agentID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, agentID, key); err != nil {
			return err
		}
	}
	return nil
}

// Conversation rings live outside the working-memory prefix so key
// scans and dumps only see plain entries.
func conversationKey(agentID string) string {
	return "mas:conversation:" + agentID
}

// AppendConversation pushes one exchange onto the agent's conversation
// ring, trimming it to the newest entries.
func (s *RedisStore) AppendConversation(ctx context.Context, agentID string, entry types.Payload) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode conversation entry: %w", err)
	}

	key := conversationKey(agentID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, conversationLimit-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append conversation for %s: %w", agentID, err)
	}
	return nil
}

// Conversation returns the agent's recent exchanges, newest first.
func (s *RedisStore) Conversation(ctx context.Context, agentID string) ([]types.Payload, error) {
	raw, err := s.client.LRange(ctx, conversationKey(agentID), 0, conversationLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation for %s: %w", agentID, err)
	}

	entries := make([]types.Payload, 0, len(raw))
	for _, item := range raw {
		var entry types.Payload
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
