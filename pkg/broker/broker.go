// Package broker provides the pub/sub and durable stream transport used
// for all inter-agent communication.
package broker

import (
	"context"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Well-known channels and streams.
const (
	// HeartbeatChannel receives heartbeat messages from all agents
	HeartbeatChannel = "orchestrator:heartbeats"

	// EventsChannel receives system-wide lifecycle events
	EventsChannel = "mas:events"

	// BroadcastChannel fans out to every subscribed agent
	BroadcastChannel = "mas:broadcast"

	// TaskStream is the durable stream for task submission
	TaskStream = "mas:tasks"

	agentChannelPrefix = "agent:"
)

// AgentChannel returns the per-agent channel name.
func AgentChannel(agentID string) string {
	return agentChannelPrefix + agentID
}

// MessageHandler processes one delivered message. Handlers run on the
// broker's delivery goroutine and must not block indefinitely.
type MessageHandler func(ctx context.Context, msg *types.AgentMessage)

// StreamMessage is one durable stream entry with its broker-assigned ID.
type StreamMessage struct {
	ID      string
	Message *types.AgentMessage
}

// Broker is the transport for ephemeral pub/sub messages and durable
// consumer-group streams. Pub/sub delivery is at-most-once; stream
// delivery is at-least-once until acknowledged.
type Broker interface {
	// Publish sends msg to every current subscriber of channel.
	// Delivery to zero subscribers is not an error.
	Publish(ctx context.Context, channel string, msg *types.AgentMessage) error

	// Subscribe registers handler for channel. A second subscription to
	// the same channel replaces the previous handler.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error

	// Unsubscribe removes the subscription for channel.
	Unsubscribe(ctx context.Context, channel string) error

	// AddToStream appends msg to a durable stream and returns the
	// assigned entry ID. The consumer group is created on first use.
	AddToStream(ctx context.Context, stream string, msg *types.AgentMessage) (string, error)

	// ReadFromStream reads up to count new entries for consumer within
	// group, blocking up to block. Entries stay pending until acked.
	ReadFromStream(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)

	// AckMessage acknowledges a delivered stream entry.
	AckMessage(ctx context.Context, stream, group, id string) error

	// StreamLength returns the number of entries in a stream.
	StreamLength(ctx context.Context, stream string) (int64, error)

	// TrimStream caps a stream to approximately maxLen entries.
	TrimStream(ctx context.Context, stream string, maxLen int64) error

	// Close tears down subscriptions and the underlying connection.
	Close() error
}
