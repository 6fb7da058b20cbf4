package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// memEntry is one appended stream entry.
type memEntry struct {
	id  string
	msg *types.AgentMessage
}

// memGroup tracks a consumer group's cursor and pending entries.
type memGroup struct {
	nextIndex int
	pending   map[string]*types.AgentMessage
}

// memStream is one durable in-memory stream.
type memStream struct {
	entries []memEntry
	seq     int64
	groups  map[string]*memGroup
}

// MemoryBroker implements Broker entirely in memory. Used for local
// development and tests; semantics mirror the redis backend, including
// pending tracking for consumer groups.
type MemoryBroker struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler
	streams  map[string]*memStream
	closed   bool
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handlers: make(map[string]MessageHandler),
		streams:  make(map[string]*memStream),
	}
}

// Publish delivers msg synchronously to the channel's handler, if any.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, msg *types.AgentMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.ErrBrokerClosed
	}
	handler := b.handlers[channel]
	b.mu.Unlock()

	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

// Subscribe registers handler for channel, replacing any previous handler.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBrokerClosed
	}
	b.handlers[channel] = handler
	return nil
}

// Unsubscribe removes the subscription for channel.
func (b *MemoryBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[channel]; !ok {
		return errors.ErrNotSubscribed
	}
	delete(b.handlers, channel)
	return nil
}

// getStream returns the stream, creating it if needed. Caller holds b.mu.
func (b *MemoryBroker) getStream(stream string) *memStream {
	s, ok := b.streams[stream]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[stream] = s
	}
	return s
}

// AddToStream appends msg and returns the assigned entry ID.
func (b *MemoryBroker) AddToStream(ctx context.Context, stream string, msg *types.AgentMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errors.ErrBrokerClosed
	}

	s := b.getStream(stream)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, memEntry{id: id, msg: msg})
	return id, nil
}

// ReadFromStream delivers entries not yet seen by group, marking them
// pending for the group until acknowledged. The block duration is
// ignored; reads return immediately.
func (b *MemoryBroker) ReadFromStream(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.ErrBrokerClosed
	}

	s := b.getStream(stream)
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string]*types.AgentMessage)}
		s.groups[group] = g
	}

	var out []StreamMessage
	for g.nextIndex < len(s.entries) && int64(len(out)) < count {
		entry := s.entries[g.nextIndex]
		g.nextIndex++
		g.pending[entry.id] = entry.msg
		out = append(out, StreamMessage{ID: entry.id, Message: entry.msg})
	}
	return out, nil
}

// AckMessage acknowledges a delivered stream entry.
func (b *MemoryBroker) AckMessage(ctx context.Context, stream, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getStream(stream)
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("unknown group %s on stream %s", group, stream)
	}
	delete(g.pending, id)
	return nil
}

// PendingCount returns the number of delivered-but-unacked entries for
// a group. Not part of the Broker interface; used for inspection.
func (b *MemoryBroker) PendingCount(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// StreamLength returns the number of entries in a stream.
func (b *MemoryBroker) StreamLength(ctx context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// TrimStream caps a stream to maxLen entries, dropping the oldest.
func (b *MemoryBroker) TrimStream(ctx context.Context, stream string, maxLen int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	if excess := int64(len(s.entries)) - maxLen; excess > 0 {
		s.entries = s.entries[excess:]
		for _, g := range s.groups {
			g.nextIndex -= int(excess)
			if g.nextIndex < 0 {
				g.nextIndex = 0
			}
		}
	}
	return nil
}

// Close tears down all subscriptions and streams.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = make(map[string]MessageHandler)
	b.streams = make(map[string]*memStream)
	return nil
}
