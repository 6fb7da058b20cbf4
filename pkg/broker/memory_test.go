package broker

import (
	"context"
	"testing"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx := context.Background()
	received := make([]*types.AgentMessage, 0)

	err := b.Subscribe(ctx, AgentChannel("agent-1"), func(ctx context.Context, msg *types.AgentMessage) {
		received = append(received, msg)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg := types.NewMessage("orchestrator", "agent-1", types.MessageTypeCommand, types.Payload{"command": "pause"})
	if err := b.Publish(ctx, AgentChannel("agent-1"), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 message, got %d", len(received))
	}
	if received[0].Payload.String("command") != "pause" {
		t.Errorf("expected command pause, got %s", received[0].Payload.String("command"))
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	msg := types.NewMessage("a", "b", types.MessageTypeEvent, nil)
	if err := b.Publish(context.Background(), "nobody-listening", msg); err != nil {
		t.Errorf("publish to empty channel should not fail: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx := context.Background()
	count := 0

	if err := b.Subscribe(ctx, EventsChannel, func(ctx context.Context, msg *types.AgentMessage) {
		count++
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Unsubscribe(ctx, EventsChannel); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	msg := types.NewMessage("a", "b", types.MessageTypeEvent, nil)
	if err := b.Publish(ctx, EventsChannel, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}

	if err := b.Unsubscribe(ctx, EventsChannel); !errors.Is(err, errors.ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestStreamReadAndAck(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := types.NewMessage("api", "worker", types.MessageTypeRequest, types.Payload{"n": i})
		if _, err := b.AddToStream(ctx, TaskStream, msg); err != nil {
			t.Fatalf("AddToStream failed: %v", err)
		}
	}

	msgs, err := b.ReadFromStream(ctx, TaskStream, "orchestrator", "worker-1", 10, time.Second)
	if err != nil {
		t.Fatalf("ReadFromStream failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(msgs))
	}

	// Entries stay pending until acknowledged
	if p := b.PendingCount(TaskStream, "orchestrator"); p != 3 {
		t.Errorf("expected 3 pending, got %d", p)
	}

	// A second read must not redeliver already-delivered entries
	again, err := b.ReadFromStream(ctx, TaskStream, "orchestrator", "worker-1", 10, time.Second)
	if err != nil {
		t.Fatalf("ReadFromStream failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no new entries, got %d", len(again))
	}

	for _, m := range msgs {
		if err := b.AckMessage(ctx, TaskStream, "orchestrator", m.ID); err != nil {
			t.Fatalf("AckMessage failed: %v", err)
		}
	}
	if p := b.PendingCount(TaskStream, "orchestrator"); p != 0 {
		t.Errorf("expected 0 pending after ack, got %d", p)
	}
}

func TestStreamIndependentGroups(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx := context.Background()
	msg := types.NewMessage("api", "worker", types.MessageTypeRequest, nil)
	if _, err := b.AddToStream(ctx, TaskStream, msg); err != nil {
		t.Fatalf("AddToStream failed: %v", err)
	}

	// Each group gets its own cursor over the same entries
	a, err := b.ReadFromStream(ctx, TaskStream, "group-a", "c1", 10, time.Second)
	if err != nil || len(a) != 1 {
		t.Fatalf("group-a read: %v entries=%d", err, len(a))
	}
	bb, err := b.ReadFromStream(ctx, TaskStream, "group-b", "c1", 10, time.Second)
	if err != nil || len(bb) != 1 {
		t.Fatalf("group-b read: %v entries=%d", err, len(bb))
	}
}

func TestStreamLengthAndTrim(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg := types.NewMessage("api", "worker", types.MessageTypeRequest, nil)
		if _, err := b.AddToStream(ctx, "events", msg); err != nil {
			t.Fatalf("AddToStream failed: %v", err)
		}
	}

	n, err := b.StreamLength(ctx, "events")
	if err != nil || n != 5 {
		t.Fatalf("expected length 5, got %d (%v)", n, err)
	}

	if err := b.TrimStream(ctx, "events", 2); err != nil {
		t.Fatalf("TrimStream failed: %v", err)
	}
	n, _ = b.StreamLength(ctx, "events")
	if n != 2 {
		t.Errorf("expected length 2 after trim, got %d", n)
	}
}

func TestClosedBroker(t *testing.T) {
	b := NewMemoryBroker()
	b.Close()

	ctx := context.Background()
	msg := types.NewMessage("a", "b", types.MessageTypeEvent, nil)

	if err := b.Publish(ctx, "c", msg); !errors.Is(err, errors.ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed on publish, got %v", err)
	}
	if _, err := b.AddToStream(ctx, "s", msg); !errors.Is(err, errors.ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed on add, got %v", err)
	}
}
