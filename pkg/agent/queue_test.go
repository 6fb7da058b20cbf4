package agent

import (
	"testing"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

func queueTask(id string, priority types.TaskPriority) *types.AgentTask {
	task := types.NewTask("myca", "echo", nil)
	task.ID = id
	task.Priority = priority
	return task
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newTaskQueue()
	q.push(queueTask("low", types.PriorityLow), "")
	q.push(queueTask("critical", types.PriorityCritical), "")
	q.push(queueTask("normal", types.PriorityNormal), "")

	want := []string{"critical", "normal", "low"}
	for _, id := range want {
		item := q.pop()
		if item == nil || item.task.ID != id {
			t.Fatalf("pop order wrong, want %s got %+v", id, item)
		}
	}
	if q.pop() != nil {
		t.Error("queue should be empty")
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newTaskQueue()
	q.push(queueTask("first", types.PriorityNormal), "")
	q.push(queueTask("second", types.PriorityNormal), "")
	q.push(queueTask("third", types.PriorityNormal), "")

	for _, id := range []string{"first", "second", "third"} {
		if item := q.pop(); item.task.ID != id {
			t.Fatalf("expected %s, got %s", id, item.task.ID)
		}
	}
}

func TestQueueSnapshotKeepsTasks(t *testing.T) {
	q := newTaskQueue()
	q.push(queueTask("a", types.PriorityNormal), "")
	q.push(queueTask("b", types.PriorityHigh), "")

	tasks := q.snapshot()
	if len(tasks) != 2 {
		t.Fatalf("snapshot returned %d tasks, want 2", len(tasks))
	}
	if q.len() != 2 {
		t.Error("snapshot must not drain the queue")
	}
}
