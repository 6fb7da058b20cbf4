package agent

import (
	"container/heap"
	"sync"

	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// queuedTask pairs a task with the message ID that requested it, so
// responses can carry the correlation ID back to the requester.
type queuedTask struct {
	task          *types.AgentTask
	correlationID string
	seq           uint64
}

// taskHeap orders by priority descending, FIFO within a priority class.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskQueue is a concurrency-safe priority queue with a wakeup channel
// for the task loop.
type taskQueue struct {
	mu     sync.Mutex
	heap   taskHeap
	seq    uint64
	notify chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{notify: make(chan struct{}, 1)}
	heap.Init(&q.heap)
	return q
}

func (q *taskQueue) push(task *types.AgentTask, correlationID string) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &queuedTask{task: task, correlationID: correlationID, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the highest-priority queued task, or nil when empty.
func (q *taskQueue) pop() *queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*queuedTask)
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// snapshot returns the queued tasks without removing them.
func (q *taskQueue) snapshot() []*types.AgentTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]*types.AgentTask, 0, len(q.heap))
	for _, item := range q.heap {
		tasks = append(tasks, item.task)
	}
	return tasks
}
