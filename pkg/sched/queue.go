package sched

import (
	"container/heap"

	"taskos/pkg/task"
)

// entry is one ready task with the priority it was enqueued at.
type entry struct {
	task *task.ControlBlock
	prio int64
	seq  uint64
}

// readyQueue is a priority queue of ready tasks. Higher priority comes
// first; equal priorities leave in enqueue order.
type readyQueue struct {
	items []entry
}

// Len returns the number of items in the queue.
func (q *readyQueue) Len() int { return len(q.items) }

// Less implements heap.Interface.
func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	return a.seq < b.seq
}

// Swap swaps two items in the queue.
func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

// Push adds an item to the queue.
func (q *readyQueue) Push(x any) {
	q.items = append(q.items, x.(entry))
}

// Pop removes and returns the last item of the backing slice.
func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = entry{}
	q.items = old[:n-1]
	return item
}

// Peek returns the task that would be selected next.
func (q *readyQueue) Peek() *task.ControlBlock {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].task
}

var _ heap.Interface = (*readyQueue)(nil)
