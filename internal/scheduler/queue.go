package scheduler

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// entry is one config's position in the run queue.
type entry struct {
	configID primitive.ObjectID
	runAt    time.Time
	index    int
}

// runQueue is a min-heap ordered by runAt, used with container/heap.
type runQueue []*entry

func (q runQueue) Len() int { return len(q) }

func (q runQueue) Less(i, j int) bool { return q[i].runAt.Before(q[j].runAt) }

func (q runQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *runQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *runQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
