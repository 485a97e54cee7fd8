package scheduler

import "container/heap"

// batchItem is one unique unit of work in a batch. Tasks sharing a content
// identity collapse into a single item; positions records every input index
// the eventual result fans out to.
type batchItem struct {
	task      Task
	id        string
	positions []int
	seq       int
}

// taskQueue is a priority min-heap: high before medium before low, FIFO by
// submission order within a priority band.
type taskQueue []*batchItem

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	ri, rj := q[i].task.Priority.rank(), q[j].task.Priority.rank()
	if ri != rj {
		return ri < rj
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*batchItem)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// next pops the highest-priority item, or nil when the queue is empty.
func (q *taskQueue) next() *batchItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*batchItem)
}

// buildQueue dedupes tasks by content identity and heapifies the remainder.
// The first occurrence of an identity fixes the task's priority and
// submission order; later duplicates only add fan-out positions.
func buildQueue(tasks []Task) *taskQueue {
	byID := make(map[string]*batchItem, len(tasks))
	q := make(taskQueue, 0, len(tasks))

	for i, task := range tasks {
		id := task.ID()
		if item, ok := byID[id]; ok {
			item.positions = append(item.positions, i)
			continue
		}
		item := &batchItem{task: task, id: id, positions: []int{i}, seq: i}
		byID[id] = item
		q = append(q, item)
	}

	heap.Init(&q)
	return &q
}
