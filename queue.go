package fiberloop

import (
	"container/list"
	"sync"
)

// taskQueue is the scheduler's FIFO task queue with affinity-aware pop.
// Dispatch scans from the head for the first task whose affinity matches
// the popping worker, which needs removal from an arbitrary position, not
// just the head — hence container/list rather than a ring or chunked
// producer/consumer structure.
type taskQueue struct {
	mu   sync.Mutex
	list *list.List
}

func newTaskQueue() *taskQueue {
	return &taskQueue{list: list.New()}
}

// pushBack enqueues a task at the tail (normal scheduling order) and
// reports whether the queue was empty immediately beforehand, which
// schedule() uses to decide whether to tickle.
func (q *taskQueue) pushBack(t Task) (wasEmpty bool) {
	q.mu.Lock()
	wasEmpty = q.list.Len() == 0
	q.list.PushBack(t)
	q.mu.Unlock()
	return wasEmpty
}

// pushFront enqueues a task at the head ("instant" scheduling, for tasks
// that must run before anything already queued) and reports prior
// emptiness.
func (q *taskQueue) pushFront(t Task) (wasEmpty bool) {
	q.mu.Lock()
	wasEmpty = q.list.Len() == 0
	q.list.PushFront(t)
	q.mu.Unlock()
	return wasEmpty
}

// pushBackBulk enqueues a slice of tasks, preserving order, under a single
// lock acquisition.
func (q *taskQueue) pushBackBulk(tasks []Task) {
	q.mu.Lock()
	for _, t := range tasks {
		q.list.PushBack(t)
	}
	q.mu.Unlock()
}

// isExecFn reports whether a task's fiber (if any) is currently EXEC; tasks
// referencing an EXEC fiber must be skipped by dispatch.
func isExecFn(t Task) bool {
	return t.Fiber != nil && t.Fiber.State() == StateExec
}

// popForWorker scans from the head for the first task whose affinity is
// AnyWorker or equal to workerID, and whose fiber (if any) is not already
// EXEC. It pops and returns that task. skippedOther reports whether any
// skipped task had affinity pinned to a worker other than workerID (used by
// the dispatch loop to decide whether to tickle another worker).
func (q *taskQueue) popForWorker(workerID int) (task Task, ok bool, skippedOther bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.list.Front(); e != nil; e = e.Next() {
		t := e.Value.(Task)
		if isExecFn(t) {
			continue
		}
		if t.Affinity == AnyWorker || t.Affinity == workerID {
			q.list.Remove(e)
			return t, true, skippedOther
		}
		skippedOther = true
	}
	return Task{}, false, skippedOther
}

// length returns the current queue length.
func (q *taskQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}
