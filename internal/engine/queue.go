package engine

import "container/list"

// taskQueue is a FIFO of destinations waiting for a worker slot.
// It is not safe for concurrent use; Manager guards it with its mutex.
type taskQueue struct {
	items *list.List
	index map[string]*list.Element
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		items: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (q *taskQueue) Len() int { return q.items.Len() }

func (q *taskQueue) Contains(key string) bool {
	_, ok := q.index[key]
	return ok
}

// PushBack appends key unless it is already queued.
func (q *taskQueue) PushBack(key string) {
	if q.Contains(key) {
		return
	}
	q.index[key] = q.items.PushBack(key)
}

// PushFront puts key at the head, moving it there if it is already queued.
func (q *taskQueue) PushFront(key string) {
	if e, ok := q.index[key]; ok {
		q.items.MoveToFront(e)
		return
	}
	q.index[key] = q.items.PushFront(key)
}

// PopFront removes and returns the oldest key.
func (q *taskQueue) PopFront() (string, bool) {
	e := q.items.Front()
	if e == nil {
		return "", false
	}
	key := q.items.Remove(e).(string)
	delete(q.index, key)
	return key, true
}

func (q *taskQueue) Remove(key string) bool {
	e, ok := q.index[key]
	if !ok {
		return false
	}
	q.items.Remove(e)
	delete(q.index, key)
	return true
}

// Keys returns the queued keys in dispatch order.
func (q *taskQueue) Keys() []string {
	keys := make([]string, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}
