package delivery

import (
	"sync"
	"time"
)

// queue is the FIFO for one destination plus the worker-local state that
// gives edits their targets: the tracked status message and the message
// ids of sent tool summaries.
type queue struct {
	dest Destination

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*task
	closed bool

	// Worker-local, only touched by the owning worker goroutine.
	statusMsgID  int
	statusWindow string
	statusText   string
	toolMsgs     map[string]int
	lastSend     time.Time
}

func newQueue(dest Destination) *queue {
	q := &queue{dest: dest, toolMsgs: make(map[string]int)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// pushFront requeues a task at the head after a transient failure so
// ordering survives the retry.
func (q *queue) pushFront(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*task{t}, q.items...)
	q.cond.Signal()
}

// pop blocks for the next task. It returns nil only once the queue is
// closed and drained.
func (q *queue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// absorb folds queued follow-on tasks into t while they stay mergeable
// and the combined body fits the limit. Returns the number absorbed.
func (q *queue) absorb(t *task, limit int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for len(q.items) > 0 {
		next := q.items[0]
		if !t.mergeable(next) {
			break
		}
		if t.partsLen()+len(partJoiner)+next.partsLen() > limit {
			break
		}
		t.parts = append(t.parts, next.parts...)
		q.items[0] = nil
		q.items = q.items[1:]
		n++
	}
	return n
}

// throttle enforces the minimum interval between platform calls for
// this destination.
func (q *queue) throttle(minInterval time.Duration) {
	if minInterval <= 0 {
		return
	}
	if wait := minInterval - time.Since(q.lastSend); wait > 0 {
		time.Sleep(wait)
	}
}

func (q *queue) noteSend() {
	q.lastSend = time.Now()
}
