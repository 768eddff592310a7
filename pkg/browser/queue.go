package browser

import "sync"

// taskQueue runs tasks one at a time, in order, on its own goroutine.
// Enqueue never blocks, so Playwright's dispatch goroutine can hand work to it
// and stay free to deliver the replies that work waits for.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// enqueue schedules task. It reports false once the queue is closed.
func (q *taskQueue) enqueue(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	return true
}

// close stops accepting tasks. Tasks already queued still run.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// wait blocks until the queue is closed and drained.
func (q *taskQueue) wait() {
	<-q.done
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}
