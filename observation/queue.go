package observation

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SerialQueue runs submitted tasks one at a time, in submission order, on a
// dedicated goroutine. Submit never blocks: the backlog is unbounded and a
// warning is logged once it crosses the configured threshold.
type SerialQueue struct {
	name          string
	warnThreshold int

	mu     sync.Mutex
	tasks  []func()
	warned bool

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
}

// NewSerialQueue starts a queue. A warnThreshold of 0 disables the backlog
// warning.
func NewSerialQueue(name string, warnThreshold int) *SerialQueue {
	q := &SerialQueue{
		name:          name,
		warnThreshold: warnThreshold,
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the queue name
func (q *SerialQueue) Name() string {
	return q.name
}

// Submit enqueues a task. It returns false if the queue was stopped.
func (q *SerialQueue) Submit(task func()) bool {
	if q.stopped.Load() {
		return false
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	backlog := len(q.tasks)
	warn := q.warnThreshold > 0 && backlog >= q.warnThreshold && !q.warned
	if warn {
		q.warned = true
	}
	q.mu.Unlock()

	if warn {
		log.Warn().
			Str("queue", q.name).
			Int("backlog", backlog).
			Msg("Serial queue backlog is growing")
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of tasks waiting to run
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stop discards pending tasks and ends the queue goroutine once the running
// task, if any, returns. It does not wait, so it is safe to call from a task.
func (q *SerialQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	close(q.stopCh)

	q.mu.Lock()
	discarded := len(q.tasks)
	q.tasks = nil
	q.mu.Unlock()

	log.Debug().Str("queue", q.name).Int("discarded", discarded).Msg("Serial queue stopped")
}

// Done is closed when the queue goroutine has exited
func (q *SerialQueue) Done() <-chan struct{} {
	return q.doneCh
}

func (q *SerialQueue) run() {
	defer close(q.doneCh)

	for {
		task, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stopCh:
				return
			}
		}

		select {
		case <-q.stopCh:
			return
		default:
		}
		q.runTask(task)
	}
}

func (q *SerialQueue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	if len(q.tasks) == 0 {
		q.tasks = nil
	}
	if q.warned && len(q.tasks) < q.warnThreshold/2 {
		q.warned = false
	}
	return task, true
}

func (q *SerialQueue) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("queue", q.name).
				Interface("panic", r).
				Msg("Serial queue task panicked")
		}
	}()
	task()
}
