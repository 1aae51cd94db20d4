package platformauth

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("platform store queue closed")

type queueJob struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Queue runs jobs one at a time in submission order on a single goroutine.
type Queue struct {
	jobs      chan queueJob
	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		jobs:    make(chan queueJob),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case job := <-q.jobs:
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				continue
			}
			job.done <- job.fn(job.ctx)
		case <-q.closed:
			return
		}
	}
}

// Do submits fn and waits for it to finish. A job whose context is done
// before it reaches the head of the queue is skipped.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	job := queueJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.jobs <- job:
	case <-q.closed:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-job.done
}

// Close stops the worker after the job in progress, if any, completes.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
	<-q.stopped
}
