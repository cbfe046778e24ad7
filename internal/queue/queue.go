// Package queue implements the bounded in-process handoff between the
// Listener (producer) and the Worker Pool (consumer): a fixed-capacity FIFO
// backed by a buffered channel, so a burst of inbound events applies
// backpressure to the producer instead of growing without bound.
package queue

import (
	"context"

	"github.com/prohibitedtv/telecap/internal/model"
)

// Queue is a single bounded FIFO of job descriptors. It is safe for any
// number of concurrent producers and consumers.
type Queue struct {
	ch chan model.JobDescriptor
}

// New constructs a Queue with the given capacity. A capacity of zero makes
// every Enqueue block until a consumer is ready to receive — useful for
// tests that want to observe backpressure directly.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan model.JobDescriptor, capacity)}
}

// Enqueue adds a job, blocking if the queue is at capacity until a consumer
// drains it or ctx is cancelled. This is the pipeline's sole backpressure
// mechanism: a slow Worker Pool stalls the Listener here rather than
// allowing unbounded memory growth.
func (q *Queue) Enqueue(ctx context.Context, job model.JobDescriptor) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds a job without blocking, reporting false if the queue is
// currently full.
func (q *Queue) TryEnqueue(job model.JobDescriptor) bool {
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a job is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (model.JobDescriptor, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return model.JobDescriptor{}, context.Canceled
		}
		return job, nil
	case <-ctx.Done():
		return model.JobDescriptor{}, ctx.Err()
	}
}

// Len reports the number of jobs currently buffered, for observability.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's fixed capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close signals that no further jobs will be enqueued. Workers already
// blocked in Dequeue drain any buffered jobs first, then receive
// context.Canceled once the channel is empty and closed. Callers should stop
// producing before calling Close.
func (q *Queue) Close() {
	close(q.ch)
}
