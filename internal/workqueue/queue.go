// Package workqueue serializes work submitted by many producers through a
// single consumer.
package workqueue

import (
	"context"
	"fmt"
	"sync"
)

// Processor handles one queued item. kind is an opaque label chosen by the
// producer (for example the transport that produced the item).
type Processor[T, R any] func(ctx context.Context, kind string, item T) (R, error)

// Result is the outcome of processing one item.
type Result[R any] struct {
	Value R
	Err   error
}

type job[T, R any] struct {
	kind   string
	item   T
	result chan Result[R]
}

// Queue buffers items without bound and runs the processor on them one at a
// time, in submission order. A failing item does not stop the queue.
type Queue[T, R any] struct {
	ctx     context.Context
	process Processor[T, R]

	mu      sync.Mutex
	jobs    []job[T, R]
	running bool
	idle    chan struct{}
}

// New creates a queue whose processor runs with ctx.
func New[T, R any](ctx context.Context, process Processor[T, R]) *Queue[T, R] {
	if ctx == nil {
		ctx = context.Background()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[T, R]{ctx: ctx, process: process, idle: idle}
}

// Enqueue adds an item and returns a channel that receives its result once.
func (q *Queue[T, R]) Enqueue(kind string, item T) <-chan Result[R] {
	result := make(chan Result[R], 1)

	q.mu.Lock()
	q.jobs = append(q.jobs, job[T, R]{kind: kind, item: item, result: result})
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.run()
	}
	q.mu.Unlock()

	return result
}

// Submit enqueues an item and waits for its result.
func (q *Queue[T, R]) Submit(ctx context.Context, kind string, item T) (R, error) {
	select {
	case res := <-q.Enqueue(kind, item):
		return res.Value, res.Err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Idle reports whether the consumer loop is stopped.
func (q *Queue[T, R]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running
}

// Len returns the number of items waiting to be processed.
func (q *Queue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// WaitIdle blocks until the queue has drained or ctx is done.
func (q *Queue[T, R]) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T, R]) run() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		next := q.jobs[0]
		q.jobs[0] = job[T, R]{}
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		value, err := q.safeProcess(next)
		next.result <- Result[R]{Value: value, Err: err}
	}
}

func (q *Queue[T, R]) safeProcess(j job[T, R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing %s item: panic: %v", j.kind, r)
		}
	}()
	return q.process(q.ctx, j.kind, j.item)
}
