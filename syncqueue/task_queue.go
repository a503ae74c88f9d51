// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package syncqueue implements the queues that schedule transfer work:
// a bounded FIFO task queue that admits at most a fixed number of
// concurrent transfers, and an ordered queue that reassembles
// out-of-order results into sequence.
package syncqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/log"
)

// DefaultLimit is the concurrency limit of a TaskQueue created with a
// non-positive limit.
const DefaultLimit = 4

// Stats is a snapshot of a TaskQueue's occupancy.
type Stats struct {
	Running, Waiting int
}

// An Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithObserver installs fn to be called with the queue's occupancy
// whenever it changes. fn is called with the queue's lock held and
// must not call back into the queue.
func WithObserver(fn func(Stats)) Option {
	return func(q *TaskQueue) { q.observe = fn }
}

// TaskQueue runs submitted tasks with bounded concurrency. Waiting
// tasks start in submission order as running tasks finish. A task
// whose context is done before it starts is never run.
type TaskQueue struct {
	limit   int
	observe func(Stats)

	mu      sync.Mutex
	running int
	waiting []*Future
	closed  bool
	pending sync.WaitGroup
}

// NewTaskQueue returns a queue that runs at most limit tasks at a
// time.
func NewTaskQueue(limit int, opts ...Option) *TaskQueue {
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := &TaskQueue{limit: limit}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Future is the eventual result of a submitted task.
type Future struct {
	ctx     context.Context
	task    func(context.Context) error
	stop    func() bool
	started bool
	done    chan struct{}
	err     error
}

// Done returns a channel that is closed when the task has completed,
// or was canceled before starting.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task's error. It is valid only after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task completes and returns its error, or
// returns ctx's error if ctx is done first. The task itself is
// governed by the context it was submitted with.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return errors.E(ctx.Err())
	}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Enqueue submits task to run with ctx once a slot is free.
func (q *TaskQueue) Enqueue(ctx context.Context, task func(context.Context) error) *Future {
	f := &Future{ctx: ctx, task: task, done: make(chan struct{})}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		f.resolve(errors.E(errors.Precondition, "enqueue: queue is closed"))
		return f
	}
	q.pending.Add(1)
	q.waiting = append(q.waiting, f)
	f.stop = context.AfterFunc(ctx, func() { q.cancelWaiting(f) })
	q.dispatchLocked()
	return f
}

// cancelWaiting resolves f with its context's error if it has not
// started.
func (q *TaskQueue) cancelWaiting(f *Future) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if f.started {
		return
	}
	for i, g := range q.waiting {
		if g == f {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.notifyLocked()
			f.resolve(errors.E(errors.Canceled, "task canceled before it started", f.ctx.Err()))
			q.pending.Done()
			return
		}
	}
}

func (q *TaskQueue) dispatchLocked() {
	for q.running < q.limit && len(q.waiting) > 0 {
		f := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		f.stop()
		if err := f.ctx.Err(); err != nil {
			f.resolve(errors.E(errors.Canceled, "task canceled before it started", err))
			q.pending.Done()
			continue
		}
		f.started = true
		q.running++
		go q.run(f)
	}
	q.notifyLocked()
}

func (q *TaskQueue) notifyLocked() {
	if q.observe != nil {
		q.observe(Stats{Running: q.running, Waiting: len(q.waiting)})
	}
}

func (q *TaskQueue) run(f *Future) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error.Printf("syncqueue: task panicked: %v\n%s", r, debug.Stack())
				err = errors.E(fmt.Sprintf("task panicked: %v", r))
			}
		}()
		return f.task(f.ctx)
	}()
	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	q.mu.Unlock()
	f.resolve(err)
	q.pending.Done()
}

// Stats returns the number of running and waiting tasks.
func (q *TaskQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Running: q.running, Waiting: len(q.waiting)}
}

// Close rejects further submissions with a Precondition error and
// waits for every admitted task to finish or be canceled.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.pending.Wait()
}
