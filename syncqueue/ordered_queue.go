// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncqueue

import (
	"sync"

	"github.com/grailbio/mediavault/errors"
)

// OrderedQueue reorders entries on their way out: producers insert
// entries tagged with a sequence index (starting at zero) in any
// order, and Next returns them in index order. Ranged downloads use
// it to feed windows fetched in parallel to a decrypt session, which
// must see them in sequence.
//
// An OrderedQueue holds at most maxSize entries. An Insert that would
// fill the queue blocks unless its entry is the next one due, so that
// the queue cannot deadlock on a missing entry.
type OrderedQueue[T any] struct {
	maxSize int

	mu      sync.Mutex
	cond    *sync.Cond
	next    int
	pending map[int]T
	closed  bool
	err     error
}

// NewOrderedQueue returns an OrderedQueue holding at most maxSize
// entries.
func NewOrderedQueue[T any](maxSize int) *OrderedQueue[T] {
	if maxSize < 1 {
		panic("syncqueue.NewOrderedQueue: maxSize < 1")
	}
	q := &OrderedQueue[T]{
		maxSize: maxSize,
		pending: make(map[int]T),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *OrderedQueue[T]) full(index int) bool {
	_, haveNext := q.pending[q.next]
	if haveNext {
		return len(q.pending) >= q.maxSize
	}
	return index != q.next && len(q.pending) >= q.maxSize-1
}

// Insert adds the entry with the given sequence index, blocking while
// the queue is full. Insert returns the queue's error if it was closed
// with one.
func (q *OrderedQueue[T]) Insert(index int, value T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.err == nil && !q.closed && q.full(index) {
		q.cond.Wait()
	}
	if q.err != nil {
		return q.err
	}
	if q.closed {
		return errors.E(errors.Precondition, "insert into closed ordered queue")
	}
	if index < q.next {
		return errors.E(errors.Precondition, "duplicate ordered queue index")
	}
	if _, ok := q.pending[index]; ok {
		return errors.E(errors.Precondition, "duplicate ordered queue index")
	}
	q.pending[index] = value
	q.cond.Broadcast()
	return nil
}

// Close closes the queue. With a nil err, Close tells the queue that
// all inserts are done; Next drains the remaining entries. With a
// non-nil err, blocked and future calls to Insert and Next return err.
// Close returns the queue's error.
func (q *OrderedQueue[T]) Close(err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.closed = true
	q.cond.Broadcast()
	return q.err
}

// Next returns the next entry in sequence, blocking until it is
// present. Next returns ok=false once the queue is closed and
// drained. If the queue is closed while an entry before the remaining
// ones is missing, Next returns a Precondition error.
func (q *OrderedQueue[T]) Next() (value T, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	value, found := q.pending[q.next]
	for q.err == nil && !found && !q.closed {
		q.cond.Wait()
		value, found = q.pending[q.next]
	}
	if q.err != nil {
		return value, false, q.err
	}
	if !found {
		if len(q.pending) == 0 {
			return value, false, nil
		}
		return value, false, errors.E(errors.Precondition, "ordered queue closed with a missing entry")
	}
	delete(q.pending, q.next)
	q.next++
	q.cond.Broadcast()
	return value, true, nil
}
