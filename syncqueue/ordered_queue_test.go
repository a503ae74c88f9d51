// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package syncqueue_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkNext(t *testing.T, q *syncqueue.OrderedQueue[string], value string, ok bool) {
	t.Helper()
	actualValue, actualOk, actualErr := q.Next()
	assert.NoError(t, actualErr)
	assert.Equal(t, ok, actualOk)
	assert.Equal(t, value, actualValue)
}

func TestOrderedBasic(t *testing.T) {
	for _, indices := range [][]int{{0, 1, 2}, {2, 1, 0}, {0, 2, 1}} {
		q := syncqueue.NewOrderedQueue[string](10)
		names := []string{"zero", "one", "two"}
		for _, i := range indices {
			require.NoError(t, q.Insert(i, names[i]))
		}
		q.Close(nil)
		checkNext(t, q, "zero", true)
		checkNext(t, q, "one", true)
		checkNext(t, q, "two", true)
		checkNext(t, q, "", false)
	}
}

func TestOrderedInsertNextWhenFull(t *testing.T) {
	q := syncqueue.NewOrderedQueue[string](2)
	require.NoError(t, q.Insert(1, "one"))
	// The queue is full for any entry but the next one.
	require.NoError(t, q.Insert(0, "zero"))
	q.Close(nil)
	checkNext(t, q, "zero", true)
	checkNext(t, q, "one", true)
	checkNext(t, q, "", false)
}

func TestOrderedInsertBlocks(t *testing.T) {
	q := syncqueue.NewOrderedQueue[string](2)
	require.NoError(t, q.Insert(1, "one"))

	inserted := make(chan error)
	go func() { inserted <- q.Insert(2, "two") }()
	select {
	case <-inserted:
		t.Fatal("insert(2) should block while entry 0 is missing")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, q.Insert(0, "zero"))
	checkNext(t, q, "zero", true)
	require.NoError(t, <-inserted)
	q.Close(nil)
	checkNext(t, q, "one", true)
	checkNext(t, q, "two", true)
	checkNext(t, q, "", false)
}

func TestOrderedCloseWithError(t *testing.T) {
	q := syncqueue.NewOrderedQueue[string](1)
	require.NoError(t, q.Insert(0, "zero"))
	inserted := make(chan error)
	go func() { inserted <- q.Insert(1, "one") }()
	q.Close(fmt.Errorf("range get failed"))
	assert.EqualError(t, <-inserted, "range get failed")
	_, ok, err := q.Next()
	assert.False(t, ok)
	assert.EqualError(t, err, "range get failed")
}

func TestOrderedMissingEntry(t *testing.T) {
	q := syncqueue.NewOrderedQueue[string](4)
	require.NoError(t, q.Insert(1, "one"))
	q.Close(nil)
	_, ok, err := q.Next()
	assert.False(t, ok)
	assert.True(t, errors.Is(errors.Precondition, err), "%v", err)
}

func TestOrderedDuplicate(t *testing.T) {
	q := syncqueue.NewOrderedQueue[string](4)
	require.NoError(t, q.Insert(0, "zero"))
	assert.True(t, errors.Is(errors.Precondition, q.Insert(0, "again")))
	checkNext(t, q, "zero", true)
	assert.True(t, errors.Is(errors.Precondition, q.Insert(0, "late")))
}

func TestOrderedConcurrent(t *testing.T) {
	const N = 200
	q := syncqueue.NewOrderedQueue[int](4)
	var wg sync.WaitGroup
	work := make(chan int)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if err := q.Insert(i, i*i); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	go func() {
		// Hand out indices roughly in order so that the bounded queue
		// always makes progress.
		for i := 0; i < N; i += 4 {
			for j := i; j < i+4 && j < N; j++ {
				work <- j
			}
		}
		close(work)
		wg.Wait()
		q.Close(nil)
	}()
	for i := 0; ; i++ {
		v, ok, err := q.Next()
		require.NoError(t, err)
		if !ok {
			require.Equal(t, N, i)
			break
		}
		require.Equal(t, i*i, v)
	}
}
