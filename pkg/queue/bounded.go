// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the bounded, thread-safe FIFO used both as the
// synchronizer's ingestion queue and as the sink/plot-sink fan-out queues.
// It is backed by a deque rather than a plain Go channel so it can support
// drop-oldest overflow without a side buffer to hold the element being
// evicted.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edwingeng/deque"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Bounded is a thread-safe FIFO queue. capacity <= 0 means unbounded: neither
// Put nor TryPut ever drops.
type Bounded struct {
	mu       sync.Mutex
	buf      deque.Deque
	capacity int
	closed   bool
	notify   chan struct{}
	drops    uint64
	name     string
}

// NewBounded creates a queue identified by name (used only in log lines).
func NewBounded(name string, capacity int) *Bounded {
	return &Bounded{
		buf:      deque.NewDeque(),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		name:     name,
	}
}

func (q *Bounded) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Put enqueues v without ever blocking the caller. If the queue is bounded
// and full, the oldest queued element is dropped to admit v: stale samples
// are worth less than current ones in a live system. This is the policy
// used by the synchronizer's ingestion queue. dropped reports whether an
// element was evicted to make room for v.
func (q *Bounded) Put(v interface{}) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && q.buf.Len() >= q.capacity {
		q.buf.PopFront()
		dropped = true
		n := atomic.AddUint64(&q.drops, 1)
		log.Warn("ingestion queue overflow, dropped oldest packet",
			zap.String("queue", q.name), zap.Uint64("total-drops", n))
	}
	q.buf.PushBack(v)
	q.mu.Unlock()
	q.wake()
	return dropped
}

// TryPut enqueues v unless the queue is bounded and already full, in which
// case v itself (not the oldest element) is dropped and false is returned.
// This is the policy used for sink and plot-sink fan-out: the consumer must
// never block on a slow sink, and a sink that cannot keep up loses the
// newest payload destined for it, not the whole queue's history.
func (q *Bounded) TryPut(v interface{}) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && q.buf.Len() >= q.capacity {
		q.mu.Unlock()
		atomic.AddUint64(&q.drops, 1)
		return false
	}
	q.buf.PushBack(v)
	q.mu.Unlock()
	q.wake()
	return true
}

// Get blocks for up to timeout waiting for an element. ok is false on
// timeout, or once the queue has been closed and fully drained.
func (q *Bounded) Get(timeout time.Duration) (v interface{}, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.buf.Len() > 0 {
			v = q.buf.PopFront()
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-time.After(remaining):
			return nil, false
		}
	}
}

// Close wakes any blocked Get and stops accepting further Put/TryPut calls.
// Already-queued elements stay in the queue and Get still returns them
// until it is drained. Safe to call more than once.
func (q *Bounded) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Closed reports whether Close has been called and the queue has been
// fully drained (Get will never again return ok=true).
func (q *Bounded) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.buf.Len() == 0
}

// Drops returns the cumulative count of elements dropped by overflow.
func (q *Bounded) Drops() uint64 {
	return atomic.LoadUint64(&q.drops)
}

// Len returns the current queue depth.
func (q *Bounded) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Len()
}
