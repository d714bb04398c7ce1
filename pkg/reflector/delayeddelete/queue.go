// Package delayeddelete implements a FIFO queue of (item, deadline) pairs
// used to defer application of Deleted events by a configured grace period,
// so downstream consumers observe a "tombstoning" delay.
package delayeddelete

import (
	"fmt"
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/utils/clock"
)

// Deleter is the narrow slice of a state writer that Perform needs. Kept
// local (rather than importing pkg/reflector/state) to avoid a dependency
// cycle between the two packages.
type Deleter[T any] interface {
	Delete(item T) error
}

type entry[T any] struct {
	item     T
	deadline time.Time
}

// Queue is a FIFO queue of pending deletes. Deadlines are non-decreasing in
// queue order: every enqueue computes now+delay with a fixed delay and a
// monotonic clock. Its methods are safe for concurrent use, though in
// practice a Queue has exactly one owner: the Reflector that races its
// deadline against incoming stream items.
type Queue[T any] struct {
	mu    sync.Mutex
	items []entry[T]
	delay time.Duration
	clock clock.Clock
}

// NewQueue returns a Queue that delays every scheduled delete by delay,
// using clk as the monotonic time source.
func NewQueue[T any](delay time.Duration, clk clock.Clock) *Queue[T] {
	return &Queue[T]{delay: delay, clock: clk}
}

// ScheduleDelete enqueues item with a deadline of now+delay, at the tail.
func (q *Queue[T]) ScheduleDelete(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, entry[T]{item: item, deadline: q.clock.Now().Add(q.delay)})
}

// Clear drops all enqueued items without invoking the state writer.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Perform pops every front entry whose deadline has elapsed and invokes
// sw.Delete for each, in FIFO order. It is non-blocking: it drains only
// items whose deadline is in the past relative to the queue's clock.
func (q *Queue[T]) Perform(sw Deleter[T]) {
	now := q.clock.Now()

	q.mu.Lock()
	var due []T
	i := 0
	for ; i < len(q.items); i++ {
		if q.items[i].deadline.After(now) {
			break
		}
		due = append(due, q.items[i].item)
	}
	q.items = q.items[i:]
	q.mu.Unlock()

	for _, item := range due {
		if err := sw.Delete(item); err != nil {
			utilruntime.HandleError(fmt.Errorf("delayeddelete: unable to delete item: %w", err))
		}
	}
}

// Len reports the number of entries currently enqueued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NextDeadline peeks the front entry's deadline.
func (q *Queue[T]) NextDeadline() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

// NextDeadlineDelay produces a channel that fires once the front entry's
// deadline elapses, a stop function to release the underlying timer, and
// whether the channel is armed at all. When the queue is empty armed is
// false and ch is nil: a nil channel blocks forever in a select, which is
// exactly the "unselectable branch" this needs without a separate guard
// that callers could forget to check.
func (q *Queue[T]) NextDeadlineDelay() (ch <-chan time.Time, stop func() bool, armed bool) {
	deadline, ok := q.NextDeadline()
	if !ok {
		return nil, func() bool { return false }, false
	}

	d := deadline.Sub(q.clock.Now())
	if d < 0 {
		d = 0
	}
	t := q.clock.NewTimer(d)
	return t.C(), t.Stop, true
}
