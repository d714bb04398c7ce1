package delayeddelete

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type recordingDeleter struct {
	deleted []string
}

func (d *recordingDeleter) Delete(item string) error {
	d.deleted = append(d.deleted, item)
	return nil
}

func TestQueuePerformDrainsOnlyDueEntries(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	q := NewQueue[string](10*time.Second, clk)

	q.ScheduleDelete("a")
	clk.Step(4 * time.Second)
	q.ScheduleDelete("b")

	deleter := &recordingDeleter{}

	clk.Step(5 * time.Second) // t=9s: neither due yet (a@10s, b@14s)
	q.Perform(deleter)
	assert.Empty(t, deleter.deleted)

	clk.Step(2 * time.Second) // t=11s: a is due, b is not
	q.Perform(deleter)
	assert.Equal(t, []string{"a"}, deleter.deleted)

	clk.Step(5 * time.Second) // t=16s: b is now due
	q.Perform(deleter)
	assert.Equal(t, []string{"a", "b"}, deleter.deleted)
}

func TestQueueClearDropsWithoutInvokingWriter(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	q := NewQueue[string](time.Second, clk)

	q.ScheduleDelete("a")
	q.Clear()

	clk.Step(time.Hour)
	deleter := &recordingDeleter{}
	q.Perform(deleter)
	assert.Empty(t, deleter.deleted)
}

func TestQueueNextDeadlineDelayUnarmedWhenEmpty(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	q := NewQueue[string](time.Second, clk)

	ch, stop, armed := q.NextDeadlineDelay()
	assert.False(t, armed)
	assert.Nil(t, ch)
	assert.False(t, stop())
}

func TestQueueNextDeadlineDelayFiresAtDeadline(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	q := NewQueue[string](time.Second, clk)
	q.ScheduleDelete("a")

	ch, stop, armed := q.NextDeadlineDelay()
	require.True(t, armed)
	defer stop()

	clk.Step(time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after stepping the fake clock past the deadline")
	}
}

func TestQueueFIFOOrderPreservedAcrossEqualDeadlines(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	q := NewQueue[string](time.Second, clk)

	q.ScheduleDelete("a")
	q.ScheduleDelete("b")
	q.ScheduleDelete("c")

	clk.Step(2 * time.Second)
	deleter := &recordingDeleter{}
	q.Perform(deleter)
	assert.Equal(t, []string{"a", "b", "c"}, deleter.deleted)
}
