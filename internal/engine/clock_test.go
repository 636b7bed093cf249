package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClockStepOrdersByDueTime(t *testing.T) {
	require := require.New(t)

	c := NewClock(0)
	var order []string
	c.Schedule(5, func() { order = append(order, "b") })
	c.Schedule(1, func() { order = append(order, "a") })
	c.Schedule(10, func() { order = append(order, "c") })

	for !c.Empty() {
		_, ok := c.Step()
		require.True(ok)
	}
	require.Equal([]string{"a", "b", "c"}, order)
	require.Equal(10.0, c.Now())
}

func TestClockFIFOTieBreakOnEqualDueTime(t *testing.T) {
	require := require.New(t)

	c := NewClock(0)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		c.Schedule(3, func() { order = append(order, i) })
	}
	for !c.Empty() {
		c.Step()
	}
	require.Equal([]int{0, 1, 2, 3, 4}, order)
}

func TestClockCancel(t *testing.T) {
	require := require.New(t)

	c := NewClock(0)
	fired := false
	id := c.Schedule(1, func() { fired = true })
	c.Cancel(id)

	_, ok := c.Step()
	require.False(ok)
	require.False(fired)
}

func TestClockScheduleAtClampsToNow(t *testing.T) {
	require := require.New(t)

	c := NewClock(10)
	ranAt := -1.0
	c.ScheduleAt(5, func() { ranAt = c.Now() }) // in the past relative to now=10
	c.Step()
	require.Equal(10.0, ranAt)
}

func TestClockNegativeDelayClampsToZero(t *testing.T) {
	require := require.New(t)

	c := NewClock(3)
	id := c.Schedule(-5, func() {})
	require.NotZero(id)
	due, ok := c.Step()
	require.True(ok)
	require.Equal(3.0, due)
}

func TestClockPending(t *testing.T) {
	require := require.New(t)

	c := NewClock(0)
	c.Schedule(1, func() {})
	c.Schedule(2, func() {})
	require.Len(c.Pending(), 2)
}
