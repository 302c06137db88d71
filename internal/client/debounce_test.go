package client

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFired(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task never fired")
		return 0
	}
}

func assertQuiet(t *testing.T, ch <-chan int) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected task fired: %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerFires(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)
	fired := make(chan int, 1)

	s.Schedule("notes", time.Second, func() { fired <- 1 })
	require.True(t, s.Pending("notes"))

	clock.Advance(time.Second)
	assert.Equal(t, 1, waitFired(t, fired))
	assert.False(t, s.Pending("notes"))
}

func TestSchedulerCancelAndReplace(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)
	fired := make(chan int, 3)

	// Three rapid schedules within the window collapse into the last one.
	s.Schedule("notes", time.Second, func() { fired <- 1 })
	clock.Advance(200 * time.Millisecond)
	s.Schedule("notes", time.Second, func() { fired <- 2 })
	clock.Advance(200 * time.Millisecond)
	s.Schedule("notes", time.Second, func() { fired <- 3 })

	clock.Advance(time.Second)
	assert.Equal(t, 3, waitFired(t, fired))
	assertQuiet(t, fired)
}

func TestSchedulerIndependentKeys(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)
	fired := make(chan int, 2)

	s.Schedule("drawing", 50*time.Millisecond, func() { fired <- 1 })
	s.Schedule("notes", time.Second, func() { fired <- 2 })

	clock.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, waitFired(t, fired))
	require.True(t, s.Pending("notes"))

	clock.Advance(time.Second)
	assert.Equal(t, 2, waitFired(t, fired))
}

func TestSchedulerCancel(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)
	fired := make(chan int, 1)

	s.Schedule("notes", time.Second, func() { fired <- 1 })
	s.Cancel("notes")
	assert.False(t, s.Pending("notes"))

	clock.Advance(2 * time.Second)
	assertQuiet(t, fired)
}

func TestSchedulerCancelAll(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)
	fired := make(chan int, 2)

	s.Schedule("drawing", 50*time.Millisecond, func() { fired <- 1 })
	s.Schedule("notes", time.Second, func() { fired <- 2 })
	s.CancelAll()

	clock.Advance(2 * time.Second)
	assertQuiet(t, fired)
}
