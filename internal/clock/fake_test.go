package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oggyb/muzz-live/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAfterFuncFiresAtExactDeadline(t *testing.T) {
	c := clock.Fake(epoch)
	fired := 0
	c.AfterFunc(15*time.Second, func() { fired++ })

	c.Advance(15*time.Second - time.Nanosecond)
	assert.Zero(t, fired)

	c.Advance(time.Nanosecond)
	assert.Equal(t, 1, fired)

	c.Advance(time.Minute)
	assert.Equal(t, 1, fired, "one-shot")
}

func TestTimerStop(t *testing.T) {
	c := clock.Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.Equal(t, 1, c.Pending())
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Hour)
	assert.False(t, fired)
	assert.Zero(t, c.Pending())
}

func TestTickerDropsWhenFull(t *testing.T) {
	c := clock.Fake(epoch)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(5 * time.Second)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("expected dropped ticks")
	default:
	}
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
}

func TestAfterChannel(t *testing.T) {
	c := clock.Fake(epoch)
	ch := c.After(time.Second)
	go c.Advance(time.Second)
	assert.Equal(t, epoch.Add(time.Second), <-ch)
}

func TestWaitForTimers(t *testing.T) {
	c := clock.Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	<-done
}
