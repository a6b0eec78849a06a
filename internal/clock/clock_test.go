package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	c := Fake(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(3 * time.Second)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeClockSleepAdvances(t *testing.T) {
	c := Fake(epoch)
	c.Sleep(250 * time.Millisecond)
	c.Sleep(time.Second)
	c.Sleep(-time.Second)

	assert.Equal(t, epoch.Add(1250*time.Millisecond), c.Now())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, time.Second, -time.Second}, c.Sleeps())
}

func TestClockImplementations(t *testing.T) {
	var _ Clock = Real()
	var _ Clock = Fake(epoch)

	before := time.Now()
	assert.False(t, Real().Now().Before(before))
}
