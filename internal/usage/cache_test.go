package usage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPDev = "0000:03:00.0"

func render(busy, total uint64) Cycles {
	var c Cycles
	c[Render] = Counter{Busy: busy, Total: total}
	return c
}

func newReleaseCache() *Cache {
	c := NewCache()
	c.Strict = false
	return c
}

func TestCounterPercentSince(t *testing.T) {
	tests := []struct {
		name   string
		prev   Counter
		cur    Counter
		want   uint32
		wantOK bool
	}{
		{"half busy", Counter{0, 0}, Counter{50, 100}, 50, true},
		{"idle engine", Counter{10, 100}, Counter{10, 200}, 0, true},
		{"truncates", Counter{0, 0}, Counter{1, 3}, 33, true},
		{"total did not advance", Counter{10, 100}, Counter{20, 100}, 0, false},
		{"busy over total is not clamped", Counter{0, 0}, Counter{30, 20}, 150, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.cur.PercentSince(tt.prev)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCache_FirstSightHasNoUtilization(t *testing.T) {
	c := newReleaseCache()
	key := Key{ClientID: 7, PID: 1234, PDev: testPDev}

	util, err := c.Observe(key, render(1000, 10000))
	require.NoError(t, err)
	assert.False(t, util.GPU.IsSet())
	assert.False(t, util.Decode.IsSet())
	assert.False(t, util.Encode.IsSet())
}

func TestCache_RenderDelta(t *testing.T) {
	c := newReleaseCache()
	key := Key{ClientID: 7, PID: 1234, PDev: testPDev}

	_, err := c.Observe(key, render(1000, 10000))
	require.NoError(t, err)
	assert.Equal(t, 0, c.EndCycle(), "nothing evicted on the first cycle")

	util, err := c.Observe(key, render(1500, 10500))
	require.NoError(t, err)
	gpu, ok := util.GPU.Get()
	require.True(t, ok)
	assert.Equal(t, uint32(100), gpu)

	decode, ok := util.Decode.Get()
	require.True(t, ok)
	assert.Equal(t, uint32(0), decode)
}

func TestCache_ZeroBusyIsZeroNotAbsent(t *testing.T) {
	c := newReleaseCache()
	key := Key{ClientID: 1, PID: 42, PDev: testPDev}

	c.Observe(key, render(500, 1000))
	c.EndCycle()

	util, err := c.Observe(key, render(500, 2000))
	require.NoError(t, err)
	gpu, ok := util.GPU.Get()
	require.True(t, ok)
	assert.Equal(t, uint32(0), gpu)
}

func TestCache_EngineBuckets(t *testing.T) {
	c := newReleaseCache()
	key := Key{ClientID: 3, PID: 99, PDev: testPDev}

	var first, second Cycles
	second[Render] = Counter{Busy: 10, Total: 100}
	second[Compute] = Counter{Busy: 20, Total: 100}
	second[VideoDecode] = Counter{Busy: 30, Total: 100}
	second[VideoEncode] = Counter{Busy: 40, Total: 100}
	second[Copy] = Counter{Busy: 5, Total: 100}

	c.Observe(key, first)
	c.EndCycle()
	util, err := c.Observe(key, second)
	require.NoError(t, err)

	assert.Equal(t, uint32(10+20+30+40+5), util.GPU.OrElse(0), "every engine lands in the GPU bucket")
	assert.Equal(t, uint32(30), util.Decode.OrElse(0))
	assert.Equal(t, uint32(40), util.Encode.OrElse(0))
}

func TestCache_StalledTotalContributesNothing(t *testing.T) {
	c := newReleaseCache()
	key := Key{ClientID: 3, PID: 99, PDev: testPDev}

	var first, second Cycles
	first[Render] = Counter{Busy: 100, Total: 1000}
	first[VideoDecode] = Counter{Busy: 100, Total: 1000}
	second[Render] = Counter{Busy: 150, Total: 1100}
	second[VideoDecode] = Counter{Busy: 100, Total: 1000}

	c.Observe(key, first)
	c.EndCycle()
	util, _ := c.Observe(key, second)

	assert.Equal(t, uint32(50), util.GPU.OrElse(0))
	assert.Equal(t, uint32(0), util.Decode.OrElse(99), "decode bucket is set but nothing was added")
}

func TestCache_EvictsProcessesThatDisappeared(t *testing.T) {
	c := newReleaseCache()
	stays := Key{ClientID: 1, PID: 100, PDev: testPDev}
	leaves := Key{ClientID: 2, PID: 200, PDev: testPDev}

	c.Observe(stays, render(1, 10))
	c.Observe(leaves, render(1, 10))
	assert.Equal(t, 0, c.EndCycle())
	assert.True(t, c.Contains(leaves))

	c.Observe(stays, render(2, 20))
	assert.Equal(t, 1, c.EndCycle())

	assert.True(t, c.Contains(stays))
	assert.False(t, c.Contains(leaves))
	assert.Equal(t, 1, c.Len())

	util, err := c.Observe(leaves, render(5, 50))
	require.NoError(t, err)
	assert.False(t, util.GPU.IsSet(), "a returning key starts over")
}

func TestCache_KeysAreDistinctPerClientAndDevice(t *testing.T) {
	c := newReleaseCache()
	a := Key{ClientID: 1, PID: 100, PDev: testPDev}
	b := Key{ClientID: 2, PID: 100, PDev: testPDev}
	other := Key{ClientID: 1, PID: 100, PDev: "0000:04:00.0"}

	for _, k := range []Key{a, b, other} {
		_, err := c.Observe(k, render(1, 10))
		require.NoError(t, err)
	}
	c.EndCycle()
	assert.Equal(t, 3, c.Len())
}

func TestCache_DuplicateIsCountedInReleaseMode(t *testing.T) {
	c := newReleaseCache()
	key := Key{ClientID: 9, PID: 1, PDev: testPDev}

	c.Observe(key, render(0, 0))
	c.EndCycle()

	util, err := c.Observe(key, render(50, 100))
	require.NoError(t, err)
	assert.Equal(t, uint32(50), util.GPU.OrElse(0))

	util, err = c.Observe(key, render(60, 120))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))
	assert.False(t, util.GPU.IsSet(), "the duplicate must not be accounted again")
	assert.Equal(t, uint64(1), c.Duplicates())

	c.EndCycle()
	util, _ = c.Observe(key, render(80, 220))
	assert.Equal(t, uint32(20), util.GPU.OrElse(0), "last write wins")
}

func TestCache_DuplicatePanicsInStrictMode(t *testing.T) {
	c := NewCache()
	c.Strict = true
	key := Key{ClientID: 9, PID: 1, PDev: testPDev}

	c.Observe(key, render(0, 0))
	assert.Panics(t, func() {
		c.Observe(key, render(1, 1))
	})
}

func TestCyclesBusySum(t *testing.T) {
	var c Cycles
	c[Render] = Counter{Busy: 3}
	c[Copy] = Counter{Busy: 4}
	assert.Equal(t, uint64(7), c.BusySum())
}

func TestEngineString(t *testing.T) {
	assert.Equal(t, "render", Render.String())
	assert.Equal(t, "compute", Compute.String())
	assert.Equal(t, "unknown", Engine(42).String())
}
