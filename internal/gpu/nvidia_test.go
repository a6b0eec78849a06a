package gpu

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRunner(output string, err error) (CommandRunner, *[]string) {
	var got []string
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		got = append([]string{name}, args...)
		return []byte(output), err
	}, &got
}

// TestNewNvidiaBackend tests that the factory function creates the right implementation
func TestNewNvidiaBackend(t *testing.T) {
	backend := NewNvidiaBackend(nil, nil)

	assert.NotNil(t, backend)
	assert.Equal(t, "nvidia", backend.Name())
	assert.Equal(t, "NVIDIA", backend.Vendor())
}

func TestNvidiaBackend_Discover(t *testing.T) {
	run, args := fakeRunner(
		"00000000:01:00.0, NVIDIA GeForce RTX 4090, 550.54\n"+
			"00000000:02:00.0, NVIDIA A100, 550.54\n"+
			"garbage\n", nil)
	backend := NewNvidiaBackend(nil, run)

	devices, err := backend.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "0000:01:00.0", devices[0].PDev)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", devices[0].Static.Name)
	assert.Equal(t, "nvidia 550.54", devices[0].Static.Driver)
	assert.Equal(t, "0000:02:00.0", devices[1].PDev)
	assert.Contains(t, strings.Join(*args, " "), "--query-gpu="+nvidiaDiscoverQuery)
}

func TestNvidiaBackend_DiscoverFailure(t *testing.T) {
	run, _ := fakeRunner("", errors.New("exit status 9"))
	backend := NewNvidiaBackend(nil, run)

	_, err := backend.Discover(context.Background())
	assert.Error(t, err)
}

func TestNvidiaBackend_RefreshDynamicInfo(t *testing.T) {
	run, args := fakeRunner("24564, 6141, 45, 12, 35.50, 2520\n", nil)
	backend := NewNvidiaBackend(nil, run)
	dev := &Device{PDev: "0000:01:00.0"}

	require.NoError(t, backend.RefreshDynamicInfo(context.Background(), dev))
	assert.Contains(t, *args, "--id=0000:01:00.0")

	total, ok := dev.Dynamic.TotalMemory.Get()
	require.True(t, ok)
	assert.Equal(t, uint64(24564)*1024*1024, total)
	assert.Equal(t, uint64(6141)*1024*1024, dev.Dynamic.UsedMemory.OrElse(0))
	assert.Equal(t, uint64(24564-6141)*1024*1024, dev.Dynamic.FreeMemory.OrElse(0))
	assert.Equal(t, uint32(25), dev.Dynamic.MemUtilRate.OrElse(0))
	assert.Equal(t, uint32(45), dev.Dynamic.TemperatureC.OrElse(0))
	assert.Equal(t, uint32(12), dev.Dynamic.GPUUtilRate.OrElse(0))
	assert.Equal(t, uint32(35500), dev.Dynamic.PowerDrawMilliwatt.OrElse(0))
	assert.Equal(t, uint32(2520), dev.Dynamic.GPUClockMHz.OrElse(0))
}

func TestNvidiaBackend_NotAvailableFieldsStayAbsent(t *testing.T) {
	run, _ := fakeRunner("[N/A], [N/A], 45, [N/A], [N/A], [N/A]\n", nil)
	backend := NewNvidiaBackend(nil, run)
	dev := &Device{PDev: "0000:01:00.0"}

	require.NoError(t, backend.RefreshDynamicInfo(context.Background(), dev))
	assert.False(t, dev.Dynamic.TotalMemory.IsSet())
	assert.False(t, dev.Dynamic.UsedMemory.IsSet())
	assert.False(t, dev.Dynamic.GPUUtilRate.IsSet())
	assert.False(t, dev.Dynamic.PowerDrawMilliwatt.IsSet())
	assert.True(t, dev.Dynamic.TemperatureC.IsSet())
}

func TestNvidiaBackend_RefreshFailureIsUnavailable(t *testing.T) {
	run, _ := fakeRunner("", errors.New("GPU is lost"))
	backend := NewNvidiaBackend(nil, run)

	err := backend.RefreshDynamicInfo(context.Background(), &Device{})
	assert.True(t, errors.Is(err, ErrUnavailable))

	run, _ = fakeRunner("1, 2\n", nil)
	backend = NewNvidiaBackend(nil, run)
	err = backend.RefreshDynamicInfo(context.Background(), &Device{})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestNvidiaBackend_NeverClaimsRecords(t *testing.T) {
	backend := NewNvidiaBackend(nil, nil)
	_, err := backend.ParseProcessRecord(&Device{}, strings.NewReader("drm-client-id:\t1\n"))
	assert.True(t, errors.Is(err, ErrNotThisDevice))
}

func TestNormalizeBusID(t *testing.T) {
	assert.Equal(t, "0000:01:00.0", normalizeBusID("00000000:01:00.0"))
	assert.Equal(t, "0000:0a:00.0", normalizeBusID("0000:0A:00.0"))
}
