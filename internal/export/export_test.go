package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/gpuwatch/internal/clock"
	"github.com/shepherd-project/gpuwatch/internal/fdinfo"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/gpu/xe"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/types"
	"github.com/shepherd-project/gpuwatch/internal/usage"
)

func fullDevice() gpu.Device {
	dev := gpu.Device{PDev: "0000:03:00.0", Monitored: true}
	dev.Static.Name = "Arc A770"
	dev.Dynamic.GPUClockMHz = types.Some[uint32](2400)
	dev.Dynamic.TemperatureC = types.Some[uint32](51)
	dev.Dynamic.FanRPM = types.Some[uint32](1200)
	dev.Dynamic.PowerDrawMilliwatt = types.Some[uint32](35999)
	dev.Dynamic.SetMemory(16<<30, 4<<30)
	dev.Processes = []gpu.Process{
		{PID: 1, GPUUsage: types.Some[uint32](30)},
		{PID: 2, GPUUsage: types.Some[uint32](12)},
		{PID: 3},
	}
	return dev
}

func TestWrite_Layout(t *testing.T) {
	bare := gpu.Device{PDev: "0000:04:00.0", Monitored: true}
	bare.Static.Name = "Intel Graphics"
	hidden := gpu.Device{PDev: "0000:05:00.0"}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &monitor.Snapshot{Devices: []gpu.Device{fullDevice(), hidden, bare}}))

	want := `[
  {
   "device_name": "Arc A770",
   "gpu_clock": "2400MHz",
   "temp": "51C",
   "fan_speed": "1200RPM",
   "power_draw": "35W",
   "gpu_util": "42%",
   "mem_util": "25%",
   "mem_total": "17179869184",
   "mem_used": "4294967296",
   "mem_free": "12884901888"
  },
  {
   "device_name": "Intel Graphics",
   "gpu_clock": null,
   "temp": null,
   "fan_speed": null,
   "power_draw": null,
   "gpu_util": "0%",
   "mem_util": null,
   "mem_total": null
  }
]
`
	assert.Equal(t, want, buf.String())

	var parsed []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Len(t, parsed, 2)
}

func TestWrite_ZeroProcesses(t *testing.T) {
	dev := gpu.Device{Monitored: true}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &monitor.Snapshot{Devices: []gpu.Device{dev}}))
	assert.Contains(t, buf.String(), "   \"gpu_util\": \"0%\",\n")
}

func TestWrite_UtilClampedAt100(t *testing.T) {
	dev := gpu.Device{Monitored: true}
	dev.Processes = []gpu.Process{
		{PID: 1, GPUUsage: types.Some[uint32](80)},
		{PID: 2, GPUUsage: types.Some[uint32](70)},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &monitor.Snapshot{Devices: []gpu.Device{dev}}))
	assert.Contains(t, buf.String(), `"gpu_util": "100%"`)
}

func TestWrite_TotalWithoutUsed(t *testing.T) {
	dev := gpu.Device{Monitored: true}
	dev.Dynamic.SetMemory(1024, 0)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &monitor.Snapshot{Devices: []gpu.Device{dev}}))
	assert.Contains(t, buf.String(), "   \"mem_total\": \"1024\",\n   \"mem_used\": \"0\",\n   \"mem_free\": \"0\"\n")
}

func TestWrite_NoDevices(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &monitor.Snapshot{}))
	assert.Equal(t, "[\n\n]\n", buf.String())
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "Arc A770", escape("Arc A770"))
	assert.Equal(t, `say \"hi\" \\ \u000a`, escape("say \"hi\" \\ \n"))
}

// frozenBackend reports the same dynamic info every refresh.
type frozenBackend struct{}

func (frozenBackend) Name() string                                        { return "frozen" }
func (frozenBackend) Vendor() string                                      { return "Intel" }
func (frozenBackend) Available() bool                                     { return true }
func (frozenBackend) Discover(ctx context.Context) ([]*gpu.Device, error) { return nil, nil }
func (frozenBackend) Close(dev *gpu.Device) error                         { return nil }

func (frozenBackend) RefreshDynamicInfo(ctx context.Context, dev *gpu.Device) error {
	dev.Dynamic.TemperatureC = types.Some[uint32](40)
	dev.Dynamic.SetMemory(1<<30, 0)
	return nil
}

func (frozenBackend) ParseProcessRecord(dev *gpu.Device, r io.Reader) (gpu.Record, error) {
	return xe.ParseRecord(dev.PDev, r)
}

// advancingSource moves the render counter forward by a fixed step every
// sweep, so each pass sees the same 25% delta.
type advancingSource struct {
	busy, total uint64
}

func (s *advancingSource) Sweep(ctx context.Context) ([]fdinfo.Record, error) {
	s.busy += 250
	s.total += 1000
	data := "drm-client-id:\t1\ndrm-pdev:\t0000:03:00.0\ndrm-total-vram0:\t1024 KiB\n" +
		"drm-cycles-rcs:\t" + strconv.FormatUint(s.busy, 10) + "\ndrm-total-cycles-rcs:\t" + strconv.FormatUint(s.total, 10) + "\n"
	return []fdinfo.Record{{PID: 1234, FD: 5, Data: []byte(data)}}, nil
}

func (s *advancingSource) Lookup(ctx context.Context, pid int32) fdinfo.ProcessInfo {
	return fdinfo.ProcessInfo{Command: "render"}
}

func runOnce(t *testing.T) (string, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))
	dev := &gpu.Device{PDev: "0000:03:00.0", Monitored: true, Backend: frozenBackend{}, Cache: usage.NewCache()}
	dev.Static.Name = "Arc B580"
	sampler := monitor.NewSampler(monitor.SamplerConfig{
		Devices: []*gpu.Device{dev},
		Source:  &advancingSource{},
		Clock:   clk,
	})

	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), sampler, clk, &buf))
	return buf.String(), clk
}

func TestRun_Idempotent(t *testing.T) {
	first, clk := runOnce(t)
	second, _ := runOnce(t)

	assert.Equal(t, first, second)
	assert.Equal(t, []time.Duration{SettleDelay, WorkInterval}, clk.Sleeps())
	assert.Contains(t, first, `"gpu_util": "25%"`)
	// used memory is not derived from processes in the report
	assert.Contains(t, first, "   \"mem_used\": \"0\",\n")
	assert.Contains(t, first, `"temp": "40C"`)
}
