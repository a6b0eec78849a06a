package gpu

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shepherd-project/gpuwatch/internal/types"
)

const (
	nvidiaDiscoverQuery = "pci.bus_id,name,driver_version"
	nvidiaRefreshQuery  = "memory.total,memory.used,temperature.gpu,utilization.gpu,power.draw,clocks.gr"
)

// nvidiaBackend reads NVIDIA device metrics through nvidia-smi. The
// proprietary driver exposes no DRM fdinfo cycle counters, so it reports
// device-level metrics only.
type nvidiaBackend struct {
	logger Logger
	run    CommandRunner
}

// NewNvidiaBackend creates the NVIDIA backend. A nil runner executes
// nvidia-smi for real.
func NewNvidiaBackend(logger Logger, run CommandRunner) Backend {
	if logger == nil {
		logger = noopLogger{}
	}
	if run == nil {
		run = ExecRunner
	}
	return &nvidiaBackend{logger: logger, run: run}
}

func (p *nvidiaBackend) Name() string {
	return "nvidia"
}

func (p *nvidiaBackend) Vendor() string {
	return "NVIDIA"
}

func (p *nvidiaBackend) Available() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func (p *nvidiaBackend) Discover(ctx context.Context) ([]*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := p.run(ctx, "nvidia-smi",
		"--query-gpu="+nvidiaDiscoverQuery,
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}

	return p.parseDiscoverOutput(string(output)), nil
}

func (p *nvidiaBackend) RefreshDynamicInfo(ctx context.Context, dev *Device) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := p.run(ctx, "nvidia-smi",
		"--query-gpu="+nvidiaRefreshQuery,
		"--format=csv,noheader,nounits",
		"--id="+dev.PDev)
	if err != nil {
		return fmt.Errorf("%w: nvidia-smi update failed: %v", ErrUnavailable, err)
	}

	return parseNvidiaRefresh(string(output), &dev.Dynamic)
}

// ParseProcessRecord never claims a record: the NVIDIA driver has no
// DRM fdinfo vocabulary.
func (p *nvidiaBackend) ParseProcessRecord(dev *Device, r io.Reader) (Record, error) {
	return Record{}, ErrNotThisDevice
}

func (p *nvidiaBackend) Close(dev *Device) error {
	return nil
}

func (p *nvidiaBackend) parseDiscoverOutput(output string) []*Device {
	var devices []*Device

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}

		pdev := normalizeBusID(strings.TrimSpace(fields[0]))
		name := strings.TrimSpace(fields[1])
		driverVersion := strings.TrimSpace(fields[2])

		devices = append(devices, &Device{
			PDev:   pdev,
			Vendor: "NVIDIA",
			Static: StaticInfo{
				Name:           name,
				Driver:         "nvidia " + driverVersion,
				HasMemoryQuery: true,
			},
		})

		p.logger.Debugf("Detected NVIDIA GPU %s: %s", pdev, name)
	}

	return devices
}

func parseNvidiaRefresh(output string, info *DynamicInfo) error {
	fields := strings.Split(strings.TrimSpace(output), ",")
	if len(fields) < 6 {
		return fmt.Errorf("%w: unexpected output format: %q", ErrUnavailable, output)
	}

	// nvidia-smi reports MiB and a real 0 for idle memory, so used is
	// trusted whenever it parses.
	if total, ok := nvidiaUint(fields[0]); ok {
		total <<= 20
		info.TotalMemory = types.Some(total)
		if used, ok := nvidiaUint(fields[1]); ok {
			used <<= 20
			info.UsedMemory = types.Some(used)
			if used <= total {
				info.FreeMemory = types.Some(total - used)
			}
			if total > 0 {
				info.MemUtilRate = types.Some(uint32(used * 100 / total))
			}
		}
	}
	if temperature, ok := nvidiaUint(fields[2]); ok {
		info.TemperatureC = types.Some(uint32(temperature))
	}
	if utilization, ok := nvidiaUint(fields[3]); ok {
		info.GPUUtilRate = types.Some(uint32(utilization))
	}
	if watts, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64); err == nil && watts >= 0 {
		info.PowerDrawMilliwatt = types.Some(uint32(watts * 1000))
	}
	if clock, ok := nvidiaUint(fields[5]); ok {
		info.GPUClockMHz = types.Some(uint32(clock))
	}

	return nil
}

// nvidiaUint parses an integer field; "[N/A]" and friends are not values.
func nvidiaUint(field string) (uint64, bool) {
	field = strings.TrimSpace(field)
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[:i]
	}
	v, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// normalizeBusID turns nvidia-smi's "00000000:01:00.0" into the kernel's
// "0000:01:00.0" form.
func normalizeBusID(id string) string {
	id = strings.ToLower(id)
	if len(id) > len("0000:00:00.0") {
		id = id[len(id)-len("0000:00:00.0"):]
	}
	return id
}
