package xe

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/types"
)

// refreshMemory fills the memory fields from the mem-regions query.
// Without CAP_PERFMON the kernel reports used as 0 instead of failing, so
// SetMemory leaves used, free and utilization unset in that case.
func refreshMemory(query queryFunc, fd int, info *gpu.DynamicInfo) error {
	total, used, err := queryMemory(query, fd)
	if err != nil {
		return err
	}
	info.SetMemory(total, used)
	return nil
}

// refreshSysfs fills clock, temperature, fan and power from the card's
// sysfs directory. A missing file leaves its field unset.
func refreshSysfs(card string, info *gpu.DynamicInfo) {
	device := filepath.Join(card, "device")

	if mhz, ok := readUint(filepath.Join(device, "tile0", "gt0", "freq0", "act_freq")); ok {
		info.GPUClockMHz = types.Some(uint32(mhz))
	}

	hwmons, _ := filepath.Glob(filepath.Join(device, "hwmon", "hwmon*"))
	sort.Strings(hwmons)
	for _, hw := range hwmons {
		if !info.TemperatureC.IsSet() {
			if milli, ok := firstTemp(hw); ok {
				info.TemperatureC = types.Some(uint32(milli / 1000))
			}
		}
		if !info.FanRPM.IsSet() {
			if rpm, ok := readUint(filepath.Join(hw, "fan1_input")); ok {
				info.FanRPM = types.Some(uint32(rpm))
			}
		}
		if !info.PowerDrawMilliwatt.IsSet() {
			if micro, ok := readUint(filepath.Join(hw, "power1_input")); ok {
				info.PowerDrawMilliwatt = types.Some(uint32(micro / 1000))
			}
		}
	}
}

func firstTemp(hwmon string) (uint64, bool) {
	inputs, _ := filepath.Glob(filepath.Join(hwmon, "temp*_input"))
	sort.Strings(inputs)
	for _, input := range inputs {
		if v, ok := readUint(input); ok {
			return v, true
		}
	}
	return 0, false
}

func readUint(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
