package monitor

import (
	"time"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
)

// Snapshot is an immutable copy of all devices after one pass. Consumers
// on other goroutines may keep it.
type Snapshot struct {
	Time    time.Time    `json:"time"`
	Cycle   uint64       `json:"cycle"`
	Devices []gpu.Device `json:"devices"`
}

func newSnapshot(now time.Time, cycle uint64, devices []*gpu.Device) *Snapshot {
	snap := &Snapshot{
		Time:    now,
		Cycle:   cycle,
		Devices: make([]gpu.Device, len(devices)),
	}
	for i, dev := range devices {
		c := *dev
		c.Processes = append([]gpu.Process(nil), dev.Processes...)
		c.Backend = nil
		c.Cache = nil
		c.State = nil
		snap.Devices[i] = c
	}
	return snap
}

// Device returns the device with the given bus id.
func (s *Snapshot) Device(pdev string) (*gpu.Device, bool) {
	for i := range s.Devices {
		if s.Devices[i].PDev == pdev {
			return &s.Devices[i], true
		}
	}
	return nil, false
}

// Monitored returns the monitored devices, in discovery order.
func (s *Snapshot) Monitored() []gpu.Device {
	out := make([]gpu.Device, 0, len(s.Devices))
	for _, d := range s.Devices {
		if d.Monitored {
			out = append(out, d)
		}
	}
	return out
}
