package gpu

import (
	"strings"

	"github.com/shepherd-project/gpuwatch/internal/types"
	"github.com/shepherd-project/gpuwatch/internal/usage"
)

// ProcessType classifies what a process uses the GPU for. Values combine
// bitwise; zero means unknown.
type ProcessType uint8

const (
	Graphical ProcessType = 1 << iota
	Compute
	Decode
	Encode
)

// String returns a "+"-joined list of the set classes, or "Unknown".
func (t ProcessType) String() string {
	if t == 0 {
		return "Unknown"
	}
	var parts []string
	if t&Graphical != 0 {
		parts = append(parts, "Graphic")
	}
	if t&Compute != 0 {
		parts = append(parts, "Compute")
	}
	if t&Decode != 0 {
		parts = append(parts, "Decode")
	}
	if t&Encode != 0 {
		parts = append(parts, "Encode")
	}
	return strings.Join(parts, "+")
}

// StaticInfo is device information read once at discovery.
type StaticInfo struct {
	Name               string `json:"name"`
	Driver             string `json:"driver"`
	IntegratedGraphics bool   `json:"integratedGraphics"`
	HasMemoryQuery     bool   `json:"hasMemoryQuery"`
}

// DynamicInfo is overwritten on every refresh. Every field is optional;
// producers set a field only from valid input.
type DynamicInfo struct {
	GPUClockMHz        types.Optional[uint32] `json:"gpuClockMHz"`
	TemperatureC       types.Optional[uint32] `json:"temperatureC"`
	FanRPM             types.Optional[uint32] `json:"fanRPM"`
	PowerDrawMilliwatt types.Optional[uint32] `json:"powerDrawMilliwatt"`
	GPUUtilRate        types.Optional[uint32] `json:"gpuUtilRate"`
	EncoderRate        types.Optional[uint32] `json:"encoderRate"`
	DecoderRate        types.Optional[uint32] `json:"decoderRate"`
	TotalMemory        types.Optional[uint64] `json:"totalMemory"`
	UsedMemory         types.Optional[uint64] `json:"usedMemory"`
	FreeMemory         types.Optional[uint64] `json:"freeMemory"`
	MemUtilRate        types.Optional[uint32] `json:"memUtilRate"`
}

// SetMemory fills the memory fields from a total and a used byte count.
// used is only trusted when non-zero: unprivileged queries report 0 instead
// of failing.
func (d *DynamicInfo) SetMemory(total, used uint64) {
	d.TotalMemory = types.Some(total)
	if used == 0 {
		return
	}
	d.UsedMemory = types.Some(used)
	if used <= total {
		d.FreeMemory = types.Some(total - used)
	}
	if total > 0 {
		d.MemUtilRate = types.Some(uint32(used * 100 / total))
	}
}

// Process is the per-cycle view of one pid on one device. MemoryPercent is
// filled by the rate pass from the device total.
type Process struct {
	PID           int32                  `json:"pid"`
	Type          ProcessType            `json:"type"`
	Command       string                 `json:"command"`
	User          string                 `json:"user"`
	MemoryUsage   types.Optional[uint64] `json:"memoryUsage"`
	MemoryPercent types.Optional[uint32] `json:"memoryPercent"`
	GPUUsage      types.Optional[uint32] `json:"gpuUsage"`
	DecodeUsage   types.Optional[uint32] `json:"decodeUsage"`
	EncodeUsage   types.Optional[uint32] `json:"encodeUsage"`
	Cycles        types.Optional[uint64] `json:"cycles"`
}

// Merge folds one client session's record and utilization into p. Memory,
// usages and cycles add up across the sessions a pid holds.
func (p *Process) Merge(rec Record, util usage.Utilization) {
	p.Type |= rec.Type
	if mem, ok := rec.Memory.Get(); ok {
		p.MemoryUsage = types.Add(p.MemoryUsage, mem)
	}
	if v, ok := util.GPU.Get(); ok {
		p.GPUUsage = types.Add(p.GPUUsage, v)
	}
	if v, ok := util.Decode.Get(); ok {
		p.DecodeUsage = types.Add(p.DecodeUsage, v)
		if v > 0 {
			p.Type |= Decode
		}
	}
	if v, ok := util.Encode.Get(); ok {
		p.EncodeUsage = types.Add(p.EncodeUsage, v)
		if v > 0 {
			p.Type |= Encode
		}
	}
	p.Cycles = types.Add(p.Cycles, rec.Cycles.BusySum())
}

// Record is what a backend extracts from one fdinfo record.
type Record struct {
	ClientID uint64
	Memory   types.Optional[uint64]
	Cycles   usage.Cycles
	Type     ProcessType
}

// Device is one monitored accelerator. It owns its query handle (through
// State) and its delta cache from discovery until Close.
type Device struct {
	Index     int         `json:"index"`
	PDev      string      `json:"pdev"`
	Vendor    string      `json:"vendor"`
	Monitored bool        `json:"monitored"`
	Static    StaticInfo  `json:"static"`
	Dynamic   DynamicInfo `json:"dynamic"`
	Processes []Process   `json:"processes"`

	Backend Backend      `json:"-"`
	Cache   *usage.Cache `json:"-"`

	// State is private to the backend that created the device.
	State any `json:"-"`
}

// Process returns the process entry for pid, creating it if needed.
func (d *Device) Process(pid int32) *Process {
	for i := range d.Processes {
		if d.Processes[i].PID == pid {
			return &d.Processes[i]
		}
	}
	d.Processes = append(d.Processes, Process{PID: pid})
	return &d.Processes[len(d.Processes)-1]
}
