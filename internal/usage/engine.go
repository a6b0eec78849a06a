// Package usage turns cumulative per-engine cycle counters into utilization
// percentages. It keeps the last sample of every client session in a
// two-generation cache: the previous cycle's generation is the lookup source,
// the current cycle's generation is being built, and whatever is left in the
// previous generation when a cycle ends belongs to a process that went away.
package usage

import "github.com/shepherd-project/gpuwatch/internal/types"

// Engine is an accelerator engine class whose usage is tracked independently.
type Engine int

const (
	Render Engine = iota
	VideoDecode
	VideoEncode
	Copy
	Compute
)

// NumEngines is the number of engine classes.
const NumEngines = int(Compute) + 1

var engineNames = [NumEngines]string{
	Render:      "render",
	VideoDecode: "video-decode",
	VideoEncode: "video-encode",
	Copy:        "copy",
	Compute:     "compute",
}

// String returns the engine class name.
func (e Engine) String() string {
	if e < 0 || int(e) >= NumEngines {
		return "unknown"
	}
	return engineNames[e]
}

// Engines returns every engine class in declaration order.
func Engines() []Engine {
	return []Engine{Render, VideoDecode, VideoEncode, Copy, Compute}
}

// Counter is one engine's cumulative busy and total cycle counts.
type Counter struct {
	Busy  uint64 `json:"busy"`
	Total uint64 `json:"total"`
}

// PercentSince returns busy*100/total over the interval since prev.
// ok is false when the total counter did not advance; that is "no data",
// not zero. Counters are assumed monotonic: a wrapped counter yields garbage.
func (c Counter) PercentSince(prev Counter) (pct uint32, ok bool) {
	total := c.Total - prev.Total
	if total == 0 {
		return 0, false
	}
	busy := c.Busy - prev.Busy
	return uint32(busy * 100 / total), true
}

// Cycles is a raw counter sample, one Counter per engine class.
type Cycles [NumEngines]Counter

// BusySum adds the busy counters of every engine.
func (c Cycles) BusySum() uint64 {
	var sum uint64
	for _, counter := range c {
		sum += counter.Busy
	}
	return sum
}

// Utilization holds the per-bucket percentages derived for one client session.
// Buckets accumulate across engines and are not clamped: a process busy on
// several engines can exceed 100 on GPU.
type Utilization struct {
	GPU    types.Optional[uint32] `json:"gpu"`
	Decode types.Optional[uint32] `json:"decode"`
	Encode types.Optional[uint32] `json:"encode"`
}

// add accounts pct of engine e into its buckets. Decode and encode work is
// counted twice on purpose: once in its own bucket and once in GPU.
func (u *Utilization) add(e Engine, pct uint32) {
	u.GPU = types.Add(u.GPU, pct)
	switch e {
	case VideoDecode:
		u.Decode = types.Add(u.Decode, pct)
	case VideoEncode:
		u.Encode = types.Add(u.Encode, pct)
	}
}
